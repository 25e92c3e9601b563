package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultAuthorizeUrl = "https://myanimelist.net/v1/oauth2/authorize"
	DefaultTokenUrl     = "https://myanimelist.net/v1/oauth2/token"

	CodeChallengeMethodPlain = "plain"

	maxTokenResponseBytes = 1 << 20
)

type Client struct {
	h            *http.Client
	clientId     string
	clientSecret string
	redirectUri  string
	authorizeUrl *url.URL
	tokenUrl     string
}

type ClientArgs struct {
	H            *http.Client
	ClientId     string
	ClientSecret string
	RedirectUri  string
	AuthorizeUrl string
	TokenUrl     string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if _, err := url.Parse(args.RedirectUri); err != nil {
		return nil, fmt.Errorf("could not parse redirect uri: %w", err)
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	if args.AuthorizeUrl == "" {
		args.AuthorizeUrl = DefaultAuthorizeUrl
	}

	if args.TokenUrl == "" {
		args.TokenUrl = DefaultTokenUrl
	}

	authorizeUrl, err := isSafeAndParsed(args.AuthorizeUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize url: %w", err)
	}

	if _, err := isSafeAndParsed(args.TokenUrl); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}

	return &Client{
		h:            args.H,
		clientId:     args.ClientId,
		clientSecret: args.ClientSecret,
		redirectUri:  args.RedirectUri,
		authorizeUrl: authorizeUrl,
		tokenUrl:     args.TokenUrl,
	}, nil
}

// AuthorizeURL builds the provider URL the browser is sent to. It performs no
// I/O and the same inputs always produce the same URL.
func (c *Client) AuthorizeURL(state OauthState, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", fmt.Errorf("no code challenge provided")
	}

	encodedState, err := EncodeState(state)
	if err != nil {
		return "", err
	}

	params := url.Values{
		"redirect_uri":          {c.redirectUri},
		"client_id":             {c.clientId},
		"response_type":         {"code"},
		"state":                 {encodedState},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {CodeChallengeMethodPlain},
	}

	u := *c.authorizeUrl
	u.RawQuery = params.Encode()

	return u.String(), nil
}

func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSuccess, error) {
	params := url.Values{
		"client_id":     {c.clientId},
		"redirect_uri":  {c.redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {codeVerifier},
	}

	if c.clientSecret != "" {
		params.Set("client_secret", c.clientSecret)
	}

	return c.tokenRequest(ctx, "exchange code", params)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenSuccess, error) {
	params := url.Values{
		"client_id":     {c.clientId},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	if c.clientSecret != "" {
		params.Set("client_secret", c.clientSecret)
	}

	return c.tokenRequest(ctx, "refresh token", params)
}

// HTTPClient returns a client that authenticates requests to the provider's
// API with the pair's access token.
func (c *Client) HTTPClient(ctx context.Context, pair TokenPair) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.h)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(pair.Oauth2Token()))
}

func (c *Client) tokenRequest(ctx context.Context, op string, params url.Values) (*TokenSuccess, error) {
	// a caller going away does not abort the exchange, the client timeout still bounds it
	ctx = context.WithoutCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenUrl, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponseBytes))
		return nil, &NetworkError{Op: op, Status: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes+1))
	if err != nil {
		return nil, &NetworkError{Op: op, Timeout: isTimeout(err), Err: err}
	}

	if len(b) > maxTokenResponseBytes {
		return nil, &ValidationError{Op: op, Status: resp.StatusCode, Reason: "response body too large"}
	}

	result := DecodeTokenResponse(b)
	switch result.Kind {
	case TokenResultFailure:
		return nil, &ProviderAuthError{
			Op:          op,
			Status:      resp.StatusCode,
			Code:        result.Failure.Error,
			Description: result.Failure.ErrorDescription,
		}
	case TokenResultSuccess:
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, &ValidationError{Op: op, Status: resp.StatusCode, Reason: "token payload on non-success status"}
		}

		return result.Success, nil
	}

	return nil, &ValidationError{Op: op, Status: resp.StatusCode, Reason: "unrecognized token response"}
}
