package oauth

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/oauth2"
)

// OauthState is the anti-forgery payload sent through the authorize redirect
// and echoed back on the callback.
type OauthState struct {
	Nonce      string `json:"nonce"`
	ReturnPath string `json:"returnPath,omitempty"`
}

type TokenSuccess struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type TokenFailure struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type TokenResultKind int

const (
	TokenResultUnrecognized TokenResultKind = iota
	TokenResultSuccess
	TokenResultFailure
)

func (k TokenResultKind) String() string {
	switch k {
	case TokenResultSuccess:
		return "success"
	case TokenResultFailure:
		return "failure"
	default:
		return "unrecognized"
	}
}

// TokenResult is the outcome of decoding a token endpoint body. Exactly one of
// Success or Failure is set when Kind says so; both are nil for unrecognized
// bodies.
type TokenResult struct {
	Kind    TokenResultKind
	Success *TokenSuccess
	Failure *TokenFailure
}

// tokenEnvelope overlays both response shapes. Pointers keep an absent field
// apart from a zero one.
type tokenEnvelope struct {
	AccessToken      *string `json:"access_token"`
	RefreshToken     *string `json:"refresh_token"`
	ExpiresIn        *int64  `json:"expires_in"`
	TokenType        *string `json:"token_type"`
	Error            *string `json:"error"`
	ErrorDescription *string `json:"error_description"`
}

func (te tokenEnvelope) failure() (*TokenFailure, bool) {
	if err := validation.ValidateStruct(&te,
		validation.Field(&te.Error, validation.Required),
	); err != nil {
		return nil, false
	}

	tf := &TokenFailure{Error: *te.Error}
	if te.ErrorDescription != nil {
		tf.ErrorDescription = *te.ErrorDescription
	}

	return tf, true
}

func (te tokenEnvelope) success() (*TokenSuccess, bool) {
	if err := validation.ValidateStruct(&te,
		validation.Field(&te.AccessToken, validation.Required),
		validation.Field(&te.RefreshToken, validation.Required),
		validation.Field(&te.ExpiresIn, validation.Required, validation.Min(1)),
		validation.Field(&te.TokenType, validation.Required),
	); err != nil {
		return nil, false
	}

	return &TokenSuccess{
		AccessToken:  *te.AccessToken,
		RefreshToken: *te.RefreshToken,
		ExpiresIn:    *te.ExpiresIn,
		TokenType:    *te.TokenType,
	}, true
}

// DecodeTokenResponse classifies an untrusted token endpoint body. The failure
// shape is checked before the success shape, and a body that does not decode
// cleanly into either is unrecognized.
func DecodeTokenResponse(b []byte) TokenResult {
	var te tokenEnvelope
	if err := json.Unmarshal(b, &te); err != nil {
		return TokenResult{Kind: TokenResultUnrecognized}
	}

	if tf, ok := te.failure(); ok {
		return TokenResult{Kind: TokenResultFailure, Failure: tf}
	}

	if ts, ok := te.success(); ok {
		return TokenResult{Kind: TokenResultSuccess, Success: ts}
	}

	return TokenResult{Kind: TokenResultUnrecognized}
}

// PendingLogin is the server side half of an in-flight authorization attempt.
type PendingLogin struct {
	SessionID    string
	State        OauthState
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenPair is the stored form of a TokenSuccess.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

func NewTokenPair(ts *TokenSuccess, now time.Time) TokenPair {
	return TokenPair{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    ts.TokenType,
		ExpiresAt:    now.Add(time.Duration(ts.ExpiresIn) * time.Second).UTC(),
	}
}

// NeedsRefresh reports whether the access token expires within window of now.
func (tp TokenPair) NeedsRefresh(now time.Time, window time.Duration) bool {
	return !tp.ExpiresAt.After(now.Add(window))
}

func (tp TokenPair) Oauth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tp.AccessToken,
		RefreshToken: tp.RefreshToken,
		TokenType:    tp.TokenType,
		Expiry:       tp.ExpiresAt,
	}
}
