package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	oauth "github.com/haileyok/mal-oauth-golang"
	"golang.org/x/sync/singleflight"
)

const DefaultRefreshWindow = 5 * time.Minute

var ErrNotAuthenticated = errors.New("session is not authenticated")

type TokenClient interface {
	AuthorizeURL(state oauth.OauthState, codeChallenge string) (string, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth.TokenSuccess, error)
	RefreshToken(ctx context.Context, refreshToken string) (*oauth.TokenSuccess, error)
}

type TokenStore interface {
	Get(ctx context.Context, sessionID string) (*oauth.TokenPair, error)
	Put(ctx context.Context, sessionID string, pair oauth.TokenPair) error
	Delete(ctx context.Context, sessionID string) error
}

// Callback holds the query parameters the provider redirected back with.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

type Login struct {
	ReturnPath string
	Token      *oauth.TokenSuccess
}

type Manager struct {
	client        TokenClient
	pending       oauth.PendingStore
	validator     *oauth.StateValidator
	tokens        TokenStore
	refreshWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger
	refreshes     singleflight.Group
}

type ManagerArgs struct {
	Client        TokenClient
	Pending       oauth.PendingStore
	Tokens        TokenStore
	Logger        *slog.Logger
	RefreshWindow time.Duration
	Now           func() time.Time
}

func NewManager(args ManagerArgs) (*Manager, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Pending == nil {
		return nil, fmt.Errorf("no pending login store provided")
	}

	if args.Tokens == nil {
		return nil, fmt.Errorf("no token store provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.RefreshWindow <= 0 {
		args.RefreshWindow = DefaultRefreshWindow
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	return &Manager{
		client:        args.Client,
		pending:       args.Pending,
		validator:     oauth.NewStateValidator(args.Pending, args.Now),
		tokens:        args.Tokens,
		refreshWindow: args.RefreshWindow,
		now:           args.Now,
		logger:        args.Logger.With("component", "auth"),
	}, nil
}

// BeginLogin records a new pending login for the session, replacing any
// earlier one, and returns the provider URL to redirect to.
func (m *Manager) BeginLogin(ctx context.Context, sessionID, returnPath string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("cannot begin login without a session")
	}

	state, err := oauth.NewOauthState(returnPath)
	if err != nil {
		return "", err
	}

	verifier, err := oauth.NewCodeVerifier()
	if err != nil {
		return "", err
	}

	now := m.now()
	if err := m.pending.PutPending(ctx, oauth.PendingLogin{
		SessionID:    sessionID,
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(oauth.PendingLoginTTL),
	}); err != nil {
		return "", err
	}

	return m.client.AuthorizeURL(state, oauth.PlainCodeChallenge(verifier))
}

// CompleteLogin consumes the pending login and exchanges the authorization
// code. The state is checked before anything else, including a provider error
// on the callback.
func (m *Manager) CompleteLogin(ctx context.Context, sessionID string, cb Callback) (*Login, error) {
	pending, err := m.validator.Validate(ctx, sessionID, cb.State)
	if err != nil {
		return nil, err
	}

	if cb.Error != "" {
		return nil, &oauth.ProviderAuthError{Op: "authorize", Code: cb.Error, Description: cb.ErrorDescription}
	}

	if cb.Code == "" {
		return nil, &oauth.ProviderAuthError{Op: "authorize", Code: "invalid_request", Description: "authorization code missing"}
	}

	tok, err := m.client.ExchangeCode(ctx, cb.Code, pending.CodeVerifier)
	if err != nil {
		return nil, err
	}

	returnPath := pending.State.ReturnPath
	if returnPath == "" {
		returnPath = "/"
	}

	return &Login{
		ReturnPath: returnPath,
		Token:      tok,
	}, nil
}

func (m *Manager) SaveToken(ctx context.Context, sessionID string, tok *oauth.TokenSuccess) error {
	if sessionID == "" {
		return fmt.Errorf("cannot store token without a session")
	}

	return m.tokens.Put(ctx, sessionID, oauth.NewTokenPair(tok, m.now()))
}

// Token returns the session's token pair, refreshing it first when it is about
// to expire. Concurrent refreshes of one session share a single provider call.
func (m *Manager) Token(ctx context.Context, sessionID string) (*oauth.TokenPair, error) {
	if sessionID == "" {
		return nil, ErrNotAuthenticated
	}

	pair, err := m.tokens.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if pair == nil {
		return nil, ErrNotAuthenticated
	}

	if !pair.NeedsRefresh(m.now(), m.refreshWindow) {
		return pair, nil
	}

	v, err, _ := m.refreshes.Do(sessionID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), sessionID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*oauth.TokenPair), nil
}

func (m *Manager) refresh(ctx context.Context, sessionID string) (*oauth.TokenPair, error) {
	// a refresh that finished while we waited has already replaced the pair
	pair, err := m.tokens.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if pair == nil {
		return nil, ErrNotAuthenticated
	}

	if !pair.NeedsRefresh(m.now(), m.refreshWindow) {
		return pair, nil
	}

	tok, err := m.client.RefreshToken(ctx, pair.RefreshToken)
	if err != nil {
		var authErr *oauth.ProviderAuthError
		if errors.As(err, &authErr) {
			m.logger.Info("refresh rejected by provider, dropping token", "code", authErr.Code)
			if delErr := m.tokens.Delete(ctx, sessionID); delErr != nil {
				m.logger.Error("failed to drop rejected token", "error", delErr)
			}
		}

		return nil, err
	}

	next := oauth.NewTokenPair(tok, m.now())
	if err := m.tokens.Put(ctx, sessionID, next); err != nil {
		return nil, err
	}

	m.logger.Debug("refreshed token", "expires_at", next.ExpiresAt)

	return &next, nil
}

func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	return m.tokens.Delete(ctx, sessionID)
}
