package oauth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/haileyok/mal-oauth-golang/internal/helpers"
)

const (
	PendingLoginTTL = 10 * time.Minute

	nonceBytes    = 20
	verifierBytes = 48 // 96 hex chars, inside the 43..128 range of RFC 7636
)

// PendingStore keeps at most one pending login per session.
type PendingStore interface {
	// PutPending replaces any pending login of the same session.
	PutPending(ctx context.Context, login PendingLogin) error
	// TakePending removes and returns the session's pending login, or nil when
	// there is none. Two concurrent callers never both receive the same login.
	TakePending(ctx context.Context, sessionID string) (*PendingLogin, error)
}

func NewOauthState(returnPath string) (OauthState, error) {
	nonce, err := helpers.GenerateToken(nonceBytes)
	if err != nil {
		return OauthState{}, fmt.Errorf("could not generate state nonce: %w", err)
	}

	state := OauthState{Nonce: nonce}
	if helpers.IsSafeRedirectPath(returnPath) {
		state.ReturnPath = returnPath
	}

	return state, nil
}

func NewCodeVerifier() (string, error) {
	verifier, err := helpers.GenerateToken(verifierBytes)
	if err != nil {
		return "", fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	return verifier, nil
}

// PlainCodeChallenge implements the "plain" method: the challenge is the
// verifier itself.
func PlainCodeChallenge(verifier string) string {
	return verifier
}

func EncodeState(state OauthState) (string, error) {
	if state.Nonce == "" {
		return "", fmt.Errorf("state nonce is empty")
	}

	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("could not marshal state: %w", err)
	}

	return url.QueryEscape(string(b)), nil
}

func DecodeState(s string) (OauthState, error) {
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return OauthState{}, fmt.Errorf("could not unescape state: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()

	var state OauthState
	if err := dec.Decode(&state); err != nil {
		return OauthState{}, fmt.Errorf("could not unmarshal state: %w", err)
	}

	if dec.More() {
		return OauthState{}, fmt.Errorf("trailing data after state")
	}

	if state.Nonce == "" {
		return OauthState{}, fmt.Errorf("state nonce is empty")
	}

	return state, nil
}

func statesEqual(a, b OauthState) bool {
	nonceOk := subtle.ConstantTimeCompare([]byte(a.Nonce), []byte(b.Nonce)) == 1
	return nonceOk && a.ReturnPath == b.ReturnPath
}

// StateValidator binds a callback to the session that started the login.
type StateValidator struct {
	pending PendingStore
	now     func() time.Time
}

func NewStateValidator(pending PendingStore, now func() time.Time) *StateValidator {
	if now == nil {
		now = time.Now
	}

	return &StateValidator{
		pending: pending,
		now:     now,
	}
}

// Validate consumes the session's pending login and checks the incoming state
// against it. The pending login is gone afterwards whatever the outcome, so a
// state value can succeed at most once.
func (v *StateValidator) Validate(ctx context.Context, sessionID, incoming string) (*PendingLogin, error) {
	if sessionID == "" {
		return nil, &StateMismatchError{Reason: StateMissing}
	}

	login, err := v.pending.TakePending(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if login == nil {
		return nil, &StateMismatchError{Reason: StateMissing}
	}

	if !v.now().Before(login.ExpiresAt) {
		return nil, &StateMismatchError{Reason: StateExpired}
	}

	state, err := DecodeState(incoming)
	if err != nil {
		return nil, &StateMismatchError{Reason: StateMalformed}
	}

	if !statesEqual(login.State, state) {
		return nil, &StateMismatchError{Reason: StateMismatch}
	}

	return login, nil
}
