package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	oauth "github.com/haileyok/mal-oauth-golang"
	"github.com/haileyok/mal-oauth-golang/internal/auth"
	"github.com/haileyok/mal-oauth-golang/internal/session"
	"github.com/labstack/echo/v4"
)

func (a *App) handleLogin(e echo.Context) error {
	sess, err := a.sessions.Ensure(e)
	if err != nil {
		return err
	}

	u, err := a.auth.BeginLogin(e.Request().Context(), sess.ID, e.QueryParam("returnPath"))
	if err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, u)
}

func (a *App) handleCallback(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := a.sessions.Load(e)
	if err != nil {
		return err
	}

	login, err := a.auth.CompleteLogin(ctx, sess.ID, auth.Callback{
		Code:             e.QueryParam("code"),
		State:            e.QueryParam("state"),
		Error:            e.QueryParam("error"),
		ErrorDescription: e.QueryParam("error_description"),
	})
	if err != nil {
		return err
	}

	// a token from an earlier login of this browser must not outlive the old id
	oldID := sess.ID
	if err := a.auth.Logout(ctx, oldID); err != nil {
		return err
	}

	if err := a.sessions.Rotate(e, sess); err != nil {
		return err
	}

	if err := a.auth.SaveToken(ctx, sess.ID, login.Token); err != nil {
		return err
	}

	a.logger.Info("login completed", "return_path", login.ReturnPath)

	return e.Redirect(http.StatusFound, a.redirectTarget(login.ReturnPath))
}

func (a *App) handleLogout(e echo.Context) error {
	sess, err := a.sessions.Load(e)
	if err != nil {
		return err
	}

	if sess.ID != "" {
		if err := a.auth.Logout(e.Request().Context(), sess.ID); err != nil {
			return err
		}

		if err := a.sessions.Destroy(e, sess); err != nil {
			return err
		}
	}

	return e.NoContent(http.StatusNoContent)
}

type sessionStatus struct {
	Authenticated   bool       `json:"authenticated"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	AuthenticatedAt *time.Time `json:"authenticatedAt,omitempty"`
}

func (a *App) handleSession(e echo.Context) error {
	sess, err := a.sessions.Load(e)
	if err != nil {
		return err
	}

	pair, err := a.auth.Token(e.Request().Context(), sess.ID)
	if err != nil {
		var authErr *oauth.ProviderAuthError
		if errors.Is(err, auth.ErrNotAuthenticated) || errors.As(err, &authErr) {
			return e.JSON(http.StatusOK, sessionStatus{Authenticated: false})
		}
		return err
	}

	status := sessionStatus{
		Authenticated: true,
		ExpiresAt:     &pair.ExpiresAt,
	}

	if at, ok := session.AuthenticatedAt(sess); ok {
		status.AuthenticatedAt = &at
	}

	return e.JSON(http.StatusOK, status)
}

func (a *App) redirectTarget(returnPath string) string {
	if a.opts.WebURL == "" {
		return returnPath
	}

	return strings.TrimRight(a.opts.WebURL, "/") + returnPath
}
