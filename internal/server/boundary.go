package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	oauth "github.com/haileyok/mal-oauth-golang"
	"github.com/haileyok/mal-oauth-golang/internal/auth"
	"github.com/labstack/echo/v4"
)

const apiPrefix = "/api"

type kinded interface {
	Kind() string
	Retryable() bool
}

// failure is what a boundary knows about an error after classifying it. Only
// Status, Code and Message ever reach the client.
type failure struct {
	Status    int
	Code      string
	Message   string
	Kind      string
	Retryable bool
}

func classify(err error) failure {
	var (
		validationErr *oauth.ValidationError
		providerErr   *oauth.ProviderAuthError
		stateErr      *oauth.StateMismatchError
		networkErr    *oauth.NetworkError
		sessionErr    *oauth.SessionError
		httpErr       *echo.HTTPError
	)

	f := failure{
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "something went wrong",
		Kind:    "internal",
	}

	switch {
	case errors.As(err, &stateErr):
		f.Status, f.Code, f.Message = http.StatusBadRequest, "state_mismatch", "the login request could not be verified, please sign in again"
	case errors.As(err, &providerErr):
		f.Status, f.Code, f.Message = http.StatusUnauthorized, "provider_auth_failed", "the provider did not authorize this login"
	case errors.As(err, &validationErr):
		f.Status, f.Code, f.Message = http.StatusBadGateway, "provider_response_invalid", "the provider returned an unexpected response"
	case errors.As(err, &networkErr):
		f.Status, f.Code, f.Message = http.StatusServiceUnavailable, "provider_unavailable", "the provider could not be reached, try again shortly"
	case errors.As(err, &sessionErr):
		f.Status, f.Code, f.Message = http.StatusInternalServerError, "session_unavailable", "your session could not be loaded"
	case errors.Is(err, auth.ErrNotAuthenticated):
		f.Status, f.Code, f.Message = http.StatusUnauthorized, "not_authenticated", "sign in to continue"
		f.Kind = "auth"
	case errors.As(err, &httpErr):
		if httpErr.Internal != nil && httpErr.Code >= http.StatusInternalServerError {
			// a plain error some middleware wrapped on its way out
			break
		}

		f.Status = httpErr.Code
		f.Kind = "http"
		f.Message = http.StatusText(httpErr.Code)
		switch httpErr.Code {
		case http.StatusNotFound:
			f.Code = "not_found"
		case http.StatusMethodNotAllowed:
			f.Code = "method_not_allowed"
		case http.StatusBadRequest:
			f.Code = "bad_request"
		default:
			f.Code = "http_error"
		}
	}

	var k kinded
	if errors.As(err, &k) {
		f.Kind = k.Kind()
		f.Retryable = k.Retryable()
	}

	return f
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

// Boundary turns errors that reach the end of the pipeline into client
// responses for one mount point.
type Boundary struct {
	name   string
	logger *slog.Logger
	render func(c echo.Context, f failure, reference string) error
}

func newAPIBoundary(logger *slog.Logger) *Boundary {
	return &Boundary{
		name:   "api",
		logger: logger,
		render: func(c echo.Context, f failure, reference string) error {
			return c.JSON(f.Status, apiError{
				Error: apiErrorBody{Code: f.Code, Message: f.Message, Reference: reference},
			})
		},
	}
}

func newPageBoundary(logger *slog.Logger, renderer PageRenderer) *Boundary {
	return &Boundary{
		name:   "page",
		logger: logger,
		render: func(c echo.Context, f failure, reference string) error {
			return renderer.RenderError(c, ErrorPage{
				Status:    f.Status,
				Title:     http.StatusText(f.Status),
				Message:   f.Message,
				Reference: reference,
			})
		},
	}
}

func (b *Boundary) Name() string {
	return b.name
}

func (b *Boundary) Handle(err error, c echo.Context) {
	if c.Response().Committed {
		b.logger.Debug("error after response was committed", "boundary", b.name, "path", c.Request().URL.Path, "error", err)
		return
	}

	f := classify(err)
	reference := ""

	attrs := []any{
		"boundary", b.name,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"status", f.Status,
		"kind", f.Kind,
		"retryable", f.Retryable,
		"error", err,
	}

	if f.Status >= http.StatusInternalServerError || f.Kind != "http" {
		reference = uuid.NewString()
		attrs = append(attrs, "reference", reference)
	}

	if f.Status >= http.StatusInternalServerError {
		b.logger.Error("request failed", attrs...)
	} else {
		b.logger.Info("request rejected", attrs...)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(f.Status)
	} else {
		err = b.render(c, f, reference)
	}

	if err != nil {
		b.logger.Error("failed to write error response", "boundary", b.name, "error", err)
	}
}

func isAPIPath(p string) bool {
	return p == apiPrefix || strings.HasPrefix(p, apiPrefix+"/")
}

// errorHandler picks the boundary for the mount point the request belongs to.
func errorHandler(api, page *Boundary) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if isAPIPath(c.Request().URL.Path) {
			api.Handle(err, c)
			return
		}

		page.Handle(err, c)
	}
}
