package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/mal-oauth-golang"
	"github.com/haileyok/mal-oauth-golang/internal/auth"
	"github.com/haileyok/mal-oauth-golang/internal/session"
	"github.com/haileyok/mal-oauth-golang/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebUrl = "http://localhost:8080"

type testEnv struct {
	app        *App
	provider   *httptest.Server
	tokenCalls atomic.Int32
}

func newTestEnv(t *testing.T, opts Options, pages PageRoutes) *testEnv {
	t.Helper()

	env := &testEnv{}

	env.provider = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.tokenCalls.Add(1)

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("code") {
		case "good":
			fmt.Fprint(w, `{"token_type":"Bearer","expires_in":2678400,"access_token":"access-good","refresh_token":"refresh-good"}`)
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"secret provider detail"}`)
		}
	}))
	t.Cleanup(env.provider.Close)

	if opts.WebURL == "" {
		opts.WebURL = testWebUrl
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	client, err := oauth.NewClient(oauth.ClientArgs{
		ClientId:     "client-id",
		ClientSecret: "client-secret",
		RedirectUri:  opts.WebURL + "/api/oauth",
		AuthorizeUrl: env.provider.URL + "/authorize",
		TokenUrl:     env.provider.URL + "/token",
	})
	require.NoError(t, err)

	manager, err := auth.NewManager(auth.ManagerArgs{
		Client:  client,
		Pending: storage.NewPendingStore(db),
		Tokens:  storage.NewTokenStore(db),
		Logger:  logger,
	})
	require.NoError(t, err)

	store := session.NewStore(db, logger, sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(opts.WebURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}, session.KeyPairs("test-key")...)

	env.app, err = New(Deps{
		Options:  opts,
		Logger:   logger,
		Auth:     manager,
		Sessions: session.NewCarrier("", store),
		Pages:    pages,
	})
	require.NoError(t, err)

	return env
}

func (env *testEnv) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	env.app.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultName {
			return c
		}
	}

	return nil
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) apiErrorBody {
	t.Helper()

	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

// login runs the redirect half of the flow and returns the session cookie and
// the state the provider would echo back.
func (env *testEnv) login(t *testing.T, returnPath string) (*http.Cookie, string) {
	t.Helper()

	target := "/api/oauth/login"
	if returnPath != "" {
		target += "?returnPath=" + url.QueryEscape(returnPath)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, target, nil), nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	require.Equal(t, env.provider.URL+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)

	return cookie, loc.Query().Get("state")
}

func callbackRequest(params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api/oauth?"+params.Encode(), nil)
}

func TestStageOrder(t *testing.T) {
	staticDir := t.TempDir()

	for mask := range 16 {
		opts := Options{
			TrustProxy:        mask&1 != 0,
			EnableCors:        mask&2 != 0,
			EnableStaticFiles: mask&4 != 0,
			EnableTelemetry:   mask&8 != 0,
			StaticDir:         staticDir,
			StaticPath:        "/public",
		}

		t.Run(fmt.Sprintf("flags=%04b", mask), func(t *testing.T) {
			assert := assert.New(t)

			stages := newTestEnv(t, opts, nil).app.Stages()

			want := []string{StageTrustProxy, StageRecover, StageRequestLogger, StageSession}
			if opts.EnableCors {
				want = append(want, StageCors)
			}
			if opts.EnableStaticFiles {
				want = append(want, StageStatic)
			}
			if opts.EnableTelemetry {
				want = append(want, StageTelemetry)
			}
			want = append(want, StageRoutes, StageNotFound, StageErrorBoundary)

			assert.Equal(want, stages)
			assert.Less(slices.Index(stages, StageTrustProxy), slices.Index(stages, StageSession))
		})
	}
}

func TestNotFoundPerMount(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	for _, p := range []string{"/api/does-not-exist", "/api", "/api/oauth/nope/deeper"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, p, nil), nil)
		assert.Equal(http.StatusNotFound, rec.Code, p)
		assert.Contains(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON, p)
		assert.Equal("not_found", decodeAPIError(t, rec).Code, p)
	}

	for _, p := range []string{"/does-not-exist", "/", "/apiary"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, p, nil), nil)
		assert.Equal(http.StatusNotFound, rec.Code, p)
		assert.Contains(rec.Header().Get(echo.HeaderContentType), echo.MIMETextHTML, p)
		assert.Contains(rec.Body.String(), "Not Found", p)
	}
}

func TestLoginFlow(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), nil)
	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"authenticated":false}`, rec.Body.String())

	oldCookie, state := env.login(t, "/anime/1")
	assert.NotEmpty(state)

	rec = env.do(callbackRequest(url.Values{"code": {"good"}, "state": {state}}), oldCookie)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(testWebUrl+"/anime/1", rec.Header().Get(echo.HeaderLocation))

	newCookie := sessionCookie(rec)
	require.NotNil(t, newCookie)
	assert.NotEqual(oldCookie.Value, newCookie.Value)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), newCookie)
	assert.Equal(http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(true, status["authenticated"])
	assert.NotEmpty(status["expiresAt"])
	assert.NotEmpty(status["authenticatedAt"])
	assert.NotContains(rec.Body.String(), "access-good")
	assert.NotContains(rec.Body.String(), "refresh-good")

	// the old id no longer reaches the token
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), oldCookie)
	assert.JSONEq(`{"authenticated":false}`, rec.Body.String())

	calls := env.tokenCalls.Load()

	for _, cookie := range []*http.Cookie{newCookie, oldCookie} {
		rec = env.do(callbackRequest(url.Values{"code": {"good"}, "state": {state}}), cookie)
		assert.Equal(http.StatusBadRequest, rec.Code)
		assert.Equal("state_mismatch", decodeAPIError(t, rec).Code)
	}

	assert.Equal(calls, env.tokenCalls.Load())
}

func TestLoginDropsUnsafeReturnPath(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	cookie, state := env.login(t, "//evil.example/steal")

	rec := env.do(callbackRequest(url.Values{"code": {"good"}, "state": {state}}), cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testWebUrl+"/", rec.Header().Get(echo.HeaderLocation))
}

func TestCallbackWithoutLogin(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	state, err := oauth.EncodeState(oauth.OauthState{Nonce: "made-up"})
	require.NoError(t, err)

	rec := env.do(callbackRequest(url.Values{"code": {"good"}, "state": {state}}), nil)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Equal("state_mismatch", decodeAPIError(t, rec).Code)
	assert.Equal(int32(0), env.tokenCalls.Load())
}

func TestCallbackTamperedState(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	cookie, _ := env.login(t, "/")

	forged, err := oauth.EncodeState(oauth.OauthState{Nonce: "forged"})
	require.NoError(t, err)

	rec := env.do(callbackRequest(url.Values{"code": {"good"}, "state": {forged}}), cookie)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Equal("state_mismatch", decodeAPIError(t, rec).Code)
	assert.Equal(int32(0), env.tokenCalls.Load())
}

func TestCallbackProviderRejectsCode(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	cookie, state := env.login(t, "/")

	rec := env.do(callbackRequest(url.Values{"code": {"bad"}, "state": {state}}), cookie)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	body := decodeAPIError(t, rec)
	assert.Equal("provider_auth_failed", body.Code)
	assert.NotEmpty(body.Reference)
	assert.NotContains(rec.Body.String(), "secret provider detail")
	assert.Nil(sessionCookie(rec))
}

func TestCallbackProviderDenied(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	cookie, state := env.login(t, "/")

	rec := env.do(callbackRequest(url.Values{
		"error":             {"access_denied"},
		"error_description": {"the user cancelled"},
		"state":             {state},
	}), cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "provider_auth_failed", decodeAPIError(t, rec).Code)
	assert.Equal(t, int32(0), env.tokenCalls.Load())
}

func TestCallbackProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	cookie, state := env.login(t, "/")

	rec := env.do(callbackRequest(url.Values{"code": {"down"}, "state": {state}}), cookie)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "provider_unavailable", decodeAPIError(t, rec).Code)
}

func TestLogout(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, nil)

	cookie, state := env.login(t, "/")
	rec := env.do(callbackRequest(url.Values{"code": {"good"}, "state": {state}}), cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	cookie = sessionCookie(rec)
	require.NotNil(t, cookie)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/oauth/logout", nil), cookie)
	assert.Equal(http.StatusNoContent, rec.Code)
	if expired := sessionCookie(rec); assert.NotNil(expired) {
		assert.Less(expired.MaxAge, 0)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), cookie)
	assert.JSONEq(`{"authenticated":false}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/oauth/logout", nil), nil)
	assert.Equal(http.StatusNoContent, rec.Code)
}

func TestSecureCookieNeedsTrustedProxy(t *testing.T) {
	forwarded := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/oauth/login", nil)
		req.Header.Set(echo.HeaderXForwardedProto, "https")
		return req
	}

	t.Run("untrusted", func(t *testing.T) {
		env := newTestEnv(t, Options{WebURL: "https://mal.example"}, nil)

		rec := env.do(forwarded(), nil)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Nil(t, sessionCookie(rec))
	})

	t.Run("trusted", func(t *testing.T) {
		env := newTestEnv(t, Options{WebURL: "https://mal.example", TrustProxy: true}, nil)

		rec := env.do(forwarded(), nil)
		assert.Equal(t, http.StatusFound, rec.Code)
		if cookie := sessionCookie(rec); assert.NotNil(t, cookie) {
			assert.True(t, cookie.Secure)
			assert.True(t, cookie.HttpOnly)
			assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
		}
	})

	t.Run("trusted but plain", func(t *testing.T) {
		env := newTestEnv(t, Options{WebURL: "https://mal.example", TrustProxy: true}, nil)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/oauth/login", nil), nil)
		assert.Nil(t, sessionCookie(rec))
	})
}

func TestPanicReachesPageBoundary(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, Options{}, func(e *echo.Echo) {
		e.GET("/boom", func(c echo.Context) error {
			panic("database password is hunter2")
		})
		e.GET("/", func(c echo.Context) error {
			return c.HTML(http.StatusOK, "<p>home</p>")
		})
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/boom", nil), nil)
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Contains(rec.Header().Get(echo.HeaderContentType), echo.MIMETextHTML)
	assert.NotContains(rec.Body.String(), "hunter2")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "home")
}

func TestHeadErrorHasNoBody(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodHead, "/missing", nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStaticFiles(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('hi')"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>index</p>"), 0644))

	env := newTestEnv(t, Options{EnableStaticFiles: true, StaticDir: dir, StaticPath: "/public"}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/public/app.js", nil), nil)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("console.log('hi')", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/public/", nil), nil)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "index")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/public/missing.js", nil), nil)
	assert.Equal(http.StatusNotFound, rec.Code)
	assert.Contains(rec.Header().Get(echo.HeaderContentType), echo.MIMETextHTML)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/app.js", nil), nil)
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/public/../../etc/passwd", nil), nil)
	assert.NotEqual(http.StatusOK, rec.Code)
}

func TestCors(t *testing.T) {
	env := newTestEnv(t, Options{EnableCors: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set(echo.HeaderOrigin, testWebUrl)

	rec := env.do(req, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWebUrl, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "true", rec.Header().Get(echo.HeaderAccessControlAllowCredentials))

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set(echo.HeaderOrigin, "https://elsewhere.example")

	rec = env.do(req, nil)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
