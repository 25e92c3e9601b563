package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haileyok/mal-oauth-golang/internal/auth"
	"github.com/haileyok/mal-oauth-golang/internal/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
)

const (
	StageTrustProxy    = "trust-proxy"
	StageRecover       = "recover"
	StageRequestLogger = "request-logger"
	StageSession       = "session"
	StageCors          = "cors"
	StageStatic        = "static"
	StageTelemetry     = "telemetry"
	StageRoutes        = "routes"
	StageNotFound      = "not-found"
	StageErrorBoundary = "error-boundary"

	DefaultServiceName = "mal-oauth-server"
)

// Options switches the optional stages. Each flag adds or removes exactly one
// stage and never moves the others.
type Options struct {
	WebURL            string
	TrustProxy        bool
	EnableCors        bool
	EnableStaticFiles bool
	EnableTelemetry   bool
	StaticDir         string
	StaticPath        string
	ServiceName       string
}

// PageRoutes registers the non-api routes of the application.
type PageRoutes func(e *echo.Echo)

type Deps struct {
	Options  Options
	Logger   *slog.Logger
	Auth     *auth.Manager
	Sessions *session.Carrier
	Pages    PageRoutes
	Renderer PageRenderer
}

type App struct {
	e        *echo.Echo
	opts     Options
	logger   *slog.Logger
	auth     *auth.Manager
	sessions *session.Carrier
	stages   []string
}

func New(deps Deps) (*App, error) {
	if deps.Auth == nil {
		return nil, fmt.Errorf("no auth manager provided")
	}

	if deps.Sessions == nil {
		return nil, fmt.Errorf("no session carrier provided")
	}

	if deps.Options.EnableStaticFiles && deps.Options.StaticDir == "" {
		return nil, fmt.Errorf("static files enabled without a static directory")
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Renderer == nil {
		deps.Renderer = DefaultPageRenderer()
	}

	if deps.Options.ServiceName == "" {
		deps.Options.ServiceName = DefaultServiceName
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &App{
		e:        e,
		opts:     deps.Options,
		logger:   deps.Logger,
		auth:     deps.Auth,
		sessions: deps.Sessions,
	}

	e.IPExtractor = ipExtractor(a.opts.TrustProxy)
	a.use(StageTrustProxy, trustProxy(a.opts.TrustProxy))

	a.use(StageRecover, middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			a.logger.Error("recovered from panic", "path", c.Request().URL.Path, "error", err, "stack", string(stack))
			return err
		},
	}))

	a.use(StageRequestLogger, slogecho.New(a.logger))
	a.use(StageSession, a.sessions.Middleware())

	if a.opts.EnableCors {
		a.use(StageCors, cors(a.opts.WebURL))
	}

	if a.opts.EnableStaticFiles {
		a.use(StageStatic, staticFiles(a.opts.StaticDir, a.opts.StaticPath))
	}

	if a.opts.EnableTelemetry {
		a.use(StageTelemetry, telemetry(a.opts.ServiceName))
	}

	api := e.Group(apiPrefix)
	api.GET("/oauth/login", a.handleLogin)
	api.GET("/oauth", a.handleCallback)
	api.POST("/oauth/logout", a.handleLogout)
	api.GET("/session", a.handleSession)

	if deps.Pages != nil {
		deps.Pages(e)
	}
	a.stages = append(a.stages, StageRoutes)

	notFound := func(c echo.Context) error {
		return echo.ErrNotFound
	}
	api.RouteNotFound("", notFound)
	api.RouteNotFound("/*", notFound)
	e.RouteNotFound("/*", notFound)
	a.stages = append(a.stages, StageNotFound)

	e.HTTPErrorHandler = errorHandler(
		newAPIBoundary(a.logger),
		newPageBoundary(a.logger, deps.Renderer),
	)
	a.stages = append(a.stages, StageErrorBoundary)

	return a, nil
}

func (a *App) use(name string, mw echo.MiddlewareFunc) {
	a.e.Use(mw)
	a.stages = append(a.stages, name)
}

// Stages lists the pipeline stages in the order a request passes them.
func (a *App) Stages() []string {
	out := make([]string, len(a.stages))
	copy(out, a.stages)
	return out
}

func (a *App) Echo() *echo.Echo {
	return a.e
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.e.ServeHTTP(w, r)
}
