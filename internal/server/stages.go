package server

import (
	"net/http"
	"strings"

	"github.com/haileyok/mal-oauth-golang/internal/requestctx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// trustProxy records whether the request reached us over a secure connection.
// Forwarded headers only count when the proxy is trusted.
func trustProxy(trusted bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			secure := r.TLS != nil
			if !secure && trusted {
				proto := r.Header.Get(echo.HeaderXForwardedProto)
				if i := strings.IndexByte(proto, ','); i >= 0 {
					proto = proto[:i]
				}
				secure = strings.EqualFold(strings.TrimSpace(proto), "https")
			}

			c.SetRequest(r.WithContext(requestctx.WithSecure(r.Context(), secure)))
			return next(c)
		}
	}
}

func ipExtractor(trusted bool) echo.IPExtractor {
	if trusted {
		return echo.ExtractIPFromXFFHeader()
	}

	return echo.ExtractIPDirect()
}

func cors(webUrl string) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{strings.TrimRight(webUrl, "/")},
		AllowMethods:     []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowCredentials: true,
	})
}

// staticFiles serves dir under prefix. Anything outside prefix, and any file
// that does not exist, falls through to the routes.
func staticFiles(dir, prefix string) echo.MiddlewareFunc {
	prefix = "/" + strings.Trim(prefix, "/")

	return middleware.StaticWithConfig(middleware.StaticConfig{
		Filesystem: prefixFS{prefix: prefix, fs: http.Dir(dir)},
		Index:      "index.html",
		Skipper: func(c echo.Context) bool {
			r := c.Request()
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				return true
			}

			if isAPIPath(r.URL.Path) {
				return true
			}

			return prefix != "/" && r.URL.Path != prefix && !strings.HasPrefix(r.URL.Path, prefix+"/")
		},
	})
}

type prefixFS struct {
	prefix string
	fs     http.FileSystem
}

func (p prefixFS) Open(name string) (http.File, error) {
	name = "/" + strings.TrimPrefix(name, "/")
	if p.prefix != "/" {
		name = "/" + strings.TrimPrefix(strings.TrimPrefix(name, p.prefix), "/")
	}

	return p.fs.Open(name)
}

func telemetry(serviceName string) echo.MiddlewareFunc {
	return echo.WrapMiddleware(otelhttp.NewMiddleware(serviceName))
}
