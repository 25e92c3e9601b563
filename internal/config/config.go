package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/haileyok/mal-oauth-golang/internal/storage"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

type Config struct {
	WebURL        string
	ListenAddr    string
	ClientID      string
	ClientSecret  string
	EncryptionKey string
	DBPath        string

	TrustProxy        bool
	EnableCors        bool
	EnableStaticFiles bool
	EnableTelemetry   bool
	StaticDir         string
	StaticPath        string
	OtelEndpoint      string

	LogLevel        string
	LogFormat       string
	ProviderTimeout time.Duration
	CookieMaxAge    time.Duration
	CleanupInterval time.Duration
}

// Flags returns fresh flag definitions. urfave/cli writes env values into the
// flag itself, so every app gets its own set.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "web-url",
			Usage:   "public url the app is served from, https enables secure cookies",
			EnvVars: []string{"WEB_URL"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Value:   ":8080",
			EnvVars: []string{"LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "mal-client-id",
			EnvVars: []string{"MAL_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "mal-client-secret",
			EnvVars: []string{"MAL_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "encryption-key",
			Usage:   "secret the session cookie keys are derived from",
			EnvVars: []string{"ENCRYPTION_KEY"},
		},
		&cli.StringFlag{
			Name:    "db-path",
			Value:   "./data/mal-oauth.db",
			EnvVars: []string{"DB_PATH"},
		},
		&cli.BoolFlag{
			Name:    "trust-proxy",
			Usage:   "honour X-Forwarded-For and X-Forwarded-Proto",
			EnvVars: []string{"TRUST_PROXY"},
		},
		&cli.BoolFlag{
			Name:    "enable-cors",
			EnvVars: []string{"ENABLE_CORS"},
		},
		&cli.BoolFlag{
			Name:    "enable-static-files",
			EnvVars: []string{"ENABLE_STATIC_FILES"},
		},
		&cli.StringFlag{
			Name:    "static-dir",
			Value:   "./public",
			EnvVars: []string{"STATIC_DIR"},
		},
		&cli.StringFlag{
			Name:    "static-path",
			Value:   "/",
			EnvVars: []string{"STATIC_PATH"},
		},
		&cli.BoolFlag{
			Name:    "enable-telemetry",
			EnvVars: []string{"ENABLE_TELEMETRY"},
		},
		&cli.StringFlag{
			Name:    "otel-endpoint",
			EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			EnvVars: []string{"LOG_FORMAT"},
		},
		&cli.DurationFlag{
			Name:    "provider-timeout",
			Value:   5 * time.Second,
			EnvVars: []string{"PROVIDER_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "cookie-max-age",
			Value:   7 * 24 * time.Hour,
			EnvVars: []string{"COOKIE_MAX_AGE"},
		},
		&cli.DurationFlag{
			Name:    "cleanup-interval",
			Value:   storage.DefaultCleanupInterval,
			EnvVars: []string{"CLEANUP_INTERVAL"},
		},
	}
}

func FromCLI(cmd *cli.Context) (*Config, error) {
	cfg := &Config{
		WebURL:            strings.TrimRight(cmd.String("web-url"), "/"),
		ListenAddr:        cmd.String("listen-addr"),
		ClientID:          cmd.String("mal-client-id"),
		ClientSecret:      cmd.String("mal-client-secret"),
		EncryptionKey:     cmd.String("encryption-key"),
		DBPath:            cmd.String("db-path"),
		TrustProxy:        cmd.Bool("trust-proxy"),
		EnableCors:        cmd.Bool("enable-cors"),
		EnableStaticFiles: cmd.Bool("enable-static-files"),
		EnableTelemetry:   cmd.Bool("enable-telemetry"),
		StaticDir:         cmd.String("static-dir"),
		StaticPath:        cmd.String("static-path"),
		OtelEndpoint:      cmd.String("otel-endpoint"),
		LogLevel:          cmd.String("log-level"),
		LogFormat:         cmd.String("log-format"),
		ProviderTimeout:   cmd.Duration("provider-timeout"),
		CookieMaxAge:      cmd.Duration("cookie-max-age"),
		CleanupInterval:   cmd.Duration("cleanup-interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WebURL == "" {
		return fmt.Errorf("web url is required")
	}

	u, err := url.Parse(c.WebURL)
	if err != nil {
		return fmt.Errorf("could not parse web url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("web url must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("web url has no host")
	}

	if c.ClientID == "" {
		return fmt.Errorf("mal client id is required")
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}

	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("encryption key must be at least 32 characters")
	}

	if c.EnableStaticFiles && c.StaticDir == "" {
		return fmt.Errorf("static dir is required when static files are enabled")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	if c.CookieMaxAge < time.Second {
		return fmt.Errorf("cookie max age must be at least a second")
	}

	return nil
}

// SecureCookies reports whether session cookies carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.WebURL, "https://")
}

func (c *Config) RedirectURI() string {
	return c.WebURL + "/api/oauth"
}

// TelemetryEndpoint is empty unless telemetry is switched on.
func (c *Config) TelemetryEndpoint() string {
	if !c.EnableTelemetry {
		return ""
	}

	return c.OtelEndpoint
}

// LoadDotenv reads the given env files into the process environment. Missing
// files are skipped and variables that are already set win.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("could not load %s: %w", p, err)
		}
	}

	return nil
}
