package csrf

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultTokenName       = "OWASP_CSRFGUARD"
	DefaultHeaderName      = "X-CSRF-Token"
	DefaultTokenLength     = 32
	DefaultSessionKey      = "OWASP_CSRFGUARD_KEY"
	DefaultAjaxHeader      = "X-Requested-With"
	DefaultAjaxHeaderValue = "XMLHttpRequest"
)

// Config drives a Protector. It is read once by New and must not change afterwards.
type Config struct {
	// Token transport
	TokenName  string `env:"TOKEN_NAME" envDefault:"OWASP_CSRFGUARD"` // form field / query parameter
	HeaderName string `env:"HEADER_NAME" envDefault:"X-CSRF-Token"`   // AJAX carrier

	// Entropy, in token characters
	TokenLength int `env:"TOKEN_LENGTH" envDefault:"32"`

	// Token policy
	Rotate                bool     `env:"ROTATE"`
	TokenPerPage          bool     `env:"TOKEN_PER_PAGE"`
	TokenPerPagePrecreate bool     `env:"TOKEN_PER_PAGE_PRECREATE"`
	PrecreatePages        []string `env:"PRECREATE_PAGES" envSeparator:","` // defaults to the exact protected pages

	// Protection scope. Rules use the ParseRule syntax.
	Protect          bool     `env:"PROTECT"` // protect every page not carved out
	ProtectedPages   []string `env:"PROTECTED_PAGES" envSeparator:";"`
	UnprotectedPages []string `env:"UNPROTECTED_PAGES" envSeparator:";"`
	ProtectedMethods []string `env:"PROTECTED_METHODS" envSeparator:","` // empty protects every method

	// Landing page; UseNewTokenLandingPage defaults to true when NewTokenLandingPage is set.
	NewTokenLandingPage    string `env:"NEW_TOKEN_LANDING_PAGE"`
	UseNewTokenLandingPage *bool  `env:"USE_NEW_TOKEN_LANDING_PAGE"`

	// Origin/Referer pre-check for protected requests
	EnforceOriginCheck bool   `env:"ENFORCE_ORIGIN_CHECK"`
	AllowedOrigin      string `env:"ALLOWED_ORIGIN"` // host[:port]; if empty, uses r.Host

	// AJAX detection
	Ajax            bool   `env:"AJAX"`
	AjaxHeader      string `env:"AJAX_HEADER" envDefault:"X-Requested-With"`
	AjaxHeaderValue string `env:"AJAX_HEADER_VALUE" envDefault:"XMLHttpRequest"`

	// Session side-table
	SessionKey         string        `env:"SESSION_KEY" envDefault:"OWASP_CSRFGUARD_KEY"`
	MaxSessions        int           `env:"MAX_SESSIONS" envDefault:"100000"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	MaxPageTokens      int           `env:"MAX_PAGE_TOKENS" envDefault:"256"`

	// Actions run in order on every rejection. At least one is required.
	Actions []ActionSpec `env:"ACTIONS" envSeparator:";"`

	// Collaborators; never read from the environment.
	Sessions SessionProvider `env:"-"` // default: CookieSessions
	Registry *Registry       `env:"-"` // default: NewRegistry()
	Logger   *slog.Logger    `env:"-"` // default: discards output
	Metrics  *Metrics        `env:"-"` // optional
}

// ConfigFromEnv reads a Config from CSRF_-prefixed environment variables,
// e.g. CSRF_ROTATE=true or CSRF_ACTIONS="log;error?Code=403".
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CSRF_"}); err != nil {
		return Config{}, configError(err)
	}
	return cfg, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withDefaults fills zero fields with defaults.
func (cfg Config) withDefaults() Config {
	if cfg.TokenName == "" {
		cfg.TokenName = DefaultTokenName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = DefaultSessionKey
	}
	if cfg.AjaxHeader == "" {
		cfg.AjaxHeader = DefaultAjaxHeader
	}
	if cfg.AjaxHeaderValue == "" {
		cfg.AjaxHeaderValue = DefaultAjaxHeaderValue
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxPageTokens <= 0 {
		cfg.MaxPageTokens = DefaultMaxPageTokens
	}
	if cfg.SessionIdleTimeout < 0 {
		cfg.SessionIdleTimeout = 0
	}
	if cfg.Sessions == nil {
		cfg.Sessions = &CookieSessions{}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	return cfg
}

// landingPage returns the landing page in effect, or "" when disabled.
func (cfg Config) landingPage() (string, error) {
	use := cfg.NewTokenLandingPage != ""
	if cfg.UseNewTokenLandingPage != nil {
		use = *cfg.UseNewTokenLandingPage
	}
	if !use {
		return "", nil
	}
	if cfg.NewTokenLandingPage == "" {
		return "", configError(fmt.Errorf("UseNewTokenLandingPage is set without NewTokenLandingPage"))
	}
	return cfg.NewTokenLandingPage, nil
}

// localPath returns the path of a same-site URI, or "" for an absolute URL to another host.
func localPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return ""
	}
	return cleanPath(u.Path)
}
