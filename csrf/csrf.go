package csrf

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Outcome is the terminal state of one validation.
type Outcome int

const (
	Bypassed Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "bypassed"
	}
}

// Reason explains a Rejected outcome.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonMissing   Reason = "missing"
	ReasonMismatch  Reason = "mismatch"
	ReasonNoSession Reason = "no-session"
	ReasonOrigin    Reason = "origin"
)

// Result is what Validate decided for a request.
type Result struct {
	Outcome Outcome
	Reason  Reason
	// Redirect is the landing page the client must be sent to instead of
	// running the handler. Actions are not dispatched for such rejections.
	Redirect string
	// Session is the resolved host session, nil when there is none.
	Session Session
}

// Protector validates requests against session-bound synchronizer tokens.
// It is safe for concurrent use.
type Protector struct {
	cfg        Config
	rules      *PageRuleMatcher
	store      *TokenStore
	dispatcher *Dispatcher
	sessions   SessionProvider
	logger     *slog.Logger
	metrics    *Metrics
	landing    string
	precreate  []string
}

// New validates cfg and builds a Protector. Every returned error wraps ErrInvalidConfig.
func New(cfg Config) (*Protector, error) {
	cfg = cfg.withDefaults()

	gen, err := NewTokenGenerator(cfg.TokenLength)
	if err != nil {
		return nil, err
	}

	landing, err := cfg.landingPage()
	if err != nil {
		return nil, err
	}
	unprotected := cfg.UnprotectedPages
	if p := localPath(landing); p != "" {
		// the landing page must stay reachable or the redirect would loop
		unprotected = append(append([]string(nil), unprotected...), p)
	}
	rules, err := NewPageRuleMatcher(cfg.Protect, cfg.ProtectedPages, unprotected, cfg.ProtectedMethods)
	if err != nil {
		return nil, configError(err)
	}

	if !cfg.Protect && len(cfg.ProtectedPages) == 0 {
		cfg.Logger.Warn("csrf protection covers no page; set Protect or ProtectedPages")
	}

	actions, err := cfg.Registry.Build(cfg.Actions)
	if err != nil {
		return nil, configError(err)
	}
	dispatcher, err := NewDispatcher(actions, cfg.Logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	store := NewTokenStore(gen, StoreOptions{
		PerPage:       cfg.TokenPerPage,
		MaxPageTokens: cfg.MaxPageTokens,
		MaxSessions:   cfg.MaxSessions,
		IdleTimeout:   cfg.SessionIdleTimeout,
		Namespace:     cfg.SessionKey,
		Metrics:       cfg.Metrics,
	})

	p := &Protector{
		cfg:        cfg,
		rules:      rules,
		store:      store,
		dispatcher: dispatcher,
		sessions:   cfg.Sessions,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		landing:    landing,
	}
	if cfg.TokenPerPage && cfg.TokenPerPagePrecreate {
		p.precreate = cfg.PrecreatePages
		if len(p.precreate) == 0 {
			p.precreate = rules.exactProtectedPaths()
		}
	}
	return p, nil
}

// MustNew is like New but panics on error.
func MustNew(cfg Config) *Protector {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate classifies r, checks its token and, on rejection, dispatches the
// configured actions (which may write to w). It never returns the expected
// token and never fails for missing or wrong tokens; those are Reasons.
func (p *Protector) Validate(w http.ResponseWriter, r *http.Request) Result {
	sess, err := p.sessions.Session(w, r)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			p.logger.Warn("csrf session lookup failed", slog.Any("error", err))
		}
		sess = nil
	}

	// only protected requests allocate token state
	if p.rules.Classify(r.URL.Path, r.Method) == Unprotected {
		return p.finish(r, Result{Outcome: Bypassed, Session: sess})
	}
	if p.cfg.EnforceOriginCheck {
		if err := validateOriginOrReferer(r, p.cfg.AllowedOrigin); err != nil {
			p.logger.Debug("csrf origin check failed", slog.Any("error", err))
			return p.reject(w, r, sess, ReasonOrigin, false)
		}
	}
	if sess == nil {
		return p.reject(w, r, nil, ReasonNoSession, true)
	}

	fresh, err := p.store.prepare(sess, p.precreate)
	if err != nil {
		p.logger.Error("csrf token generation failed", slog.Any("error", err))
	}

	presented := extractClientToken(r, p.cfg.HeaderName, p.cfg.TokenName, p.isAjax(r))
	if presented == "" {
		return p.reject(w, r, sess, ReasonMissing, fresh)
	}

	v, err := p.store.Verify(sess, r.URL.Path, presented, p.cfg.Rotate)
	if err != nil && !errors.Is(err, ErrNoToken) {
		p.logger.Error("csrf token rotation failed", slog.Any("error", err))
	}
	if err != nil || !v.matched {
		return p.reject(w, r, sess, ReasonMismatch, fresh)
	}
	return p.finish(r, Result{Outcome: Accepted, Session: sess})
}

// reject builds a Rejected result. When a landing page is configured and the
// session is missing or has just received its first token, the client is sent
// to the landing page instead of being handed to the actions.
func (p *Protector) reject(w http.ResponseWriter, r *http.Request, sess Session, reason Reason, fresh bool) Result {
	res := Result{Outcome: Rejected, Reason: reason, Session: sess}
	if p.landing != "" && fresh {
		res.Redirect = p.landing
		return p.finish(r, res)
	}

	ev := &Event{
		ID:        uuid.New(),
		Reason:    reason,
		Session:   sess,
		Request:   r,
		Writer:    w,
		Protector: p,
	}
	p.logger.Warn("csrf validation failed",
		slog.String("event_id", ev.ID.String()),
		slog.String("reason", string(reason)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	_ = p.dispatcher.Dispatch(ev)
	return p.finish(r, res)
}

func (p *Protector) finish(r *http.Request, res Result) Result {
	p.metrics.validation(res)
	if res.Outcome != Rejected {
		p.logger.Debug("csrf validation",
			slog.String("outcome", res.Outcome.String()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	} else if res.Redirect != "" {
		p.logger.Debug("csrf redirect to landing page",
			slog.String("reason", string(res.Reason)),
			slog.String("landing_page", res.Redirect),
		)
	}
	return res
}

func (p *Protector) isAjax(r *http.Request) bool {
	return p.cfg.Ajax && isAjax(r, p.cfg.AjaxHeader, p.cfg.AjaxHeaderValue)
}

// Protect wraps next and enforces CSRF protection.
//
// Behavior:
//   - Bypassed and Accepted requests reach next with the session in the
//     request context; TokenFromContext issues its master token on demand.
//   - Results carrying a landing page are answered with 303 See Other.
//   - Other Rejected requests never reach next; the configured actions have
//     already shaped the response.
//
// Params:
// - next: downstream handler to be executed after CSRF checks pass.
//
// Returns:
// - An http.Handler that performs the CSRF logic before delegating to next.
func (p *Protector) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := p.Validate(w, r)
		if res.Redirect != "" {
			http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
			return
		}
		if res.Outcome == Rejected {
			return
		}

		var token func() (string, error)
		if sess := res.Session; sess != nil {
			token = func() (string, error) { return p.masterToken(sess) }
		}
		next.ServeHTTP(w, r.WithContext(contextWithState(r.Context(), res.Session, token)))
	})
}

// TokenName returns the form field / query parameter carrying the token.
func (p *Protector) TokenName() string { return p.cfg.TokenName }

// HeaderName returns the header carrying the token on AJAX requests.
func (p *Protector) HeaderName() string { return p.cfg.HeaderName }

// session returns the session stored by Protect, or resolves it from the provider.
func (p *Protector) session(w http.ResponseWriter, r *http.Request) (Session, error) {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return sess, nil
	}
	return p.sessions.Session(w, r)
}

// Token returns the master token of the request's session, creating it if needed.
func (p *Protector) Token(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, err := p.session(w, r)
	if err != nil {
		return "", err
	}
	return p.masterToken(sess)
}

// masterToken returns the master token of sess, creating it and the
// precreated page tokens when the session has none yet.
func (p *Protector) masterToken(sess Session) (string, error) {
	if _, err := p.store.prepare(sess, p.precreate); err != nil {
		return "", err
	}
	return p.store.MasterToken(sess)
}

// TokenForPage returns the token a form posting to uri must carry, creating it
// if needed. Without per-page tokens it is the master token.
func (p *Protector) TokenForPage(w http.ResponseWriter, r *http.Request, uri string) (string, error) {
	sess, err := p.session(w, r)
	if err != nil {
		return "", err
	}
	if _, err := p.store.prepare(sess, p.precreate); err != nil {
		return "", err
	}
	return p.store.PageToken(sess, uri)
}

// CurrentToken returns the master token of sess without creating one.
func (p *Protector) CurrentToken(sess Session) (string, error) {
	return p.store.CurrentToken(sess)
}

// CurrentTokenForPage returns the token of uri for sess without creating one.
func (p *Protector) CurrentTokenForPage(sess Session, uri string) (string, error) {
	return p.store.CurrentPageToken(sess, uri)
}

// TokenPair returns "name=value" for a URL parameter, using the page token of
// uri when uri is non-empty. It returns "" when no token exists yet.
func (p *Protector) TokenPair(sess Session, uri string) string {
	var (
		tok string
		err error
	)
	if uri == "" {
		tok, err = p.CurrentToken(sess)
	} else {
		tok, err = p.CurrentTokenForPage(sess, uri)
	}
	if err != nil {
		return ""
	}
	return url.QueryEscape(p.cfg.TokenName) + "=" + url.QueryEscape(tok)
}

// Precreate issues the configured per-page tokens for sess. Hosts may call it
// when a session is created; token issuance and protected validation do it too.
func (p *Protector) Precreate(sess Session) error {
	return p.store.PrecreatePages(sess, p.precreate)
}

// Rotate replaces the master token of sess.
func (p *Protector) Rotate(sess Session) (string, error) {
	return p.store.Rotate(sess)
}

// Release drops the token state of sess. Hosts call it when a session ends.
func (p *Protector) Release(sess Session) {
	p.store.Release(sess)
}

// Store exposes the token store for callers that manage tokens directly.
func (p *Protector) Store() *TokenStore { return p.store }

// TokenHandler returns an HTTP handler that writes the current CSRF token.
// This is useful for SPAs to fetch the token and attach it to subsequent requests.
//
// Returns:
// - http.Handler that responds with the token in the response body (text/plain).
func (p *Protector) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok, ok := TokenFromContext(r.Context()); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Write([]byte(tok))
			return
		}
		http.Error(w, "no token", http.StatusInternalServerError)
	})
}
