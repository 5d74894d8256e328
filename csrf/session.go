package csrf

import (
	"net/http"

	"github.com/google/uuid"
)

// Methods that never change state. Hosts may create a session on these.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// IsSafeMethod reports whether method is GET, HEAD, OPTIONS or TRACE.
func IsSafeMethod(method string) bool {
	return safeMethods[method]
}

// Session is the host-owned session handle. The Protector only reads its identity.
type Session interface {
	ID() string
}

// SessionID is a Session backed by a plain identifier.
type SessionID string

func (s SessionID) ID() string { return string(s) }

// SessionProvider resolves the host session of a request. It returns
// ErrNoSession when the request has none and the host will not create one.
type SessionProvider interface {
	Session(w http.ResponseWriter, r *http.Request) (Session, error)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(w http.ResponseWriter, r *http.Request) (Session, error)

func (f SessionProviderFunc) Session(w http.ResponseWriter, r *http.Request) (Session, error) {
	return f(w, r)
}

// SessionInvalidator is implemented by providers that can end a host session.
type SessionInvalidator interface {
	Invalidate(w http.ResponseWriter, r *http.Request) error
}

// CookieSessions is a minimal SessionProvider for hosts without a session
// layer. It issues a random identifier cookie on safe requests and reports
// ErrNoSession for state-changing requests that arrive without one.
type CookieSessions struct {
	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieMaxAge   int // in seconds, 0 for a browser-session cookie
	// AllowScriptAccess clears HttpOnly on the cookie.
	AllowScriptAccess bool
}

// DefaultSessionCookie is the cookie name used when CookieName is empty.
const DefaultSessionCookie = "csrfguard_session"

// Session implements SessionProvider.
//
// Params:
// - w: response writer used to set the cookie when a session is created.
// - r: incoming request to read the cookie from.
//
// Returns:
// - the session, or ErrNoSession for an unsafe request without a valid cookie.
func (c *CookieSessions) Session(w http.ResponseWriter, r *http.Request) (Session, error) {
	if ck, err := r.Cookie(c.name()); err == nil {
		if _, err := uuid.Parse(ck.Value); err == nil {
			return SessionID(ck.Value), nil
		}
	}
	if !IsSafeMethod(r.Method) {
		return nil, ErrNoSession
	}

	id := uuid.NewString()
	http.SetCookie(w, c.cookie(id, c.CookieMaxAge))
	return SessionID(id), nil
}

// Invalidate expires the session cookie.
func (c *CookieSessions) Invalidate(w http.ResponseWriter, _ *http.Request) error {
	http.SetCookie(w, c.cookie("", -1))
	return nil
}

func (c *CookieSessions) name() string {
	if c.CookieName == "" {
		return DefaultSessionCookie
	}
	return c.CookieName
}

func (c *CookieSessions) cookie(value string, maxAge int) *http.Cookie {
	path := c.CookiePath
	if path == "" {
		path = "/"
	}
	sameSite := c.CookieSameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     c.name(),
		Value:    value,
		Path:     path,
		Domain:   c.CookieDomain,
		MaxAge:   maxAge,
		SameSite: sameSite,
		Secure:   c.CookieSecure,
		HttpOnly: !c.AllowScriptAccess,
	}
}
