package csrf

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const sessionHeader = "X-Test-Session"

// headerSessions resolves the session from a test header.
func headerSessions() SessionProvider {
	return SessionProviderFunc(func(_ http.ResponseWriter, r *http.Request) (Session, error) {
		if id := r.Header.Get(sessionHeader); id != "" {
			return SessionID(id), nil
		}
		return nil, ErrNoSession
	})
}

// recorder is a custom action kind that remembers every rejection.
type recorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (rec *recorder) factory(name string, _ Params) (Action, error) {
	return ActionFunc{ActionName: name, Fn: func(ev *Event) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.reasons = append(rec.reasons, ev.Reason)
		return nil
	}}, nil
}

func (rec *recorder) get() []Reason {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Reason(nil), rec.reasons...)
}

// newTestProtector builds a Protector whose only action records rejections.
// Header-based sessions are used unless cfg sets a provider.
func newTestProtector(t *testing.T, cfg Config) (*Protector, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register("record", rec.factory)
	cfg.Registry = reg
	if len(cfg.Actions) == 0 {
		cfg.Actions = []ActionSpec{{Kind: "record"}}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = headerSessions()
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p, rec
}

func formRequest(method, target, session string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	return req
}

func tokenForm(p *Protector, tok string) url.Values {
	form := url.Values{}
	if tok != "" {
		form.Set(p.TokenName(), tok)
	}
	return form
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func getCookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
