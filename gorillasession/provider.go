// Package gorillasession resolves csrf sessions from a gorilla/sessions store.
package gorillasession

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/JeanGrijp/go-csrfguard/csrf"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// DefaultKey is the session value holding the csrf session identifier.
const DefaultKey = "csrfguard_id"

// Provider implements csrf.SessionProvider and csrf.SessionInvalidator on
// top of a gorilla/sessions store.
type Provider struct {
	Store sessions.Store
	Name  string // session (cookie) name
	Key   string // value key, DefaultKey when empty
}

// New returns a Provider for the named session of store.
func New(store sessions.Store, name string) *Provider {
	return &Provider{Store: store, Name: name, Key: DefaultKey}
}

func (p *Provider) key() string {
	if p.Key == "" {
		return DefaultKey
	}
	return p.Key
}

// Session returns the identifier kept in the host session. Safe requests
// without one get a fresh identifier saved into the session; unsafe ones get
// csrf.ErrNoSession.
func (p *Provider) Session(w http.ResponseWriter, r *http.Request) (csrf.Session, error) {
	s, err := p.Store.Get(r, p.Name)
	if err != nil && s == nil {
		return nil, fmt.Errorf("gorillasession: get %q: %w", p.Name, err)
	}
	// a session that failed to decode comes back empty and is replaced below
	if id, ok := s.Values[p.key()].(string); ok && id != "" {
		return csrf.SessionID(id), nil
	}
	if !csrf.IsSafeMethod(r.Method) {
		return nil, csrf.ErrNoSession
	}

	id := uuid.NewString()
	s.Values[p.key()] = id
	if err := s.Save(r, w); err != nil {
		return nil, fmt.Errorf("gorillasession: save %q: %w", p.Name, err)
	}
	return csrf.SessionID(id), nil
}

// Invalidate expires the host session.
func (p *Provider) Invalidate(w http.ResponseWriter, r *http.Request) error {
	s, err := p.Store.Get(r, p.Name)
	if s == nil {
		return errors.Join(errors.New("gorillasession: no session to invalidate"), err)
	}
	delete(s.Values, p.key())
	s.Options.MaxAge = -1
	return s.Save(r, w)
}
