package csrf

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Event describes one rejected request handed to every configured action.
type Event struct {
	ID     uuid.UUID
	Reason Reason
	// Session is nil when the rejection reason is ReasonNoSession.
	Session   Session
	Request   *http.Request
	Writer    http.ResponseWriter
	Protector *Protector
}

// Action is a configured consequence of a failed validation.
type Action interface {
	Name() string
	Execute(ev *Event) error
}

// ActionFunc adapts a function to Action.
type ActionFunc struct {
	ActionName string
	Fn         func(ev *Event) error
}

func (a ActionFunc) Name() string { return a.ActionName }

func (a ActionFunc) Execute(ev *Event) error { return a.Fn(ev) }

// ActionFactory builds an action from its configured name and parameters.
// Parameter errors are reported at startup.
type ActionFactory func(name string, params Params) (Action, error)

// Params holds the configured parameters of one action.
type Params map[string]string

// String returns the value of key, or def when unset.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key, or def when unset.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParam, key, v, err)
	}
	return n, nil
}

// Bool returns the boolean value of key, or def when unset.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParam, key, v, err)
	}
	return b, nil
}

// ActionSpec names an action kind from the Registry, the instance name, and
// its parameters. Its text form is "kind[:name][?param=value&...]".
type ActionSpec struct {
	Kind   string
	Name   string
	Params Params
}

// UnmarshalText parses the text form of an action spec.
func (s *ActionSpec) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	head, query, _ := strings.Cut(raw, "?")
	kind, name, _ := strings.Cut(head, ":")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("%w: empty action kind in %q", ErrInvalidParam, raw)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidParam, raw, err)
	}
	s.Kind = kind
	s.Name = strings.TrimSpace(name)
	s.Params = make(Params, len(values))
	for k, v := range values {
		s.Params[k] = v[len(v)-1]
	}
	return nil
}

// MarshalText renders the spec in its text form.
func (s ActionSpec) MarshalText() ([]byte, error) {
	var b strings.Builder
	b.WriteString(s.Kind)
	if s.Name != "" && s.Name != s.Kind {
		b.WriteString(":")
		b.WriteString(s.Name)
	}
	if len(s.Params) > 0 {
		values := url.Values{}
		for k, v := range s.Params {
			values.Set(k, v)
		}
		b.WriteString("?")
		b.WriteString(values.Encode())
	}
	return []byte(b.String()), nil
}

// Registry maps action kinds to factories. Register custom kinds before
// passing the registry to New.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ActionFactory
}

// NewRegistry returns a registry holding the built-in actions:
// log, error, redirect, empty, rotate, invalidate and metrics.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]ActionFactory)}
	r.Register("log", newLogAction)
	r.Register("error", newErrorAction)
	r.Register("redirect", newRedirectAction)
	r.Register("empty", newEmptyAction)
	r.Register("rotate", newRotateAction)
	r.Register("invalidate", newInvalidateAction)
	r.Register("metrics", newMetricsAction)
	return r
}

// Register adds or replaces the factory of kind.
func (r *Registry) Register(kind string, f ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build instantiates the actions of specs in order.
func (r *Registry) Build(specs []ActionSpec) ([]Action, error) {
	actions := make([]Action, 0, len(specs))
	for _, spec := range specs {
		r.mu.RLock()
		f, ok := r.factories[strings.ToLower(spec.Kind)]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, spec.Kind)
		}
		name := spec.Name
		if name == "" {
			name = spec.Kind
		}
		a, err := f(name, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
