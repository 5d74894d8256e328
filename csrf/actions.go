package csrf

import (
	"fmt"
	"log/slog"
	"net/http"
)

type logAction struct {
	name  string
	level slog.Level
}

func newLogAction(name string, params Params) (Action, error) {
	a := &logAction{name: name, level: slog.LevelWarn}
	if v := params.String("Level", ""); v != "" {
		if err := a.level.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("%w: Level=%q", ErrInvalidParam, v)
		}
	}
	return a, nil
}

func (a *logAction) Name() string { return a.name }

func (a *logAction) Execute(ev *Event) error {
	r := ev.Request
	ev.Protector.logger.LogAttrs(r.Context(), a.level, "potential cross-site request forgery attack",
		slog.String("event_id", ev.ID.String()),
		slog.String("reason", string(ev.Reason)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
		slog.Bool("session", ev.Session != nil),
	)
	return nil
}

type errorAction struct {
	name    string
	code    int
	message string
	halt    bool
}

func newErrorAction(name string, params Params) (Action, error) {
	code, err := params.Int("Code", http.StatusForbidden)
	if err != nil {
		return nil, err
	}
	if code < 400 || code > 599 {
		return nil, fmt.Errorf("%w: Code=%d is not an error status", ErrInvalidParam, code)
	}
	halt, err := params.Bool("Halt", false)
	if err != nil {
		return nil, err
	}
	return &errorAction{
		name:    name,
		code:    code,
		message: params.String("Message", "CSRF validation failed"),
		halt:    halt,
	}, nil
}

func (a *errorAction) Name() string { return a.name }

func (a *errorAction) Execute(ev *Event) error {
	http.Error(ev.Writer, a.message, a.code)
	if a.halt {
		return ErrHalt
	}
	return nil
}

type redirectAction struct {
	name string
	page string
	code int
}

func newRedirectAction(name string, params Params) (Action, error) {
	page := params.String("Page", "")
	if page == "" {
		return nil, fmt.Errorf("%w: Page is required", ErrInvalidParam)
	}
	code, err := params.Int("Code", http.StatusSeeOther)
	if err != nil {
		return nil, err
	}
	if code < 300 || code > 399 {
		return nil, fmt.Errorf("%w: Code=%d is not a redirect status", ErrInvalidParam, code)
	}
	return &redirectAction{name: name, page: page, code: code}, nil
}

func (a *redirectAction) Name() string { return a.name }

func (a *redirectAction) Execute(ev *Event) error {
	http.Redirect(ev.Writer, ev.Request, a.page, a.code)
	return nil
}

// emptyAction answers with an empty 200 so the client learns nothing.
type emptyAction struct{ name string }

func newEmptyAction(name string, _ Params) (Action, error) {
	return &emptyAction{name: name}, nil
}

func (a *emptyAction) Name() string { return a.name }

func (a *emptyAction) Execute(ev *Event) error {
	ev.Writer.WriteHeader(http.StatusOK)
	return nil
}

// rotateAction replaces every token of the session after a failed attempt.
type rotateAction struct{ name string }

func newRotateAction(name string, _ Params) (Action, error) {
	return &rotateAction{name: name}, nil
}

func (a *rotateAction) Name() string { return a.name }

func (a *rotateAction) Execute(ev *Event) error {
	if ev.Session == nil {
		return nil
	}
	return ev.Protector.store.RotateAll(ev.Session)
}

// invalidateAction drops the token state and ends the host session when the
// provider supports it.
type invalidateAction struct{ name string }

func newInvalidateAction(name string, _ Params) (Action, error) {
	return &invalidateAction{name: name}, nil
}

func (a *invalidateAction) Name() string { return a.name }

func (a *invalidateAction) Execute(ev *Event) error {
	if ev.Session == nil {
		return nil
	}
	ev.Protector.Release(ev.Session)
	if inv, ok := ev.Protector.sessions.(SessionInvalidator); ok {
		return inv.Invalidate(ev.Writer, ev.Request)
	}
	return nil
}

// metricsAction counts rejections by reason. It records nothing when the
// Protector has no Metrics.
type metricsAction struct{ name string }

func newMetricsAction(name string, _ Params) (Action, error) {
	return &metricsAction{name: name}, nil
}

func (a *metricsAction) Name() string { return a.name }

func (a *metricsAction) Execute(ev *Event) error {
	ev.Protector.metrics.rejection(ev.Reason)
	return nil
}
