package csrf

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Dispatcher runs the configured actions, in order, for every rejection.
type Dispatcher struct {
	actions []Action
	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher returns a dispatcher over actions. It refuses an empty list:
// a failed validation must always have a consequence.
func NewDispatcher(actions []Action, logger *slog.Logger, metrics *Metrics) (*Dispatcher, error) {
	if len(actions) == 0 {
		return nil, configError(ErrNoActions)
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Dispatcher{actions: actions, logger: logger, metrics: metrics}, nil
}

// Actions returns the names of the configured actions in dispatch order.
func (d *Dispatcher) Actions() []string {
	names := make([]string, len(d.actions))
	for i, a := range d.actions {
		names[i] = a.Name()
	}
	return names
}

// Dispatch runs every action. A failing action is logged and the next one
// still runs; an action returning an error wrapping ErrHalt stops the chain
// and that error is returned.
func (d *Dispatcher) Dispatch(ev *Event) error {
	for _, a := range d.actions {
		err := d.run(a, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalt) {
			d.logger.Debug("csrf action halted dispatch",
				slog.String("action", a.Name()),
				slog.String("event_id", ev.ID.String()),
			)
			return err
		}
		d.metrics.actionError(a.Name())
		d.logger.Error("csrf action failed",
			slog.String("action", a.Name()),
			slog.String("event_id", ev.ID.String()),
			slog.Any("error", err),
		)
	}
	return nil
}

// run executes a, turning a panic into an error. http.ErrAbortHandler is
// re-raised so an action can still abort the response.
func (d *Dispatcher) run(a Action, ev *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = fmt.Errorf("csrf: action %q panicked: %v", a.Name(), rec)
		}
	}()
	return a.Execute(ev)
}
