package csrf

import "errors"

var (
	// ErrInvalidConfig marks every error returned by New. Startup must not continue.
	ErrInvalidConfig = errors.New("csrf: invalid configuration")
	// ErrNoRandomness is returned when the secure random source cannot be read.
	ErrNoRandomness = errors.New("csrf: secure random source unavailable")
	// ErrNoActions is returned when no action is configured.
	ErrNoActions = errors.New("csrf: at least one action must be configured")
	// ErrUnknownAction is returned for an action kind missing from the registry.
	ErrUnknownAction = errors.New("csrf: unknown action kind")
	// ErrInvalidRule is returned for a malformed page rule.
	ErrInvalidRule = errors.New("csrf: invalid page rule")
	// ErrInvalidParam is returned when an action parameter cannot be parsed.
	ErrInvalidParam = errors.New("csrf: invalid action parameter")

	// ErrNoSession is returned when the request has no usable host session.
	ErrNoSession = errors.New("csrf: no session")
	// ErrNoToken is returned by read-only accessors when nothing was issued yet.
	ErrNoToken = errors.New("csrf: no token issued")

	// ErrHalt is returned (wrapped) by an action to stop the remaining actions.
	ErrHalt = errors.New("csrf: dispatch halted")
)

// Halt wraps err so the dispatcher stops after the current action.
// A nil err yields ErrHalt itself.
func Halt(err error) error {
	if err == nil {
		return ErrHalt
	}
	return errors.Join(ErrHalt, err)
}

func configError(errs ...error) error {
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}
