package csrf

import "context"

type ctxKey string

const stateKey ctxKey = "csrf_state_ctx"

type requestState struct {
	session Session
	token   func() (string, error) // nil without a session
}

// contextWithState returns a derived context carrying the session and the
// function issuing its master token.
func contextWithState(ctx context.Context, sess Session, token func() (string, error)) context.Context {
	return context.WithValue(ctx, stateKey, requestState{session: sess, token: token})
}

func stateFromContext(ctx context.Context) (requestState, bool) {
	st, ok := ctx.Value(stateKey).(requestState)
	return st, ok
}

// TokenFromContext returns the master token of the session Protect stored in
// ctx. The token is created on first use, so requests that never render one
// keep no token state.
//
// Params:
// - ctx: context potentially containing a token set by the middleware.
//
// Returns:
// - token (string) and a boolean indicating whether a token was found.
func TokenFromContext(ctx context.Context) (string, bool) {
	st, ok := stateFromContext(ctx)
	if !ok || st.token == nil {
		return "", false
	}
	tok, err := st.token()
	if err != nil || tok == "" {
		return "", false
	}
	return tok, true
}

// SessionFromContext returns the session resolved by Protect.
func SessionFromContext(ctx context.Context) (Session, bool) {
	st, ok := stateFromContext(ctx)
	if !ok || st.session == nil {
		return nil, false
	}
	return st.session, true
}
