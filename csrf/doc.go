// Package csrf provides synchronizer-token CSRF protection for Go net/http
// servers.
//
// How it works
//   - Every host session gets an unguessable master token, created lazily and
//     kept server side in a bounded side-table keyed by session identity.
//     With TokenPerPage, each page URI additionally gets its own token.
//   - Each request is classified by the page rules: unprotected rules win; a
//     protected rule naming the method protects it; any other protected match
//     or the global Protect flag defers to ProtectedMethods (empty means every
//     method). Protected rules never narrow protection.
//   - Protected requests must present the expected token in the TokenName form
//     field or query parameter, or in HeaderName for AJAX requests when Ajax is
//     enabled. Comparison is done in constant time.
//   - Rejections run the configured actions in order (log, error, redirect,
//     empty, rotate, invalidate, metrics, or custom kinds from a Registry).
//   - With Rotate, an accepted token is replaced atomically so it cannot be
//     replayed; only the scope that was validated (master or page) rotates.
//
// # Configuration
//
// All behavior is driven by Config, either built in code or read with
// ConfigFromEnv from CSRF_-prefixed variables. Key fields include:
//   - TokenName (default: "OWASP_CSRFGUARD"), HeaderName (default: "X-CSRF-Token")
//   - TokenLength (default: 32 characters)
//   - Protect, ProtectedPages, UnprotectedPages, ProtectedMethods
//   - Rotate, TokenPerPage, TokenPerPagePrecreate, PrecreatePages
//   - NewTokenLandingPage, UseNewTokenLandingPage
//   - EnforceOriginCheck and AllowedOrigin (empty means use the request host)
//   - Actions (at least one is required)
//
// Typical usage
//
//	p, err := csrf.New(csrf.Config{
//	    Protect:          true,
//	    ProtectedMethods: []string{"POST", "PUT", "PATCH", "DELETE"},
//	    UnprotectedPages: []string{"/health", "/login"},
//	    Actions: []csrf.ActionSpec{
//	        {Kind: "log"},
//	        {Kind: "error", Params: csrf.Params{"Code": "403"}},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", p.Protect(appMux))
//
// In handlers, read the token from context to render it:
//
//	if tok, ok := csrf.TokenFromContext(r.Context()); ok {
//	    // <input type="hidden" name="OWASP_CSRFGUARD" value="{{tok}}">
//	}
//
// or ask for the token bound to the page a form posts to:
//
//	tok, err := p.TokenForPage(w, r, "/transfer")
//
// For SPAs, expose a small endpoint that returns the current token:
//
//	mux.Handle("/csrf-token", p.TokenHandler())
package csrf
