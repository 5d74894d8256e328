package csrf

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// validateOriginOrReferer checks whether the request is same-site according to
// the allowed host. It prefers the Origin header; if empty, it falls back to Referer.
//
// Params:
//   - r: the incoming request containing Origin/Referer headers.
//   - allowed: host[:port] to accept; empty means r.Host.
//
// Returns:
//   - nil when same-site, or an error describing the failure.
func validateOriginOrReferer(r *http.Request, allowed string) error {
	host := allowed
	if host == "" {
		host = r.Host
	}

	origin := r.Header.Get("Origin")
	ref := r.Header.Get("Referer")

	if origin == "" && ref == "" {
		return errors.New("no origin/referer")
	}
	if origin != "" && !sameSite(origin, host) {
		return errors.New("bad origin")
	}
	if origin == "" && !sameSite(ref, host) {
		return errors.New("bad referer")
	}
	return nil
}

// sameSite compares only the host (port included) of originOrRef with allowedHost.
func sameSite(originOrRef, allowedHost string) bool {
	u, err := url.Parse(originOrRef)
	if err != nil {
		return false
	}
	return u.Host != "" && strings.EqualFold(u.Host, allowedHost)
}
