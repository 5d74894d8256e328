package gorillasession

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/JeanGrijp/go-csrfguard/csrf"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionName = "app"

func newProvider() *Provider {
	return New(sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")), sessionName)
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionName {
			return c
		}
	}
	t.Fatalf("no %q cookie set", sessionName)
	return nil
}

func TestProviderCreatesOnSafeRequest(t *testing.T) {
	p := newProvider()

	w := httptest.NewRecorder()
	sess, err := p.Session(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(sessionCookie(t, w))
	again, err := p.Session(httptest.NewRecorder(), req)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), again.ID())
}

func TestProviderUnsafeWithoutSession(t *testing.T) {
	p := newProvider()
	_, err := p.Session(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	assert.ErrorIs(t, err, csrf.ErrNoSession)
}

func TestProviderInvalidate(t *testing.T) {
	p := newProvider()
	w := httptest.NewRecorder()
	_, err := p.Session(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(sessionCookie(t, w))
	w = httptest.NewRecorder()
	require.NoError(t, p.Invalidate(w, req))
	assert.Equal(t, -1, sessionCookie(t, w).MaxAge)
}

func TestProviderWithProtector(t *testing.T) {
	p := newProvider()
	guard, err := csrf.New(csrf.Config{
		Protect:          true,
		ProtectedMethods: []string{http.MethodPost},
		Sessions:         p,
		Actions:          []csrf.ActionSpec{{Kind: "invalidate"}, {Kind: "error"}},
	})
	require.NoError(t, err)

	var tok string
	h := guard.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, _ = csrf.TokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/form", nil))
	require.NotEmpty(t, tok)
	ck := sessionCookie(t, w)

	submit := func(value string) *httptest.ResponseRecorder {
		form := url.Values{guard.TokenName(): {value}}
		req := httptest.NewRequest(http.MethodPost, "/transfer", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(ck)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, submit(tok).Code)

	w = submit("forged")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, -1, sessionCookie(t, w).MaxAge)
}
