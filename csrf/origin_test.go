package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// When EnforceOriginCheck is true, Origin/Referer must match same-site policy.
func TestOriginCheck(t *testing.T) {
	p, rec := newTestProtector(t, Config{Protect: true, EnforceOriginCheck: true})
	tok, err := p.Store().MasterToken(SessionID("s1"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		origin  string
		referer string
		want    Outcome
	}{
		{name: "same origin", origin: "https://example.com", want: Accepted},
		{name: "cross origin", origin: "https://evil.com", want: Rejected},
		{name: "same site referer", referer: "https://example.com/page", want: Accepted},
		{name: "cross site referer", referer: "https://evil.com/page", want: Rejected},
		{name: "origin wins over referer", origin: "https://evil.com", referer: "https://example.com/page", want: Rejected},
		{name: "neither header", want: Rejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := formRequest(http.MethodPost, "http://example.com/transfer", "s1", tokenForm(p, tok))
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			res := p.Validate(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.want == Rejected {
				assert.Equal(t, ReasonOrigin, res.Reason)
			}
		})
	}
	assert.Equal(t, []Reason{ReasonOrigin, ReasonOrigin, ReasonOrigin, ReasonOrigin}, rec.get())
}

func TestOriginCheckAllowedOrigin(t *testing.T) {
	p, _ := newTestProtector(t, Config{
		Protect:            true,
		ProtectedMethods:   []string{http.MethodPost},
		EnforceOriginCheck: true,
		AllowedOrigin:      "app.example.com",
	})
	tok, err := p.Store().MasterToken(SessionID("s1"))
	require.NoError(t, err)

	req := formRequest(http.MethodPost, "http://internal:8080/transfer", "s1", tokenForm(p, tok))
	req.Header.Set("Origin", "https://app.example.com")
	assert.Equal(t, Accepted, p.Validate(httptest.NewRecorder(), req).Outcome)

	req = formRequest(http.MethodPost, "http://internal:8080/transfer", "s1", tokenForm(p, tok))
	req.Header.Set("Origin", "http://internal:8080")
	assert.Equal(t, ReasonOrigin, p.Validate(httptest.NewRecorder(), req).Reason)

	// safe methods without headers still pass
	get := formRequest(http.MethodGet, "http://internal:8080/", "s1", nil)
	assert.Equal(t, Bypassed, p.Validate(httptest.NewRecorder(), get).Outcome)
}

func TestSameSite(t *testing.T) {
	assert.True(t, sameSite("https://Example.com", "example.com"))
	assert.True(t, sameSite("http://example.com:8080/x", "example.com:8080"))
	assert.False(t, sameSite("https://example.com:8443", "example.com"))
	assert.False(t, sameSite("null", "example.com"))
	assert.False(t, sameSite("%zz", "example.com"))
}
