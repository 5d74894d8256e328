package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MinTokenLength is the shortest token New accepts (96 bits of entropy).
const MinTokenLength = 16

// randReader is the entropy source used by new generators.
var randReader io.Reader = rand.Reader

// TokenGenerator produces random base64url tokens (no padding) of a fixed
// number of characters. Each character carries 6 bits of entropy.
type TokenGenerator struct {
	length int
	src    io.Reader
}

// NewTokenGenerator returns a generator for tokens of length characters.
// It reads the random source once so an unusable source fails at startup
// instead of on the first request.
func NewTokenGenerator(length int) (*TokenGenerator, error) {
	if length < MinTokenLength {
		return nil, configError(fmt.Errorf("token length %d is below the minimum of %d", length, MinTokenLength))
	}
	g := &TokenGenerator{length: length, src: randReader}
	if _, err := g.Generate(); err != nil {
		return nil, configError(err)
	}
	return g, nil
}

// Length returns the number of characters of each generated token.
func (g *TokenGenerator) Length() int {
	return g.length
}

// Generate returns a fresh token.
func (g *TokenGenerator) Generate() (string, error) {
	b := make([]byte, (g.length*6+7)/8)
	if _, err := io.ReadFull(g.src, b); err != nil {
		return "", errors.Join(ErrNoRandomness, err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:g.length], nil
}

// tokensEqual compares in constant time for equal-length inputs.
func tokensEqual(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// isAjax reports whether r carries the configured asynchronous-request signal.
func isAjax(r *http.Request, header, value string) bool {
	return strings.EqualFold(r.Header.Get(header), value)
}

// extractClientToken reads the presented token. AJAX requests use the header
// carrier; everything else uses the named form field or query parameter.
// Multipart bodies are not parsed, so multipart forms must carry the token in
// the query string.
func extractClientToken(r *http.Request, headerName, fieldName string, ajax bool) string {
	if ajax {
		return strings.TrimSpace(r.Header.Get(headerName))
	}
	_ = r.ParseForm()
	return strings.TrimSpace(r.Form.Get(fieldName))
}
