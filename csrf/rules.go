package csrf

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// Classification is the verdict of a PageRuleMatcher.
type Classification int

const (
	Unprotected Classification = iota
	Protected
)

func (c Classification) String() string {
	if c == Protected {
		return "protected"
	}
	return "unprotected"
}

// PageRule is one parsed protected or unprotected page entry.
//
// The textual form is "[METHOD[,METHOD...] ]PATTERN". PATTERN is an exact path,
// a path ending in "/*" (the path itself and everything below it), or "*" for
// every path. Methods, when given, restrict the rule to those verbs.
type PageRule struct {
	Pattern string
	Methods []string

	prefix   string
	wildcard bool
}

// ParseRule parses the textual form of a page rule.
func ParseRule(s string) (PageRule, error) {
	fields := strings.Fields(s)
	var rule PageRule
	switch len(fields) {
	case 1:
		rule.Pattern = fields[0]
	case 2:
		rule.Pattern = fields[1]
		for _, m := range strings.Split(fields[0], ",") {
			m = strings.ToUpper(strings.TrimSpace(m))
			if m == "" || strings.ContainsFunc(m, func(c rune) bool { return c < 'A' || c > 'Z' }) {
				return PageRule{}, fmt.Errorf("%w: bad method %q in %q", ErrInvalidRule, m, s)
			}
			rule.Methods = append(rule.Methods, m)
		}
	default:
		return PageRule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
	}

	p := rule.Pattern
	switch {
	case p == "*" || p == "/*":
		rule.wildcard = true
	case !strings.HasPrefix(p, "/"):
		return PageRule{}, fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRule, p)
	case strings.HasSuffix(p, "/*"):
		rule.wildcard = true
		rule.prefix = cleanPath(strings.TrimSuffix(p, "/*"))
		if rule.prefix == "/" {
			rule.prefix = ""
		}
	default:
		rule.prefix = cleanPath(p)
	}
	if strings.Contains(rule.prefix, "*") {
		return PageRule{}, fmt.Errorf("%w: only a single trailing wildcard is allowed in %q", ErrInvalidRule, p)
	}
	return rule, nil
}

func (r PageRule) matches(p string) bool {
	if !r.wildcard {
		return p == r.prefix
	}
	return r.prefix == "" || p == r.prefix || strings.HasPrefix(p, r.prefix+"/")
}

func (r PageRule) appliesTo(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// exactPath returns the path of a non-wildcard rule.
func (r PageRule) exactPath() (string, bool) {
	return r.prefix, !r.wildcard
}

// PageRuleMatcher classifies requests. Unprotected rules always win. A
// protected rule listing the request method protects it; otherwise a
// method-less protected match or the global default defers to the method set.
type PageRuleMatcher struct {
	protectAll  bool
	protected   []PageRule
	unprotected []PageRule
	methods     map[string]struct{}
}

// NewPageRuleMatcher parses the rule lists. An empty methods list protects every method.
func NewPageRuleMatcher(protectAll bool, protected, unprotected, methods []string) (*PageRuleMatcher, error) {
	m := &PageRuleMatcher{
		protectAll: protectAll,
		methods:    make(map[string]struct{}, len(methods)),
	}
	for _, s := range protected {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		m.protected = append(m.protected, r)
	}
	for _, s := range unprotected {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		m.unprotected = append(m.unprotected, r)
	}
	for _, meth := range methods {
		meth = strings.ToUpper(strings.TrimSpace(meth))
		if meth != "" {
			m.methods[meth] = struct{}{}
		}
	}
	return m, nil
}

// Classify returns the classification of a request path and method.
func (m *PageRuleMatcher) Classify(reqPath, method string) Classification {
	p := cleanPath(reqPath)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	for _, r := range m.unprotected {
		if r.matches(p) && r.appliesTo(method) {
			return Unprotected
		}
	}

	// protected rules only add protection: a rule naming the method protects
	// it, any other match falls back to the method set
	broad := m.protectAll
	for _, r := range m.protected {
		if !r.matches(p) {
			continue
		}
		if len(r.Methods) == 0 {
			broad = true
		} else if r.appliesTo(method) {
			return Protected
		}
	}
	if broad {
		return m.byMethod(method)
	}
	return Unprotected
}

func (m *PageRuleMatcher) byMethod(method string) Classification {
	if len(m.methods) == 0 {
		return Protected
	}
	if _, ok := m.methods[method]; ok {
		return Protected
	}
	return Unprotected
}

// exactProtectedPaths lists the protected rules that name a single page.
func (m *PageRuleMatcher) exactProtectedPaths() []string {
	var out []string
	for _, r := range m.protected {
		if p, ok := r.exactPath(); ok {
			out = append(out, p)
		}
	}
	return out
}

// cleanPath normalizes a request path or page URI so equivalent spellings
// share one rule match and one page token.
func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
