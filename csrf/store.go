package csrf

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	lockShards = 64

	DefaultMaxSessions        = 100_000
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxPageTokens      = 256
)

const (
	scopeMaster = "master"
	scopePage   = "page"
)

// tokenState is everything the store keeps for one session. master and pages
// are guarded by mu; mu is never held while acquiring a shard lock.
type tokenState struct {
	mu     sync.Mutex
	master string
	pages  *simplelru.LRU[string, string]

	touched atomic.Int64 // unix nanos of the last lookup
}

func (st *tokenState) touch() { st.touched.Store(time.Now().UnixNano()) }

// StoreOptions configures a TokenStore.
type StoreOptions struct {
	// PerPage enables page-scoped tokens.
	PerPage bool
	// MaxPageTokens bounds the page map of one session; the least recently used page is dropped.
	MaxPageTokens int
	// MaxSessions bounds the side-table; the least recently used session is dropped.
	MaxSessions int
	// IdleTimeout drops session state not looked up for this long. Zero keeps
	// state until evicted. Idle state is detected on access; nothing runs in
	// the background.
	IdleTimeout time.Duration
	// Namespace prefixes every side-table key (the configured session key).
	Namespace string
	Metrics   *Metrics
}

// TokenStore maps host sessions to their master token and page tokens.
//
// Creation and rotation are serialized per session. Sessions hash onto a fixed
// set of shard locks only while their state is looked up or created, so
// unrelated sessions never wait on each other for token work.
type TokenStore struct {
	gen       *TokenGenerator
	perPage   bool
	maxPages  int
	namespace string
	metrics   *Metrics

	sessions *lru.Cache[string, *tokenState]
	idle     time.Duration
	locks    [lockShards]sync.Mutex
	seed     maphash.Seed
}

// NewTokenStore returns a store drawing tokens from gen.
func NewTokenStore(gen *TokenGenerator, opts StoreOptions) *TokenStore {
	if opts.MaxPageTokens <= 0 {
		opts.MaxPageTokens = DefaultMaxPageTokens
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	// New only fails for a non-positive size, ruled out above.
	sessions, _ := lru.New[string, *tokenState](opts.MaxSessions)
	return &TokenStore{
		gen:       gen,
		perPage:   opts.PerPage,
		maxPages:  opts.MaxPageTokens,
		namespace: opts.Namespace,
		metrics:   opts.Metrics,
		sessions:  sessions,
		idle:      max(opts.IdleTimeout, 0),
		seed:      maphash.MakeSeed(),
	}
}

func (s *TokenStore) key(sess Session) (string, error) {
	if sess == nil {
		return "", ErrNoSession
	}
	id := sess.ID()
	if id == "" {
		return "", ErrNoSession
	}
	return s.namespace + "\x00" + id, nil
}

func (s *TokenStore) expired(st *tokenState) bool {
	return s.idle > 0 && time.Since(time.Unix(0, st.touched.Load())) > s.idle
}

// state returns the state for key, creating it when create is set. A lookup
// refreshes the idle timer; idle state is dropped.
func (s *TokenStore) state(key string, create bool) *tokenState {
	lock := &s.locks[maphash.String(s.seed, key)%lockShards]
	lock.Lock()
	defer lock.Unlock()

	if st, ok := s.sessions.Get(key); ok {
		if !s.expired(st) {
			st.touch()
			return st
		}
		s.sessions.Remove(key)
	}
	if !create {
		return nil
	}
	st := &tokenState{}
	st.touch()
	s.sessions.Add(key, st)
	return st
}

// peek returns the state for sess without creating it or touching recency.
func (s *TokenStore) peek(sess Session) (*tokenState, error) {
	key, err := s.key(sess)
	if err != nil {
		return nil, err
	}
	st, ok := s.sessions.Peek(key)
	if !ok || s.expired(st) {
		return nil, ErrNoToken
	}
	return st, nil
}

func (s *TokenStore) acquire(sess Session) (*tokenState, error) {
	key, err := s.key(sess)
	if err != nil {
		return nil, err
	}
	st := s.state(key, true)
	st.mu.Lock()
	return st, nil
}

// pageMap returns the page map of st, allocating it on first use. st.mu must be held.
func (s *TokenStore) pageMap(st *tokenState) *simplelru.LRU[string, string] {
	if st.pages == nil {
		// NewLRU only fails for a non-positive size, which NewTokenStore rules out.
		st.pages, _ = simplelru.NewLRU[string, string](s.maxPages, nil)
	}
	return st.pages
}

func (s *TokenStore) issue(scope string) (string, error) {
	tok, err := s.gen.Generate()
	if err != nil {
		return "", err
	}
	s.metrics.tokenIssued(scope)
	return tok, nil
}

// ensureMaster returns the master token of st, generating it if needed. st.mu must be held.
func (s *TokenStore) ensureMaster(st *tokenState) (tok string, created bool, err error) {
	if st.master != "" {
		return st.master, false, nil
	}
	tok, err = s.issue(scopeMaster)
	if err != nil {
		return "", false, err
	}
	st.master = tok
	return tok, true, nil
}

// ensurePage returns the token of uri in st, generating it if needed. st.mu must be held.
func (s *TokenStore) ensurePage(st *tokenState, uri string) (string, error) {
	pages := s.pageMap(st)
	if tok, ok := pages.Get(uri); ok {
		return tok, nil
	}
	tok, err := s.issue(scopePage)
	if err != nil {
		return "", err
	}
	pages.Add(uri, tok)
	return tok, nil
}

// MasterToken returns the session token, generating it on first use.
// Concurrent callers for one session observe the same value.
func (s *TokenStore) MasterToken(sess Session) (string, error) {
	st, err := s.acquire(sess)
	if err != nil {
		return "", err
	}
	defer st.mu.Unlock()
	tok, _, err := s.ensureMaster(st)
	return tok, err
}

// PageToken returns the token bound to uri, generating it on first use.
// Without per-page tokens it returns the master token.
func (s *TokenStore) PageToken(sess Session, uri string) (string, error) {
	if !s.perPage {
		return s.MasterToken(sess)
	}
	st, err := s.acquire(sess)
	if err != nil {
		return "", err
	}
	defer st.mu.Unlock()
	return s.ensurePage(st, cleanPath(uri))
}

// Rotate replaces the master token and returns the new value. Page tokens are untouched.
func (s *TokenStore) Rotate(sess Session) (string, error) {
	st, err := s.acquire(sess)
	if err != nil {
		return "", err
	}
	defer st.mu.Unlock()
	tok, err := s.issue(scopeMaster)
	if err != nil {
		return "", err
	}
	st.master = tok
	return tok, nil
}

// RotatePage replaces the token of uri and returns the new value. The master
// token and other pages are untouched. Without per-page tokens it rotates the
// master token.
func (s *TokenStore) RotatePage(sess Session, uri string) (string, error) {
	if !s.perPage {
		return s.Rotate(sess)
	}
	st, err := s.acquire(sess)
	if err != nil {
		return "", err
	}
	defer st.mu.Unlock()
	tok, err := s.issue(scopePage)
	if err != nil {
		return "", err
	}
	s.pageMap(st).Add(cleanPath(uri), tok)
	return tok, nil
}

// RotateAll replaces the master token and every page token already issued.
func (s *TokenStore) RotateAll(sess Session) error {
	st, err := s.acquire(sess)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	tok, err := s.issue(scopeMaster)
	if err != nil {
		return err
	}
	st.master = tok
	if st.pages == nil {
		return nil
	}
	for _, uri := range st.pages.Keys() {
		ptok, err := s.issue(scopePage)
		if err != nil {
			return err
		}
		st.pages.Add(uri, ptok)
	}
	return nil
}

// PrecreatePages issues a token for every page in pages that has none yet.
// It does nothing without per-page tokens.
func (s *TokenStore) PrecreatePages(sess Session, pages []string) error {
	if !s.perPage || len(pages) == 0 {
		return nil
	}
	st, err := s.acquire(sess)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	for _, p := range pages {
		if _, err := s.ensurePage(st, cleanPath(p)); err != nil {
			return err
		}
	}
	return nil
}

// prepare makes sure sess has a master token and, if pages is non-empty,
// precreated page tokens. It reports whether the master token was created now.
func (s *TokenStore) prepare(sess Session, pages []string) (bool, error) {
	st, err := s.acquire(sess)
	if err != nil {
		return false, err
	}
	defer st.mu.Unlock()
	_, created, err := s.ensureMaster(st)
	if err != nil {
		return false, err
	}
	if s.perPage {
		for _, p := range pages {
			if _, err := s.ensurePage(st, cleanPath(p)); err != nil {
				return created, err
			}
		}
	}
	return created, nil
}

// CurrentToken returns the master token without generating one.
func (s *TokenStore) CurrentToken(sess Session) (string, error) {
	st, err := s.peek(sess)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.master == "" {
		return "", ErrNoToken
	}
	return st.master, nil
}

// CurrentPageToken returns the token of uri without generating one. Without
// per-page tokens it returns the master token.
func (s *TokenStore) CurrentPageToken(sess Session, uri string) (string, error) {
	if !s.perPage {
		return s.CurrentToken(sess)
	}
	st, err := s.peek(sess)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pages == nil {
		return "", ErrNoToken
	}
	tok, ok := st.pages.Peek(cleanPath(uri))
	if !ok {
		return "", ErrNoToken
	}
	return tok, nil
}

// verification is the outcome of Verify.
type verification struct {
	matched bool
	scope   string
}

// Verify compares presented with the token expected for uri: the page token
// when per-page tokens are on and one exists for uri, otherwise the master
// token. With rotate set, a matched token is replaced before the session lock
// is released, so one token value is accepted at most once.
func (s *TokenStore) Verify(sess Session, uri, presented string, rotate bool) (verification, error) {
	key, err := s.key(sess)
	if err != nil {
		return verification{}, err
	}
	st := s.state(key, false)
	if st == nil {
		return verification{}, ErrNoToken
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	uri = cleanPath(uri)
	v := verification{scope: scopeMaster}
	expected := st.master
	if s.perPage && st.pages != nil {
		if tok, ok := st.pages.Get(uri); ok {
			expected, v.scope = tok, scopePage
		}
	}
	if expected == "" {
		return v, ErrNoToken
	}
	if !tokensEqual(presented, expected) {
		return v, nil
	}
	v.matched = true
	if !rotate {
		return v, nil
	}

	tok, err := s.issue(v.scope)
	if err != nil {
		return v, err
	}
	if v.scope == scopePage {
		st.pages.Add(uri, tok)
	} else {
		st.master = tok
	}
	return v, nil
}

// Release drops the state of sess. Hosts call it when the session ends.
func (s *TokenStore) Release(sess Session) {
	key, err := s.key(sess)
	if err != nil {
		return
	}
	s.sessions.Remove(key)
}

// Len returns the number of sessions with token state, counting idle state
// not yet dropped.
func (s *TokenStore) Len() int {
	return s.sessions.Len()
}
