package csrf

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts StoreOptions) *TokenStore {
	t.Helper()
	gen, err := NewTokenGenerator(DefaultTokenLength)
	require.NoError(t, err)
	return NewTokenStore(gen, opts)
}

func TestMasterTokenConcurrentCreateOnce(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s := newTestStore(t, StoreOptions{Metrics: m})
	sess := SessionID("s1")

	const n = 64
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		tokens = make([]string, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tok, err := s.MasterToken(sess)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	close(start)
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokens.WithLabelValues(scopeMaster)))
}

func TestMasterTokenPerSession(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	a, err := s.MasterToken(SessionID("a"))
	require.NoError(t, err)
	b, err := s.MasterToken(SessionID("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, s.Len())
}

func TestStoreKeyUsesNamespace(t *testing.T) {
	gen, err := NewTokenGenerator(DefaultTokenLength)
	require.NoError(t, err)
	s := NewTokenStore(gen, StoreOptions{Namespace: "one"})

	tok, err := s.MasterToken(SessionID("x"))
	require.NoError(t, err)
	got, err := s.CurrentToken(SessionID("x"))
	require.NoError(t, err)
	assert.Equal(t, tok, got)
	assert.Equal(t, "one\x00x", mustKey(t, s, SessionID("x")))
}

func mustKey(t *testing.T, s *TokenStore, sess Session) string {
	t.Helper()
	k, err := s.key(sess)
	require.NoError(t, err)
	return k
}

func TestNoSession(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})

	_, err := s.MasterToken(nil)
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.PageToken(SessionID(""), "/a")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.Rotate(nil)
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.CurrentToken(nil)
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.Verify(nil, "/a", "tok", true)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, s.PrecreatePages(nil, []string{"/a"}), ErrNoSession)
	assert.Zero(t, s.Len())
}

func TestCurrentTokenNeverGenerates(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	_, err := s.CurrentToken(sess)
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = s.CurrentPageToken(sess, "/a")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Zero(t, s.Len())

	master, err := s.MasterToken(sess)
	require.NoError(t, err)
	_, err = s.CurrentPageToken(sess, "/a")
	assert.ErrorIs(t, err, ErrNoToken)
	got, err := s.CurrentToken(sess)
	require.NoError(t, err)
	assert.Equal(t, master, got)
}

func TestPageTokenDelegatesWithoutPerPage(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	sess := SessionID("s1")

	page, err := s.PageToken(sess, "/a")
	require.NoError(t, err)
	master, err := s.MasterToken(sess)
	require.NoError(t, err)
	assert.Equal(t, master, page)

	cur, err := s.CurrentPageToken(sess, "/b")
	require.NoError(t, err)
	assert.Equal(t, master, cur)
}

func TestPageTokensAreIsolated(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	master, err := s.MasterToken(sess)
	require.NoError(t, err)
	a, err := s.PageToken(sess, "/a")
	require.NoError(t, err)
	b, err := s.PageToken(sess, "/b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, master, a)

	again, err := s.PageToken(sess, "/a/")
	require.NoError(t, err)
	assert.Equal(t, a, again, "equivalent URIs share one token")

	rotated, err := s.RotatePage(sess, "/a")
	require.NoError(t, err)
	assert.NotEqual(t, a, rotated)

	curB, err := s.CurrentPageToken(sess, "/b")
	require.NoError(t, err)
	assert.Equal(t, b, curB)
	curMaster, err := s.CurrentToken(sess)
	require.NoError(t, err)
	assert.Equal(t, master, curMaster)

	newMaster, err := s.Rotate(sess)
	require.NoError(t, err)
	assert.NotEqual(t, master, newMaster)
	curA, err := s.CurrentPageToken(sess, "/a")
	require.NoError(t, err)
	assert.Equal(t, rotated, curA, "master rotation leaves page tokens alone")
}

func TestRotateAll(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	master, err := s.MasterToken(sess)
	require.NoError(t, err)
	a, err := s.PageToken(sess, "/a")
	require.NoError(t, err)

	require.NoError(t, s.RotateAll(sess))

	curMaster, err := s.CurrentToken(sess)
	require.NoError(t, err)
	curA, err := s.CurrentPageToken(sess, "/a")
	require.NoError(t, err)
	assert.NotEqual(t, master, curMaster)
	assert.NotEqual(t, a, curA)
}

func TestPrecreatePages(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	require.NoError(t, s.PrecreatePages(sess, []string{"/form1", "/form2"}))
	f1, err := s.CurrentPageToken(sess, "/form1")
	require.NoError(t, err)
	assert.NotEmpty(t, f1)

	// precreating again keeps existing tokens
	require.NoError(t, s.PrecreatePages(sess, []string{"/form1"}))
	again, err := s.CurrentPageToken(sess, "/form1")
	require.NoError(t, err)
	assert.Equal(t, f1, again)

	off := newTestStore(t, StoreOptions{})
	require.NoError(t, off.PrecreatePages(sess, []string{"/form1"}))
	assert.Zero(t, off.Len())
}

func TestVerify(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	_, err := s.Verify(sess, "/a", "anything", false)
	assert.ErrorIs(t, err, ErrNoToken)

	master, err := s.MasterToken(sess)
	require.NoError(t, err)

	v, err := s.Verify(sess, "/a", master, false)
	require.NoError(t, err)
	assert.True(t, v.matched)
	assert.Equal(t, scopeMaster, v.scope)

	page, err := s.PageToken(sess, "/a")
	require.NoError(t, err)

	v, err = s.Verify(sess, "/a", master, false)
	require.NoError(t, err)
	assert.False(t, v.matched, "a page with its own token no longer accepts the master token")

	v, err = s.Verify(sess, "/a", page, false)
	require.NoError(t, err)
	assert.True(t, v.matched)
	assert.Equal(t, scopePage, v.scope)
}

func TestVerifyRotatesMatchedScopeOnly(t *testing.T) {
	s := newTestStore(t, StoreOptions{PerPage: true})
	sess := SessionID("s1")

	master, err := s.MasterToken(sess)
	require.NoError(t, err)
	page, err := s.PageToken(sess, "/a")
	require.NoError(t, err)

	v, err := s.Verify(sess, "/a", page, true)
	require.NoError(t, err)
	require.True(t, v.matched)

	curPage, err := s.CurrentPageToken(sess, "/a")
	require.NoError(t, err)
	assert.NotEqual(t, page, curPage)
	curMaster, err := s.CurrentToken(sess)
	require.NoError(t, err)
	assert.Equal(t, master, curMaster)

	v, err = s.Verify(sess, "/other", master, true)
	require.NoError(t, err)
	require.True(t, v.matched)
	curMaster, err = s.CurrentToken(sess)
	require.NoError(t, err)
	assert.NotEqual(t, master, curMaster)
	stillPage, err := s.CurrentPageToken(sess, "/a")
	require.NoError(t, err)
	assert.Equal(t, curPage, stillPage)
}

func TestVerifyRotationAcceptsTokenOnce(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	sess := SessionID("s1")
	tok, err := s.MasterToken(sess)
	require.NoError(t, err)

	const n = 32
	var (
		wg      sync.WaitGroup
		matched atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := s.Verify(sess, "/transfer", tok, true)
			assert.NoError(t, err)
			if v.matched {
				matched.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), matched.Load())
}

func TestReleaseDropsState(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	sess := SessionID("s1")
	first, err := s.MasterToken(sess)
	require.NoError(t, err)

	s.Release(sess)
	s.Release(nil)
	_, err = s.CurrentToken(sess)
	assert.ErrorIs(t, err, ErrNoToken)

	second, err := s.MasterToken(sess)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestStoreBounds(t *testing.T) {
	t.Run("max sessions", func(t *testing.T) {
		s := newTestStore(t, StoreOptions{MaxSessions: 2})
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.MasterToken(SessionID(id))
			require.NoError(t, err)
		}
		assert.Equal(t, 2, s.Len())
		_, err := s.CurrentToken(SessionID("a"))
		assert.ErrorIs(t, err, ErrNoToken, "least recently used session is evicted")
	})

	t.Run("max page tokens", func(t *testing.T) {
		s := newTestStore(t, StoreOptions{PerPage: true, MaxPageTokens: 2})
		sess := SessionID("s1")
		for _, uri := range []string{"/a", "/b", "/c"} {
			_, err := s.PageToken(sess, uri)
			require.NoError(t, err)
		}
		_, err := s.CurrentPageToken(sess, "/a")
		assert.ErrorIs(t, err, ErrNoToken)
		_, err = s.CurrentPageToken(sess, "/c")
		assert.NoError(t, err)
	})

	t.Run("idle timeout", func(t *testing.T) {
		s := newTestStore(t, StoreOptions{IdleTimeout: 20 * time.Millisecond})
		sess := SessionID("s1")
		_, err := s.MasterToken(sess)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			_, err := s.CurrentToken(sess)
			return err != nil
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("idle state is replaced on access", func(t *testing.T) {
		s := newTestStore(t, StoreOptions{IdleTimeout: 20 * time.Millisecond})
		sess := SessionID("s1")
		first, err := s.MasterToken(sess)
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)
		v, err := s.Verify(sess, "/transfer", first, false)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.False(t, v.matched)

		second, err := s.MasterToken(sess)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("validated pages stay recent", func(t *testing.T) {
		s := newTestStore(t, StoreOptions{PerPage: true, MaxPageTokens: 2})
		sess := SessionID("s1")
		a, err := s.PageToken(sess, "/a")
		require.NoError(t, err)
		_, err = s.PageToken(sess, "/b")
		require.NoError(t, err)

		v, err := s.Verify(sess, "/a", a, false)
		require.NoError(t, err)
		require.True(t, v.matched)

		_, err = s.PageToken(sess, "/c")
		require.NoError(t, err)
		_, err = s.CurrentPageToken(sess, "/a")
		assert.NoError(t, err, "page posted to is kept")
		_, err = s.CurrentPageToken(sess, "/b")
		assert.ErrorIs(t, err, ErrNoToken)
	})
}
