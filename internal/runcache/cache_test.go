package runcache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	base := t.TempDir()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return New(base, l), base
}

func touch(t *testing.T, c *Cache, scope, id string, mtime time.Time) {
	t.Helper()
	require.NoError(t, c.Save(scope, id, ""))
	dir, err := c.ScopeDir(scope, "")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(dir, id), mtime, mtime))
}

func TestSaveThenClaimRemoves(t *testing.T) {
	c, base := newTestCache(t)

	require.NoError(t, c.Save("renders", "abc", ""))
	got, err := c.ClaimOldest("renders", "", true)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	ids, err := c.RunIDs("renders", "")
	require.NoError(t, err)
	assert.NotContains(t, ids, "abc")

	assert.FileExists(t, filepath.Join(base, DefaultUser, DirName, "renders", RemovedPrefix+"abc"))
}

func TestSaveTwiceIsOneEntry(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("renders", "abc", ""))
	require.NoError(t, c.Save("renders", "abc", ""))

	ids, err := c.RunIDs("renders", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, ids)
}

func TestListAndClaimShareOrdering(t *testing.T) {
	c, _ := newTestCache(t)
	now := time.Now()
	touch(t, c, "s", "newest", now)
	touch(t, c, "s", "oldest", now.Add(-2*time.Hour))
	touch(t, c, "s", "middle", now.Add(-time.Hour))

	ids, err := c.RunIDs("s", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "middle", "newest"}, ids)

	peek, err := c.ClaimOldest("s", "", false)
	require.NoError(t, err)
	assert.Equal(t, "oldest", peek)

	ids, err = c.RunIDs("s", "")
	require.NoError(t, err)
	assert.Len(t, ids, 3, "claim without remove keeps the entry")

	first, err := c.ClaimOldest("s", "", true)
	require.NoError(t, err)
	second, err := c.ClaimOldest("s", "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "middle"}, []string{first, second})
}

func TestClaimOldest_NotFound(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.ClaimOldest("empty", "", true)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Save("empty", "x", ""))
	_, err = c.Clear("empty", "")
	require.NoError(t, err)
	_, err = c.ClaimOldest("empty", "", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserScoping(t *testing.T) {
	c, base := newTestCache(t)

	require.NoError(t, c.Save("s", "a", "alice"))
	require.NoError(t, c.Save("s", "b", ""))

	alice, err := c.RunIDs("s", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, alice)

	def, err := c.RunIDs("s", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, def)

	assert.DirExists(t, filepath.Join(base, "alice", DirName, "s"))
}

func TestInvalidNames(t *testing.T) {
	c, _ := newTestCache(t)

	assert.ErrorIs(t, c.Save("../x", "a", ""), ErrInvalidName)
	assert.ErrorIs(t, c.Save("s", "a/b", ""), ErrInvalidName)
	assert.ErrorIs(t, c.Save("s", RemovedPrefix+"a", ""), ErrInvalidName)
	assert.ErrorIs(t, c.Save("s", "", ""), ErrInvalidName)
	_, err := c.ListLive("..", "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Save("s", id, ""))
	}

	n, err := c.Clear("s", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := c.RunIDs("s", "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentClaimsHandOutEachIDOnce(t *testing.T) {
	c, _ := newTestCache(t)
	base := time.Now().Add(-time.Hour)
	want := []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"}
	for i, id := range want {
		touch(t, c, "s", id, base.Add(time.Duration(i)*time.Second))
	}

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.ClaimOldest("s", "", true)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(got)
	assert.Equal(t, want, got)
}
