package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestDownloader(attempts int) *Downloader {
	d := NewDownloader(Options{Attempts: attempts, Backoff: time.Millisecond, Logger: quietLogger()})
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestFilenameFor(t *testing.T) {
	assert.Equal(t, "out.png", FilenameFor("https://h/a/b/out.png?sig=1", ""))
	assert.Equal(t, "my file.png", FilenameFor("https://h/a/b/out.png", "my%20file.png"))
	assert.Equal(t, "evil.png", FilenameFor("https://h/x.png", "../../evil.png"))
	assert.Equal(t, "ab.png", FilenameFor("https://h/x.png", `a<b>.png`))
	assert.Equal(t, "space name.mp4", FilenameFor("https://h/space%20name.mp4", ""))
	assert.Equal(t, "download", FilenameFor("https://h/", ""))
}

func TestDownload_CollisionSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := newTestDownloader(1)

	first, err := d.Download(context.Background(), srv.URL+"/x.png", dir, "name.ext")
	require.NoError(t, err)
	second, err := d.Download(context.Background(), srv.URL+"/x.png", dir, "name.ext")
	require.NoError(t, err)

	assert.Equal(t, "name.ext", filepath.Base(first))
	assert.Equal(t, "name_00001.ext", filepath.Base(second))

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDownload_NeverOverwritesExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip_00001.mp4"), []byte("old"), 0o644))

	got, err := newTestDownloader(1).Download(context.Background(), srv.URL+"/clip.mp4", dir, "")
	require.NoError(t, err)
	assert.Equal(t, "clip_00002.mp4", filepath.Base(got))

	old, err := os.ReadFile(filepath.Join(dir, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestDownload_CreatesFolder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "nested", "out")
	got, err := newTestDownloader(1).Download(context.Background(), srv.URL+"/a.txt", dir, "")
	require.NoError(t, err)
	assert.FileExists(t, got)
}

func TestDownload_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	got, err := newTestDownloader(3).Download(context.Background(), srv.URL+"/a.png", t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "a.png", filepath.Base(got))
}

func TestDownload_ExhaustedRetriesAreFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := newTestDownloader(3).Download(context.Background(), srv.URL+"/a.png", dir, "")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial or reserved files are left behind")
}

func TestDownload_DestinationRequired(t *testing.T) {
	_, err := newTestDownloader(1).Download(context.Background(), "https://h/a.png", "  ", "")
	assert.ErrorIs(t, err, ErrDestinationRequired)
}
