package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/clock/fake"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type env struct {
	fetcher  *Fetcher
	store    *memory.FrontierStore
	tempDir  string
	finalDir string
}

func newEnv(t *testing.T, opts ...Option) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		store:    memory.NewFrontierStore(),
		tempDir:  filepath.Join(root, "tmp"),
		finalDir: filepath.Join(root, "data"),
	}
	f, err := New(e.store, fake.New(t0), Config{TempDir: e.tempDir, FinalDir: e.finalDir}, zap.NewNop(), opts...)
	require.NoError(t, err)
	e.fetcher = f
	return e
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetchSavesHTML(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		w.Header().Set("Content-Type", "text/HTML; charset=utf-8")
		w.Header().Set("Server", "unit-test")
		_, _ = io.WriteString(w, "<html>hello</html>")
	}))
	defer srv.Close()

	e := newEnv(t)
	ctx := context.Background()
	out, err := e.fetcher.Fetch(ctx, srv.URL+"/page", 0)
	require.NoError(t, err)

	assert.Equal(t, crawler.FetchSucceeded, out.Status)
	assert.True(t, out.Processable)
	assert.Equal(t, filepath.Join(e.finalDir, "000000.bin"), out.SavedPath)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.EqualValues(t, len("<html>hello</html>"), out.Bytes)
	assert.Empty(t, dirEntries(t, e.tempDir))

	mu.Lock()
	assert.Equal(t, DefaultUserAgent, seen.Get("User-Agent"))
	assert.Equal(t, acceptHeader, seen.Get("Accept"))
	assert.Equal(t, acceptLanguage, seen.Get("Accept-Language"))
	mu.Unlock()

	// #nosec G304 -- test reads from its own temp directory.
	data, err := os.ReadFile(out.SavedPath)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "URL: "+srv.URL+"/page\r\n"), text)
	assert.Contains(t, text, "\r\nContent-Type: text/HTML; charset=utf-8\r\n")
	assert.Contains(t, text, "\r\nServer: unit-test\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\n<html>hello</html>"), text)

	visited, err := e.store.GetVisitedURL(ctx, srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "000000.bin", visited.Filename)
	assert.True(t, t0.Equal(visited.VisitedAt))

	host, err := e.store.GetVisitedHost(ctx, "127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, host.Server)
	assert.Equal(t, "unit-test", *host.Server)
}

func TestFetchNonHTMLIsSavedButNotProcessable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	e := newEnv(t)
	out, err := e.fetcher.Fetch(context.Background(), srv.URL+"/i.png", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchSucceeded, out.Status)
	assert.False(t, out.Processable)
	assert.FileExists(t, out.SavedPath)

	host, err := e.store.GetVisitedHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, host.Server)
	assert.Equal(t, crawler.NoServer, *host.Server)
}

func TestFetchAllocatesSequentialNames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()

	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.finalDir, "000000.bin"), []byte("old"), 0o600))

	var names []string
	for i := 0; i < 3; i++ {
		out, err := e.fetcher.Fetch(context.Background(), srv.URL+"/"+strconv.Itoa(i), 0)
		require.NoError(t, err)
		names = append(names, filepath.Base(out.SavedPath))
	}
	assert.Equal(t, []string{"000001.bin", "000002.bin", "000003.bin"}, names)
}

func redirectServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n == 0 {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>end</html>")
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/r/%d", n-1))
		w.WriteHeader(http.StatusFound)
	}))
}

func TestFetchFollowsUpToThreeRedirects(t *testing.T) {
	t.Parallel()

	srv := redirectServer(t)
	defer srv.Close()
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.fetcher.Fetch(ctx, srv.URL+"/r/3", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchSucceeded, out.Status)
	assert.Equal(t, 3, out.Redirects)
	assert.Equal(t, srv.URL+"/r/0", out.FinalURL)

	for _, hop := range []string{"/r/3", "/r/2", "/r/1"} {
		v, err := e.store.GetVisitedURL(ctx, srv.URL+hop)
		require.NoError(t, err, hop)
		assert.Equal(t, crawler.NoFilename, v.Filename)
	}
	v, err := e.store.GetVisitedURL(ctx, srv.URL+"/r/0")
	require.NoError(t, err)
	assert.Equal(t, "000000.bin", v.Filename)
}

func TestFetchStopsAfterTooManyRedirects(t *testing.T) {
	t.Parallel()

	srv := redirectServer(t)
	defer srv.Close()
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.fetcher.Fetch(ctx, srv.URL+"/r/4", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchNotProcessable, out.Status)
	assert.Empty(t, dirEntries(t, e.finalDir))

	_, err = e.store.GetVisitedURL(ctx, srv.URL+"/r/1")
	require.NoError(t, err)
	_, err = e.store.GetVisitedURL(ctx, srv.URL+"/r/0")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	host, err := e.store.GetVisitedHost(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, host.Server)
}

func TestFetchSkipsKnownRedirectTargets(t *testing.T) {
	t.Parallel()

	srv := redirectServer(t)
	defer srv.Close()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.InsertPendingURL(ctx, crawler.PendingURL{URL: srv.URL + "/r/0", Host: "127.0.0.1", EligibleAt: t0})
	require.NoError(t, err)

	out, err := e.fetcher.Fetch(ctx, srv.URL+"/r/1", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchNotProcessable, out.Status)
	assert.Equal(t, 0, out.Redirects)
}

func TestFetchErrorStatusIsNotRetained(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "teapot")
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.fetcher.Fetch(ctx, srv.URL+"/gone", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchNotProcessable, out.Status)
	assert.Equal(t, http.StatusGone, out.StatusCode)
	assert.Empty(t, dirEntries(t, e.finalDir))

	_, err = e.store.GetVisitedURL(ctx, srv.URL+"/gone")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	host, err := e.store.GetVisitedHost(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "teapot", *host.Server)
}

func TestFetchRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	for _, u := range []string{"ftp://a.example/x", "not a url", "file:///etc/passwd"} {
		out, err := e.fetcher.Fetch(context.Background(), u, 0)
		require.NoError(t, err)
		assert.Equal(t, crawler.FetchRejected, out.Status, u)
	}
}

func TestFetchConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/"
	srv.Close()

	e := newEnv(t)
	out, err := e.fetcher.Fetch(context.Background(), target, 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchNetworkError, out.Status)

	_, err = e.store.GetVisitedHost(context.Background(), "127.0.0.1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

type failingBody struct {
	sent bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "<html>partial"), nil
	}
	return 0, errors.New("connection reset by peer")
}

func (*failingBody) Close() error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetchMidTransferFailureLeavesNoFile(t *testing.T) {
	t.Parallel()

	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/html"}},
			Body:       &failingBody{},
			Request:    r,
		}, nil
	})
	e := newEnv(t, WithTransport(rt))
	ctx := context.Background()

	out, err := e.fetcher.Fetch(ctx, "http://flaky.example/page", 0)
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchNetworkError, out.Status)
	assert.Empty(t, out.SavedPath)
	assert.Empty(t, dirEntries(t, e.tempDir))
	assert.Empty(t, dirEntries(t, e.finalDir))

	_, err = e.store.GetVisitedURL(ctx, "http://flaky.example/page")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestFetchReportsStoreFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()
	e := newEnv(t)
	require.NoError(t, e.store.Close())

	out, err := e.fetcher.Fetch(context.Background(), srv.URL+"/", 0)
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	assert.False(t, out.Succeeded())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := memory.NewFrontierStore()
	_, err := New(nil, fake.New(t0), Config{TempDir: "a", FinalDir: "b"}, nil)
	require.Error(t, err)
	_, err = New(store, nil, Config{TempDir: "a", FinalDir: "b"}, nil)
	require.Error(t, err)
	_, err = New(store, fake.New(t0), Config{FinalDir: "b"}, nil)
	require.Error(t, err)

	dir := t.TempDir()
	f, err := New(store, fake.New(t0), Config{TempDir: filepath.Join(dir, "t"), FinalDir: filepath.Join(dir, "f")}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRedirects, f.cfg.MaxRedirects)
	assert.Equal(t, DefaultTimeout, f.client.Timeout)
	assert.DirExists(t, filepath.Join(dir, "t"))
	assert.DirExists(t, filepath.Join(dir, "f"))
}

func TestFetchKeepsRawEncodedBody(t *testing.T) {
	t.Parallel()

	// A gzip member for "<html>compressed</html>"; the bytes are opaque here.
	raw := []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xb3, 0xc9, 0x28, 0xc9, 0xcd, 0xb1}
	var (
		mu             sync.Mutex
		acceptEncoding string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		acceptEncoding = r.Header.Get("Accept-Encoding")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	e := newEnv(t)
	out, err := e.fetcher.Fetch(context.Background(), srv.URL+"/z", 0)
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	assert.EqualValues(t, len(raw), out.Bytes)

	mu.Lock()
	assert.Empty(t, acceptEncoding)
	mu.Unlock()

	// #nosec G304 -- test reads from its own temp directory.
	data, err := os.ReadFile(out.SavedPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\r\nContent-Encoding: gzip\r\n")
	assert.True(t, strings.HasSuffix(string(data), "\r\n\r\n"+string(raw)))
}

// failingInsertStore accepts every call except recording a visited URL.
type failingInsertStore struct {
	*memory.FrontierStore
}

func (failingInsertStore) InsertVisitedURL(context.Context, crawler.VisitedURL) (crawler.InsertResult, error) {
	return 0, fmt.Errorf("insert: %w", crawler.ErrStoreUnavailable)
}

func TestFetchRemovesFileWhenVisitIsNotRecorded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>lost</html>")
	}))
	defer srv.Close()

	root := t.TempDir()
	finalDir := filepath.Join(root, "data")
	tempDir := filepath.Join(root, "tmp")
	f, err := New(failingInsertStore{memory.NewFrontierStore()}, fake.New(t0),
		Config{TempDir: tempDir, FinalDir: finalDir}, zap.NewNop())
	require.NoError(t, err)

	out, err := f.Fetch(context.Background(), srv.URL+"/", 0)
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	assert.False(t, out.Succeeded())
	assert.Empty(t, dirEntries(t, finalDir))
	assert.Empty(t, dirEntries(t, tempDir))
}
