// Package fetcher retrieves one URL over HTTP(S), streams the response into
// a data file, and records the visit.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Defaults applied when Config fields are zero.
const (
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64; rv:38.0) Gecko/20100101 Firefox/38.0 Iceweasel/38.7.1"
	DefaultMaxRedirects = 3
	DefaultTimeout      = 60 * time.Second
)

const (
	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.5"
	// maxDrain bounds how much of an unused body is read so the connection
	// can be reused.
	maxDrain = 64 << 10
)

// Store is the subset of crawler.Store the fetcher needs.
type Store interface {
	crawler.VisitedURLStore
	crawler.VisitedHostStore
	crawler.PendingURLStore
}

// Config controls the fetcher.
type Config struct {
	UserAgent string
	// TempDir receives in-progress downloads. It should live on the same
	// filesystem as FinalDir so the final move is a rename.
	TempDir  string
	FinalDir string
	// MaxRedirects bounds how many 3xx hops are followed.
	MaxRedirects int
	// Timeout bounds a whole request including the body transfer.
	Timeout time.Duration
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.client.Transport = rt
		}
	}
}

// Fetcher implements crawler.Fetcher.
type Fetcher struct {
	client *http.Client
	store  Store
	clock  crawler.Clock
	cfg    Config
	names  *allocator
	logger *zap.Logger
}

// New builds a Fetcher and creates the temp and final directories.
func New(store Store, clock crawler.Clock, cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if store == nil {
		return nil, errors.New("fetcher store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if strings.TrimSpace(cfg.TempDir) == "" || strings.TrimSpace(cfg.FinalDir) == "" {
		return nil, errors.New("temp and final directories are required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	for _, dir := range []string{cfg.TempDir, cfg.FinalDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		client: &http.Client{
			Transport: newHTTPTransport(),
			Jar:       jar,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:  store,
		clock:  clock,
		cfg:    cfg,
		names:  newAllocator(cfg.FinalDir),
		logger: logger.Named("fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch retrieves rawURL. redirectDepth is the number of redirects already
// followed to reach it. Transport failures and unusable responses are
// reported through the outcome; a returned error means the visit could not
// be recorded.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, redirectDepth int) (crawler.FetchOutcome, error) {
	start := time.Now()
	out := crawler.FetchOutcome{FinalURL: rawURL}

	u, err := crawler.ParseAbsolute(rawURL)
	if err != nil || !crawler.IsHTTPScheme(u.Scheme) {
		out.Status = crawler.FetchRejected
		return out, nil
	}
	host := u.Hostname()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		out.Status = crawler.FetchRejected
		return out, nil
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Info("fetch failed", zap.String("url", rawURL), zap.Error(err))
		out.Status = crawler.FetchNetworkError
		out.Duration = time.Since(start)
		return out, nil
	}
	defer func() { _ = resp.Body.Close() }()
	out.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		err = f.save(ctx, rawURL, host, resp, &out)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return f.redirect(ctx, rawURL, u, host, redirectDepth, resp, start)
	default:
		out.Status = crawler.FetchNotProcessable
		err = f.recordHost(ctx, host, serverValue(resp.Header))
		f.logger.Debug("response not retained",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
		)
	}
	out.Duration = time.Since(start)
	return out, err
}

// save streams the response into a temp file and moves it into place.
func (f *Fetcher) save(ctx context.Context, rawURL, host string, resp *http.Response, out *crawler.FetchOutcome) error {
	server := serverValue(resp.Header)
	processable := isHTML(resp.Header.Get("Content-Type"))
	out.Status = crawler.FetchNotProcessable

	n, tmpPath, err := f.download(rawURL, resp)
	if err != nil {
		f.logger.Info("download interrupted",
			zap.String("url", rawURL),
			zap.Int64("bytes", n),
			zap.Error(err),
		)
		out.Status = crawler.FetchNetworkError
		out.Bytes = n
		// The server was reached; its politeness clock still advances.
		return f.recordHost(ctx, host, server)
	}

	finalPath, err := f.names.place(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("place data file: %w", err)
	}

	now := f.clock.Now()
	if _, err := f.store.InsertVisitedURL(ctx, crawler.VisitedURL{
		URL:       rawURL,
		VisitedAt: now,
		Filename:  baseName(finalPath),
	}); err != nil {
		// No row names the file, so nothing could ever find it.
		if rerr := os.Remove(finalPath); rerr != nil {
			f.logger.Warn("remove unrecorded data file", zap.String("file", finalPath), zap.Error(rerr))
		}
		return fmt.Errorf("record visited url: %w", err)
	}
	// From here the VisitedURL row references the file, so it stays even if
	// the host upsert fails.
	if err := f.recordHost(ctx, host, server); err != nil {
		return err
	}

	*out = crawler.FetchOutcome{
		Status:      crawler.FetchSucceeded,
		Processable: processable,
		SavedPath:   finalPath,
		FinalURL:    rawURL,
		StatusCode:  resp.StatusCode,
		Bytes:       n,
	}
	f.logger.Debug("page saved",
		zap.String("url", rawURL),
		zap.String("file", finalPath),
		zap.Bool("processable", processable),
		zap.Int64("bytes", n),
	)
	return nil
}

// download writes the data file to the temp directory. On failure the temp
// file is removed.
func (f *Fetcher) download(rawURL string, resp *http.Response) (int64, string, error) {
	tmp, err := os.CreateTemp(f.cfg.TempDir, "fetch-*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := writeDataFile(tmp, rawURL, resp.Header, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return n, "", err
	}
	return n, tmp.Name(), nil
}

func (f *Fetcher) redirect(
	ctx context.Context,
	rawURL string,
	u *url.URL,
	host string,
	depth int,
	resp *http.Response,
	start time.Time,
) (crawler.FetchOutcome, error) {
	out := crawler.FetchOutcome{
		Status:     crawler.FetchNotProcessable,
		FinalURL:   rawURL,
		StatusCode: resp.StatusCode,
	}
	if err := f.recordVisit(ctx, rawURL, host); err != nil {
		return out, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	target, ok := f.redirectTarget(ctx, u, resp.Header.Get("Location"), depth)
	if !ok {
		out.Duration = time.Since(start)
		return out, nil
	}
	f.logger.Debug("following redirect",
		zap.String("from", rawURL),
		zap.String("to", target),
		zap.Int("depth", depth+1),
	)
	next, err := f.Fetch(ctx, target, depth+1)
	next.Redirects++
	next.Duration = time.Since(start)
	return next, err
}

// redirectTarget resolves location and reports whether it should be followed.
func (f *Fetcher) redirectTarget(ctx context.Context, base *url.URL, location string, depth int) (string, bool) {
	if depth >= f.cfg.MaxRedirects {
		f.logger.Info("redirect limit reached", zap.String("url", base.String()), zap.Int("depth", depth))
		return "", false
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return "", false
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	resolved.RawFragment = ""
	target, err := crawler.ParseTarget(resolved.String())
	if err != nil {
		return "", false
	}
	if _, err := f.store.GetVisitedURL(ctx, target.URL); !errors.Is(err, crawler.ErrNotFound) {
		return "", false
	}
	if _, err := f.store.GetPendingURL(ctx, target.URL); !errors.Is(err, crawler.ErrNotFound) {
		return "", false
	}
	return target.URL, true
}

// recordVisit stores a VisitedURL without a data file and touches the host
// with no server value.
func (f *Fetcher) recordVisit(ctx context.Context, rawURL, host string) error {
	now := f.clock.Now()
	if _, err := f.store.InsertVisitedURL(ctx, crawler.VisitedURL{
		URL:       rawURL,
		VisitedAt: now,
		Filename:  crawler.NoFilename,
	}); err != nil {
		return fmt.Errorf("record visited url: %w", err)
	}
	if err := f.store.UpsertVisitedHost(ctx, crawler.VisitedHost{Host: host, LastVisitedAt: now}); err != nil {
		return fmt.Errorf("record visited host: %w", err)
	}
	return nil
}

func (f *Fetcher) recordHost(ctx context.Context, host, server string) error {
	if err := f.store.UpsertVisitedHost(ctx, crawler.VisitedHost{
		Host:          host,
		LastVisitedAt: f.clock.Now(),
		Server:        &server,
	}); err != nil {
		return fmt.Errorf("record visited host: %w", err)
	}
	return nil
}

func serverValue(h http.Header) string {
	server := h.Get("Server")
	if server == "" {
		return crawler.NoServer
	}
	if len(server) > crawler.MaxServerLength {
		server = server[:crawler.MaxServerLength]
	}
	return server
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// Bodies are saved exactly as sent, so the transport must not negotiate
		// or undo content encodings.
		DisableCompression: true,
	}
}
