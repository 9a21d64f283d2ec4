// Package extractor reads saved data files and offers the links they contain
// to the frontier.
package extractor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/extractor/htmlscan"
)

// ErrMissingContextURL is returned when a data file does not start with a
// "URL: <absolute-url>" line.
var ErrMissingContextURL = errors.New("data file has no context url line")

// contextPrefix starts the first line of every data file.
const contextPrefix = "URL:"

// linkAttrs maps tag names to the attribute holding a link.
var linkAttrs = map[string]string{
	"a":   "href",
	"img": "src",
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithRelativeLinks also offers links that are not absolute http(s) URLs,
// after resolving them against the page URL.
func WithRelativeLinks(enabled bool) Option {
	return func(e *Extractor) {
		e.relative = enabled
	}
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	enqueuer crawler.Enqueuer
	filter   crawler.URLFilter
	logger   *zap.Logger
	relative bool
}

// New builds an Extractor offering accepted links to enqueuer.
func New(enqueuer crawler.Enqueuer, filter crawler.URLFilter, logger *zap.Logger, opts ...Option) (*Extractor, error) {
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if filter == nil {
		return nil, errors.New("url filter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{enqueuer: enqueuer, filter: filter, logger: logger.Named("extractor")}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract parses the data file at savedPath and returns how many links were
// offered to the frontier.
func (e *Extractor) Extract(ctx context.Context, savedPath string) (int, error) {
	// #nosec G304 -- savedPath is produced by the fetcher inside the final directory.
	f, err := os.Open(savedPath)
	if err != nil {
		return 0, fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return e.ExtractFrom(ctx, f)
}

// ExtractFrom is Extract over an already opened data stream.
func (e *Extractor) ExtractFrom(ctx context.Context, r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	base, err := readContextURL(br)
	if err != nil {
		return 0, err
	}
	if err := skipHeaders(br); err != nil {
		return 0, err
	}

	offered := 0
	err = htmlscan.Walk(br, func(evt htmlscan.Event) error {
		if !evt.IsOpening() {
			return nil
		}
		attr, ok := linkAttrs[evt.Name]
		if !ok {
			return nil
		}
		raw, ok := evt.Attr(attr)
		if !ok {
			return nil
		}
		target, ok := e.accept(base, raw)
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.enqueuer.Enqueue(ctx, target)
		if err != nil {
			return fmt.Errorf("enqueue %q: %w", target, err)
		}
		offered++
		e.logger.Debug("link offered",
			zap.String("page", base.String()),
			zap.String("url", target),
			zap.Stringer("result", res),
		)
		return nil
	})
	if err != nil {
		return offered, err
	}
	return offered, nil
}

// accept applies the candidate rules and returns the resolved link.
func (e *Extractor) accept(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	absolute := crawler.HasHTTPPrefix(raw)
	if !absolute && !e.relative {
		return "", false
	}
	if absolute && !e.filter.Matches(raw) {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	resolved.RawFragment = ""
	if !absolute {
		if !crawler.IsHTTPScheme(resolved.Scheme) || !e.filter.Matches(resolved.String()) {
			return "", false
		}
	}
	return resolved.String(), true
}

// maxContextLine bounds the first line: prefix, space, URL, CRLF.
const maxContextLine = len(contextPrefix) + 1 + crawler.MaxURLLength + 2

func readContextURL(br *bufio.Reader) (*url.URL, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxContextLine {
			return nil, fmt.Errorf("%w: first line exceeds %d bytes", ErrMissingContextURL, maxContextLine)
		}
		if err == nil || errors.Is(err, io.EOF) {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("read context url: %w", err)
		}
	}
	line := strings.TrimRight(string(buf), "\r\n")
	if !strings.HasPrefix(line, contextPrefix) {
		return nil, ErrMissingContextURL
	}
	base, err := crawler.ParseAbsolute(strings.TrimSpace(line[len(contextPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingContextURL, err)
	}
	return base, nil
}

func skipHeaders(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err == nil && strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("skip headers: %w", err)
		}
	}
}
