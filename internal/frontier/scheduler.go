// Package frontier admits discovered URLs into the persistent frontier and
// hands them out once their host's politeness interval has elapsed.
//
// Every PendingURL for a host is stamped with an eligible time at least one
// interval after the host's last visit and after every earlier pending entry
// for the same host, so a single worker draining the frontier in eligible
// order never contacts a host more often than once per interval.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// Defaults applied when Config fields are zero.
const (
	DefaultPolitenessInterval = 5 * time.Second
	DefaultScanBatch          = 64
)

// Store is the subset of crawler.Store the scheduler needs.
type Store interface {
	crawler.VisitedURLStore
	crawler.VisitedHostStore
	crawler.PendingURLStore
}

// Config tunes the scheduler.
type Config struct {
	// PolitenessInterval is the minimum spacing between fetches of one host.
	PolitenessInterval time.Duration
	// ScanBatch bounds how many pending rows one dequeue scan reads.
	ScanBatch int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithEmitter reports enqueue outcomes as progress events.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// Scheduler implements crawler.Scheduler on top of a Store.
type Scheduler struct {
	store    Store
	clock    crawler.Clock
	interval time.Duration
	batch    int
	logger   *zap.Logger
	emitter  progress.Emitter

	// mu serializes admission so the per-host backlog read and the insert
	// that extends it are atomic across callers.
	mu sync.Mutex
}

// New builds a Scheduler.
func New(store Store, clock crawler.Clock, cfg Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("frontier store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.PolitenessInterval < 0 {
		return nil, fmt.Errorf("politeness interval must be >= 0, got %s", cfg.PolitenessInterval)
	}
	if cfg.PolitenessInterval == 0 {
		cfg.PolitenessInterval = DefaultPolitenessInterval
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = DefaultScanBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:    store,
		clock:    clock,
		interval: cfg.PolitenessInterval,
		batch:    cfg.ScanBatch,
		logger:   logger.Named("frontier"),
		emitter:  progress.Discard{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Interval returns the politeness interval in effect.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Enqueue offers rawURL to the frontier. Malformed, oversized, and non-http(s)
// URLs are Rejected without touching the store. A returned error always
// wraps a store failure.
func (s *Scheduler) Enqueue(ctx context.Context, rawURL string) (crawler.EnqueueResult, error) {
	res, host, err := s.enqueue(ctx, rawURL)
	if err != nil {
		return res, err
	}
	s.emitter.Emit(progress.Event{
		TS:      s.clock.Now(),
		Stage:   progress.StageEnqueue,
		Site:    host,
		URL:     rawURL,
		Outcome: res.String(),
	})
	return res, nil
}

func (s *Scheduler) enqueue(ctx context.Context, rawURL string) (crawler.EnqueueResult, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := crawler.ParseTarget(rawURL)
	if err != nil {
		s.logger.Debug("rejecting url", zap.String("url", rawURL), zap.Error(err))
		return crawler.Rejected, "", nil
	}

	if _, err := s.store.GetVisitedURL(ctx, target.URL); err == nil {
		return crawler.AlreadyVisited, target.Host, nil
	} else if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Rejected, target.Host, fmt.Errorf("lookup visited url: %w", err)
	}
	if _, err := s.store.GetPendingURL(ctx, target.URL); err == nil {
		return crawler.AlreadyPending, target.Host, nil
	} else if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Rejected, target.Host, fmt.Errorf("lookup pending url: %w", err)
	}

	eligibleAt, err := s.eligibleAt(ctx, target.Host)
	if err != nil {
		return crawler.Rejected, target.Host, err
	}
	ins, err := s.store.InsertPendingURL(ctx, crawler.PendingURL{
		URL:        target.URL,
		Host:       target.Host,
		EligibleAt: eligibleAt,
	})
	if err != nil {
		return crawler.Rejected, target.Host, fmt.Errorf("insert pending url: %w", err)
	}
	if ins == crawler.AlreadyExists {
		return crawler.AlreadyPending, target.Host, nil
	}
	s.logger.Debug("url enqueued",
		zap.String("url", target.URL),
		zap.Time("eligible_at", eligibleAt),
	)
	return crawler.Added, target.Host, nil
}

// eligibleAt is the latest of now, the host's backlog tail plus one
// interval, and the host's last visit plus one interval.
func (s *Scheduler) eligibleAt(ctx context.Context, host string) (time.Time, error) {
	at := s.clock.Now()

	latest, err := s.store.LatestPendingEligibleAt(ctx, host)
	switch {
	case err == nil:
		at = later(at, latest.Add(s.interval))
	case !errors.Is(err, crawler.ErrNotFound):
		return time.Time{}, fmt.Errorf("lookup host backlog: %w", err)
	}

	visited, err := s.store.GetVisitedHost(ctx, host)
	switch {
	case err == nil:
		at = later(at, visited.LastVisitedAt.Add(s.interval))
	case !errors.Is(err, crawler.ErrNotFound):
		return time.Time{}, fmt.Errorf("lookup visited host: %w", err)
	}
	return at, nil
}

// DequeueReady returns the earliest pending URL if it is eligible now. The
// URL stays pending until Retire. When the earliest entry is in the future,
// Wait is the time until it becomes eligible; an empty frontier yields a
// zero Wait. Stored rows that no longer parse are deleted.
func (s *Scheduler) DequeueReady(ctx context.Context) (crawler.DequeueResult, error) {
	for {
		rows, err := s.store.ListPendingByEligibleAt(ctx, s.batch)
		if err != nil {
			return crawler.DequeueResult{}, fmt.Errorf("scan pending urls: %w", err)
		}
		if len(rows) == 0 {
			return crawler.DequeueResult{}, nil
		}
		for _, row := range rows {
			if _, err := crawler.ParseTarget(row.URL); err != nil {
				s.logger.Warn("deleting malformed pending url", zap.String("url", row.URL), zap.Error(err))
				if delErr := s.store.DeletePendingURL(ctx, row.URL); delErr != nil {
					return crawler.DequeueResult{}, fmt.Errorf("delete malformed pending url: %w", delErr)
				}
				continue
			}
			now := s.clock.Now()
			if !row.EligibleAt.After(now) {
				return crawler.DequeueResult{URL: row.URL, Ready: true}, nil
			}
			return crawler.DequeueResult{Wait: ceilMillis(row.EligibleAt.Sub(now))}, nil
		}
		// The whole batch was malformed and has been deleted; scan again.
	}
}

// Retire removes rawURL from the frontier. Retiring an absent URL is a no-op.
func (s *Scheduler) Retire(ctx context.Context, rawURL string) error {
	if err := s.store.DeletePendingURL(ctx, rawURL); err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return fmt.Errorf("retire %q: %w", rawURL, err)
	}
	return nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func ceilMillis(d time.Duration) time.Duration {
	if r := d % time.Millisecond; r != 0 {
		d += time.Millisecond - r
	}
	return d
}
