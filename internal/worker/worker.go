// Package worker runs the single-worker crawl loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// DefaultPollInterval caps how long the loop sleeps between frontier checks.
const DefaultPollInterval = 500 * time.Millisecond

// State is the crawl loop's current phase.
type State int32

// Loop states.
const (
	StateIdle State = iota
	StateFetching
	StateExtracting
	StateRetiring
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateExtracting:
		return "extracting"
	case StateRetiring:
		return "retiring"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval bounds each idle sleep.
	PollInterval time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithEmitter sends crawl milestones to e.
func WithEmitter(e progress.Emitter) Option {
	return func(w *Worker) {
		if e != nil {
			w.emitter = e
		}
	}
}

// WithArchive copies every saved data file to store.
func WithArchive(store crawler.BlobStore) Option {
	return func(w *Worker) {
		w.archive = store
	}
}

// Worker drives the frontier: Idle → Fetching → [Extracting] → Retiring → Idle.
type Worker struct {
	scheduler crawler.Scheduler
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
	emitter   progress.Emitter
	archive   crawler.BlobStore

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

// New constructs a Worker.
func New(
	scheduler crawler.Scheduler,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Worker, error) {
	if scheduler == nil || fetcher == nil || extractor == nil {
		return nil, errors.New("scheduler, fetcher, and extractor are required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		scheduler: scheduler,
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
		emitter:   progress.Discard{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// State reports the loop's current phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run crawls until ctx is canceled. Cancellation is observed while idle; a
// fetch cycle that has started always runs to completion. Run may be called
// once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	defer close(w.done)
	defer w.setState(StateStopped)

	w.logger.Info("crawl loop started", zap.Duration("poll_interval", w.cfg.PollInterval))
	w.emit(progress.Event{Stage: progress.StageCrawlStart})
	defer func() {
		w.emit(progress.Event{Stage: progress.StageCrawlStop})
		w.logger.Info("crawl loop stopped")
	}()

	// Cycles run detached from ctx so cancellation never interrupts an
	// in-flight fetch.
	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		w.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}
		idle := w.cycle(cycleCtx)
		if idle <= 0 {
			continue
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// cycle handles at most one URL and returns how long to sleep afterwards.
func (w *Worker) cycle(ctx context.Context) time.Duration {
	res, err := w.scheduler.DequeueReady(ctx)
	if err != nil {
		w.logger.Error("dequeue failed", zap.Error(err))
		return w.cfg.PollInterval
	}
	if !res.Ready {
		return w.idleFor(res.Wait)
	}
	w.process(ctx, res.URL)
	return 0
}

func (w *Worker) idleFor(wait time.Duration) time.Duration {
	if wait <= 0 || wait > w.cfg.PollInterval {
		return w.cfg.PollInterval
	}
	return wait
}

func (w *Worker) process(ctx context.Context, rawURL string) {
	site := siteOf(rawURL)
	logger := w.logger.With(zap.String("url", rawURL))

	w.setState(StateFetching)
	out, err := w.fetcher.Fetch(ctx, rawURL, 0)
	if err != nil {
		logger.Error("fetch bookkeeping failed", zap.Error(err))
	}
	logger.Info("fetch done",
		zap.Stringer("outcome", out.Status),
		zap.Int("status", out.StatusCode),
		zap.Int("redirects", out.Redirects),
		zap.Duration("duration", out.Duration),
	)
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         rawURL,
		Outcome:     out.Status.String(),
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Bytes:       out.Bytes,
		Dur:         out.Duration,
	})

	if out.Succeeded() {
		file := filepath.Base(out.SavedPath)
		w.emit(progress.Event{
			Stage:       progress.StagePageSaved,
			Site:        site,
			URL:         out.FinalURL,
			File:        file,
			Bytes:       out.Bytes,
			Processable: out.Processable,
		})
		w.archiveFile(ctx, out.SavedPath)

		if out.Processable {
			w.setState(StateExtracting)
			n, err := w.extractor.Extract(ctx, out.SavedPath)
			if err != nil {
				logger.Warn("link extraction failed", zap.String("file", file), zap.Error(err))
			} else {
				logger.Debug("links extracted", zap.String("file", file), zap.Int("links", n))
				w.emit(progress.Event{
					Stage: progress.StageExtracted,
					Site:  site,
					URL:   out.FinalURL,
					File:  file,
					Links: int64(n),
				})
			}
		}
	}

	w.setState(StateRetiring)
	if err := w.scheduler.Retire(ctx, rawURL); err != nil {
		logger.Error("retire failed", zap.Error(err))
	}
}

func (w *Worker) archiveFile(ctx context.Context, path string) {
	if w.archive == nil {
		return
	}
	if err := w.copyToArchive(ctx, path); err != nil {
		w.logger.Warn("archive failed", zap.String("file", path), zap.Error(err))
	}
}

func (w *Worker) copyToArchive(ctx context.Context, path string) error {
	// #nosec G304 -- path is a data file the fetcher just saved.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := w.archive.PutObject(ctx, filepath.Base(path), "application/octet-stream", f)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	w.logger.Debug("data file archived", zap.String("uri", uri))
	return nil
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func siteOf(rawURL string) string {
	target, err := crawler.ParseTarget(rawURL)
	if err != nil {
		return "unknown"
	}
	return target.Host
}
