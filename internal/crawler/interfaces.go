package crawler

import (
	"context"
	"io"
	"time"
)

// VisitedURLStore persists VisitedURL records.
type VisitedURLStore interface {
	GetVisitedURL(ctx context.Context, url string) (VisitedURL, error)
	InsertVisitedURL(ctx context.Context, rec VisitedURL) (InsertResult, error)
	DeleteVisitedURL(ctx context.Context, url string) error
	ListVisitedURLs(ctx context.Context) ([]VisitedURL, error)
}

// VisitedHostStore persists VisitedHost records.
type VisitedHostStore interface {
	GetVisitedHost(ctx context.Context, host string) (VisitedHost, error)
	UpsertVisitedHost(ctx context.Context, rec VisitedHost) error
	DeleteVisitedHost(ctx context.Context, host string) error
	ListVisitedHosts(ctx context.Context) ([]VisitedHost, error)
}

// PendingURLStore persists the frontier.
type PendingURLStore interface {
	GetPendingURL(ctx context.Context, url string) (PendingURL, error)
	InsertPendingURL(ctx context.Context, rec PendingURL) (InsertResult, error)
	DeletePendingURL(ctx context.Context, url string) error
	// LatestPendingEligibleAt returns the greatest EligibleAt among pending
	// URLs for host, or ErrNotFound when the host has no backlog.
	LatestPendingEligibleAt(ctx context.Context, host string) (time.Time, error)
	// ListPendingByEligibleAt returns up to limit pending URLs ordered by
	// EligibleAt ascending.
	ListPendingByEligibleAt(ctx context.Context, limit int) ([]PendingURL, error)
	ListPendingURLs(ctx context.Context) ([]PendingURL, error)
}

// Store is the persistent store contract. Point lookups return ErrNotFound
// for missing keys; backend failures wrap ErrStoreUnavailable.
type Store interface {
	VisitedURLStore
	VisitedHostStore
	PendingURLStore
	// Counts returns the row count of each table.
	Counts(ctx context.Context) (TableCounts, error)
	// DropTables drops the named tables. They are recreated on the next open.
	DropTables(ctx context.Context, tables ...Table) error
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Enqueuer accepts discovered URLs into the frontier.
type Enqueuer interface {
	Enqueue(ctx context.Context, rawURL string) (EnqueueResult, error)
}

// Scheduler selects the next URL eligible for fetching.
type Scheduler interface {
	Enqueuer
	DequeueReady(ctx context.Context) (DequeueResult, error)
	Retire(ctx context.Context, rawURL string) error
}

// Fetcher retrieves a URL and materializes the response on disk.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, redirectDepth int) (FetchOutcome, error)
}

// Extractor offers the links found in a saved data file to the frontier.
type Extractor interface {
	Extract(ctx context.Context, savedPath string) (int, error)
}

// URLFilter decides whether a discovered URL may enter the frontier.
type URLFilter interface {
	Matches(rawURL string) bool
}

// BlobStore writes archived data files and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes crawl notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
