package crawler

import (
	"time"
)

// NoFilename marks a VisitedURL whose response body was not retained.
const NoFilename = "-"

// NoServer is recorded when a 2xx response carries no Server header.
const NoServer = "-"

// VisitedURL records a URL whose fetch attempt reached a terminal outcome.
type VisitedURL struct {
	URL       string    `json:"url"`
	VisitedAt time.Time `json:"visited_at"`
	Filename  string    `json:"filename"`
}

// VisitedHost tracks the most recent visit to a host.
type VisitedHost struct {
	Host          string    `json:"host"`
	LastVisitedAt time.Time `json:"last_visited_at"`
	// Server is nil when the visit did not retain a Server header (redirects).
	Server *string `json:"server,omitempty"`
}

// PendingURL is a frontier entry waiting for its eligible time.
type PendingURL struct {
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	EligibleAt time.Time `json:"eligible_at"`
}

// InsertResult is the typed outcome of a uniqueness-enforcing insert.
type InsertResult int

// Insert outcomes reported by Store implementations.
const (
	Inserted InsertResult = iota
	AlreadyExists
)

// String implements fmt.Stringer.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// EnqueueResult reports what the scheduler did with an offered URL.
type EnqueueResult int

// Enqueue outcomes.
const (
	Added EnqueueResult = iota
	AlreadyVisited
	AlreadyPending
	Rejected
)

// String implements fmt.Stringer.
func (r EnqueueResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyVisited:
		return "already_visited"
	case AlreadyPending:
		return "already_pending"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DequeueResult is returned by the scheduler when asked for work.
// When Ready is false, Wait is the time until the earliest pending URL becomes
// eligible, or zero when the frontier is empty.
type DequeueResult struct {
	URL   string
	Ready bool
	Wait  time.Duration
}

// FetchStatus classifies a fetch attempt.
type FetchStatus int

// Fetch statuses.
const (
	FetchSucceeded FetchStatus = iota
	FetchNotProcessable
	FetchNetworkError
	FetchRejected
)

// String implements fmt.Stringer.
func (s FetchStatus) String() string {
	switch s {
	case FetchSucceeded:
		return "succeeded"
	case FetchNotProcessable:
		return "not_processable"
	case FetchNetworkError:
		return "network_error"
	case FetchRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FetchOutcome is the explicit result of Fetcher.Fetch.
type FetchOutcome struct {
	Status FetchStatus
	// Processable is true when the saved response is HTML worth extracting.
	Processable bool
	// SavedPath is the final data file path; empty unless Status is FetchSucceeded.
	SavedPath string
	// FinalURL is the URL that produced the outcome after redirects.
	FinalURL   string
	StatusCode int
	Bytes      int64
	Redirects  int
	Duration   time.Duration
}

// Succeeded reports whether a data file was saved.
func (o FetchOutcome) Succeeded() bool {
	return o.Status == FetchSucceeded
}

// Table names a persistent frontier table.
type Table string

// Tables managed by a Store.
const (
	TableVisitedURLs  Table = "visited_urls"
	TableVisitedHosts Table = "visited_hosts"
	TablePendingURLs  Table = "urls_to_visit"
)

// AllTables lists every table in creation order.
func AllTables() []Table {
	return []Table{TableVisitedURLs, TableVisitedHosts, TablePendingURLs}
}

// TableCounts holds row counts for each table.
type TableCounts struct {
	VisitedURLs  int64 `json:"visited_urls"`
	VisitedHosts int64 `json:"visited_hosts"`
	PendingURLs  int64 `json:"urls_to_visit"`
}
