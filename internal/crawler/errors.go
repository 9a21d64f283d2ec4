package crawler

import "errors"

var (
	// ErrStoreUnavailable wraps backend failures (connection loss, missing tables).
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound signals a missing record on point lookups.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidURL is returned for unparsable or non-absolute URLs.
	ErrInvalidURL = errors.New("invalid url")
	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrURLTooLong is returned when a URL exceeds MaxURLLength.
	ErrURLTooLong = errors.New("url exceeds maximum length")
	// ErrHostTooLong is returned when a host exceeds MaxHostLength.
	ErrHostTooLong = errors.New("host exceeds maximum length")
	// ErrUnknownTable is returned for table names outside AllTables.
	ErrUnknownTable = errors.New("unknown table")
)
