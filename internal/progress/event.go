package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported crawl stages.
const (
	StageCrawlStart Stage = "CRAWL_START"
	StageCrawlStop  Stage = "CRAWL_STOP"
	StageEnqueue    Stage = "URL_ENQUEUE"
	StageFetchDone  Stage = "FETCH_DONE"
	StagePageSaved  Stage = "PAGE_SAVED"
	StageExtracted  Stage = "LINKS_EXTRACTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single crawl milestone.
type Event struct {
	// RunID identifies the crawl process; the Hub stamps it when zero.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Site is the host the event concerns.
	Site string
	URL  string
	// File is the data file name for PAGE_SAVED and LINKS_EXTRACTED.
	File string
	// Outcome is the fetch status or enqueue result name.
	Outcome     string
	StatusClass StatusClass
	Bytes       int64
	Links       int64
	Processable bool
	Dur         time.Duration
	Note        string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlStop:
	case StageEnqueue:
		if e.Outcome == "" {
			return errors.New("enqueue requires outcome")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StagePageSaved, StageExtracted:
		if e.File == "" {
			return fmt.Errorf("%s requires file", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
