package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// PageSavedMessage is the payload published for every saved data file.
type PageSavedMessage struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	File        string    `json:"file"`
	Processable bool      `json:"processable"`
	Bytes       int64     `json:"bytes"`
	SavedAt     time.Time `json:"saved_at"`
}

// PublisherSink forwards PAGE_SAVED events to a crawler.Publisher.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher crawler.Publisher, topic string, ids crawler.IDGenerator, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, ids: ids, logger: logger}, nil
}

// Consume publishes one message per PAGE_SAVED event. Failures are joined
// and returned after the whole batch is attempted.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StagePageSaved {
			continue
		}
		id, err := s.ids.NewID()
		if err != nil {
			errs = append(errs, fmt.Errorf("generate message id: %w", err))
			continue
		}
		msg := PageSavedMessage{
			ID:          id,
			RunID:       evt.RunUUID().String(),
			URL:         evt.URL,
			Host:        evt.Site,
			File:        evt.File,
			Processable: evt.Processable,
			Bytes:       evt.Bytes,
			SavedAt:     evt.TS.UTC(),
		}
		serverID, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.File, err))
			continue
		}
		s.logger.Debug("published page saved", zap.String("file", evt.File), zap.String("message_id", serverID))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
