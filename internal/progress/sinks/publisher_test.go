package sinks

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/publisher/memory"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "evt-" + strconv.Itoa(g.n), nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

func TestPublisherSinkPublishesSavedPages(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "pages", &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	saved := time.Unix(1700000000, 0)
	batch := []progress.Event{
		{TS: saved, Stage: progress.StageFetchDone, Site: "a.test", Outcome: "succeeded"},
		{TS: saved, Stage: progress.StagePageSaved, Site: "a.test", URL: "https://a.test/", File: "000003.bin", Bytes: 42, Processable: true},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "pages", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(PageSavedMessage)
	require.True(t, ok)
	require.Equal(t, "evt-1", payload.ID)
	require.Equal(t, "000003.bin", payload.File)
	require.Equal(t, "https://a.test/", payload.URL)
	require.True(t, payload.Processable)
	require.Equal(t, saved.UTC(), payload.SavedAt)
}

func TestPublisherSinkReturnsErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewPublisherSink(failingPublisher{}, "pages", &seqIDs{}, nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StagePageSaved, File: "000000.bin"},
	})
	require.ErrorContains(t, err, "topic not found")

	_, err = NewPublisherSink(nil, "pages", &seqIDs{}, nil)
	require.Error(t, err)
}
