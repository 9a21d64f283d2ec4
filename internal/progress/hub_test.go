package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		FlushInterval:  time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCrawlStart))
	hub.Emit(sampleEvent(StageFetchDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		MaxBatchEvents: 10,
		FlushInterval:  20 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCrawlStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubStampsRunIDAndDropsInvalid(t *testing.T) {
	t.Parallel()

	runID := UUIDToBytes(uuid.New())
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, FlushInterval: time.Minute, RunID: runID}, sink)

	hub.Emit(Event{TS: time.Now(), Stage: StageCrawlStart})
	hub.Emit(Event{TS: time.Now(), Stage: StageFetchDone})
	hub.Emit(Event{Stage: StageCrawlStop})

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, runID, batches[0][0].RunID)
	require.True(t, sink.closed)
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageCrawlStart))
	require.Empty(t, sink.Batches())
}

func TestHubEmitDoesNotBlockWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageCrawlStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(0), hub.dropped.Load())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, Event{TS: now, Stage: StageEnqueue, Outcome: "added"}.Validate())
	require.Error(t, Event{TS: now, Stage: StageEnqueue}.Validate())
	require.Error(t, Event{TS: now, Stage: StagePageSaved}.Validate())
	require.Error(t, Event{TS: now, Stage: Stage("BOGUS")}.Validate())
	require.Error(t, Event{TS: now, Stage: StageCrawlStart, Dur: -time.Second}.Validate())
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		TS:    time.Now(),
		Stage: stage,
		Site:  "example.com",
	}
	if stage == StageFetchDone {
		evt.Outcome = "succeeded"
		evt.StatusClass = Status2xx
	}
	return evt
}
