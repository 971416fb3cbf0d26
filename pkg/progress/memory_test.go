package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/models"
)

// recordingSink collects delivered events; fail makes every send error.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	fail   bool
}

func (s *recordingSink) Send(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink broken")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event{}, s.events...)
}

func TestEmitProgressSequencesAndBuffers(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		broker.EmitProgress(ctx, "task-1", PhasePlanning, 20+i, fmt.Sprintf("step %d", i))
	}

	items, err := broker.FullProgress(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, items, 5)

	// Dense sequence starting at 0, ascending order.
	for i, item := range items {
		assert.Equal(t, i, item.SequenceID)
		assert.Equal(t, "task-1", item.TaskID)
	}
}

func TestRingBufferOverflowKeepsLast1000(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	for i := 0; i < 1500; i++ {
		broker.EmitProgress(ctx, "task-1", PhaseCollaboration, 50, "tick")
	}

	items, err := broker.FullProgress(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, items, RingCapacity)

	assert.Equal(t, 500, items[0].SequenceID)
	assert.Equal(t, 1499, items[len(items)-1].SequenceID)
	for i := 1; i < len(items); i++ {
		assert.Equal(t, items[i-1].SequenceID+1, items[i].SequenceID)
	}
}

func TestSubscriberReceivesOrderedEvents(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	sink := &recordingSink{}

	broker.Subscribe(ctx, "task-1", sink)
	for i := 0; i < 10; i++ {
		broker.EmitProgress(ctx, "task-1", PhasePlanning, 20, "tick")
	}

	events := sink.snapshot()
	require.Len(t, events, 10)
	for i, event := range events {
		require.Equal(t, models.EventProgress, event.Type)
		assert.Equal(t, i, event.Progress.SequenceID)
	}
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	good := &recordingSink{}
	bad := &recordingSink{fail: true}

	broker.Subscribe(ctx, "task-1", good)
	broker.Subscribe(ctx, "task-1", bad)

	// Must not panic or fail; bad sink dropped, good one keeps receiving.
	broker.EmitProgress(ctx, "task-1", PhasePlanning, 20, "one")
	broker.EmitProgress(ctx, "task-1", PhasePlanning, 25, "two")

	assert.Len(t, good.snapshot(), 2)

	broker.reg.mu.Lock()
	remaining := len(broker.reg.byTask["task-1"])
	broker.reg.mu.Unlock()
	assert.Equal(t, 1, remaining, "only the healthy subscriber remains")
}

func TestCompletionReplayForLateSubscriber(t *testing.T) {
	broker := NewMemoryBrokerTTL(200 * time.Millisecond)
	ctx := context.Background()

	output := &models.Document{ExecutiveSummary: &models.ExecutiveSummary{TLDR: "done"}}
	broker.EmitComplete(ctx, "task-1", output)

	// Joins within the TTL: gets the envelope immediately.
	late := &recordingSink{}
	broker.Subscribe(ctx, "task-1", late)
	events := late.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventComplete, events[0].Type)
	assert.Equal(t, "done", events[0].Complete.Output.ExecutiveSummary.TLDR)

	// After the TTL the envelope, ring and counter are evicted.
	assert.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		_, ok := broker.completion["task-1"]
		return !ok
	}, time.Second, 10*time.Millisecond)

	tooLate := &recordingSink{}
	broker.Subscribe(ctx, "task-1", tooLate)
	assert.Empty(t, tooLate.snapshot())
}

func TestCleanupResetsSequence(t *testing.T) {
	broker := NewMemoryBrokerTTL(50 * time.Millisecond)
	ctx := context.Background()

	broker.EmitProgress(ctx, "task-1", PhasePlanning, 20, "tick")
	broker.EmitComplete(ctx, "task-1", &models.Document{})

	assert.Eventually(t, func() bool {
		items, _ := broker.FullProgress(ctx, "task-1")
		return len(items) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGlobalCapEvictsOldestTasks(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	for i := 0; i < MaxTrackedTasks; i++ {
		broker.EmitProgress(ctx, fmt.Sprintf("task-%d", i), PhasePlanning, 20, "tick")
	}
	// The next new task triggers eviction of the oldest 20%.
	broker.EmitProgress(ctx, "task-new", PhasePlanning, 20, "tick")

	items, err := broker.FullProgress(ctx, "task-0")
	require.NoError(t, err)
	assert.Empty(t, items, "oldest task buffer must be evicted")

	items, err = broker.FullProgress(ctx, "task-new")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.LessOrEqual(t, len(broker.rings), MaxTrackedTasks-MaxTrackedTasks/5+1)
}

func TestWaitForSubscriber(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	// Times out with nobody listening.
	start := time.Now()
	assert.False(t, broker.WaitForSubscriber(ctx, "task-1", 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Returns immediately when already subscribed.
	broker.Subscribe(ctx, "task-1", &recordingSink{})
	assert.True(t, broker.WaitForSubscriber(ctx, "task-1", time.Second))

	// Wakes when a subscriber arrives mid-wait.
	done := make(chan bool, 1)
	go func() {
		done <- broker.WaitForSubscriber(ctx, "task-2", 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	broker.Subscribe(ctx, "task-2", &recordingSink{})
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake on subscribe")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	sink := &recordingSink{}

	broker.Subscribe(ctx, "task-1", sink)
	broker.Subscribe(ctx, "task-2", sink)
	broker.Unsubscribe(sink)

	broker.EmitProgress(ctx, "task-1", PhasePlanning, 20, "tick")
	broker.EmitAIMessage(ctx, "task-2", "Kimi", "hello")
	assert.Empty(t, sink.snapshot())
}

func TestEmitAIMessageAndErrorNotBuffered(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	sink := &recordingSink{}
	broker.Subscribe(ctx, "task-1", sink)

	broker.EmitAIMessage(ctx, "task-1", "Kimi", "partial thought")
	broker.EmitError(ctx, "task-1", "boom")

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventAIMessage, events[0].Type)
	assert.Equal(t, "Kimi", events[0].Message.Actor)
	assert.Equal(t, models.EventError, events[1].Type)
	assert.Equal(t, "boom", events[1].Error)

	// Transient events never reach the replay buffer.
	items, err := broker.FullProgress(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConcurrentEmitsKeepSequenceDense(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				broker.EmitProgress(ctx, "task-1", PhaseCollaboration, 50, "tick")
			}
		}()
	}
	wg.Wait()

	items, err := broker.FullProgress(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, items, 500)

	seen := make(map[int]bool, 500)
	for _, item := range items {
		assert.False(t, seen[item.SequenceID], "duplicate sequence id %d", item.SequenceID)
		seen[item.SequenceID] = true
	}
	for i := 0; i < 500; i++ {
		assert.True(t, seen[i], "missing sequence id %d", i)
	}
}
