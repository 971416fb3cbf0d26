package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jexlab/jexagent/pkg/models"
)

// ring is a bounded circular buffer of progress items. Storage grows on
// demand up to the capacity, so idle tasks stay cheap.
type ring struct {
	capacity int
	items    []models.ProgressItem
	head     int
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

func (r *ring) append(item models.ProgressItem) {
	if len(r.items) < r.capacity {
		r.items = append(r.items, item)
		return
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
}

// ordered returns the items oldest-first.
func (r *ring) ordered() []models.ProgressItem {
	out := make([]models.ProgressItem, 0, len(r.items))
	out = append(out, r.items[r.head:]...)
	out = append(out, r.items[:r.head]...)
	return out
}

// MemoryBroker is the single-node broker: mutex-guarded sequence counters,
// in-memory ring buffers, and in-process pub/sub.
type MemoryBroker struct {
	reg *registry
	ttl time.Duration

	mu         sync.Mutex
	rings      map[string]*ring
	order      []string // task insertion order, for global-cap eviction
	sequences  map[string]int
	completion map[string]*models.CompletionEnvelope

	now func() float64
}

// NewMemoryBroker creates the in-process broker with the default
// completion TTL.
func NewMemoryBroker() *MemoryBroker {
	return NewMemoryBrokerTTL(CompletionTTL)
}

// NewMemoryBrokerTTL creates the in-process broker with a custom cleanup
// delay (tests shorten it).
func NewMemoryBrokerTTL(ttl time.Duration) *MemoryBroker {
	return &MemoryBroker{
		reg:        newRegistry(),
		ttl:        ttl,
		rings:      make(map[string]*ring),
		sequences:  make(map[string]int),
		completion: make(map[string]*models.CompletionEnvelope),
		now:        func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// EmitProgress implements Broker.
func (b *MemoryBroker) EmitProgress(_ context.Context, taskID, phase string, progress int, message string) {
	b.mu.Lock()
	seq := b.sequences[taskID]
	b.sequences[taskID] = seq + 1

	item := models.ProgressItem{
		SequenceID: seq,
		TaskID:     taskID,
		Phase:      phase,
		Progress:   progress,
		Message:    message,
		Timestamp:  b.now(),
	}

	buf, ok := b.rings[taskID]
	if !ok {
		b.evictIfNeededLocked()
		buf = newRing(RingCapacity)
		b.rings[taskID] = buf
		b.order = append(b.order, taskID)
	}
	buf.append(item)
	b.mu.Unlock()

	b.reg.dispatch(taskID, models.Event{Type: models.EventProgress, Progress: &item})
}

// evictIfNeededLocked drops the oldest 20% of task buffers when the global
// cap is reached.
func (b *MemoryBroker) evictIfNeededLocked() {
	if len(b.rings) < MaxTrackedTasks {
		return
	}
	evict := MaxTrackedTasks / 5
	slog.Warn("Progress buffer cap reached, evicting oldest tasks", "evicting", evict)
	for _, taskID := range b.order[:evict] {
		delete(b.rings, taskID)
		delete(b.sequences, taskID)
		delete(b.completion, taskID)
	}
	b.order = append([]string{}, b.order[evict:]...)
}

// EmitAIMessage implements Broker.
func (b *MemoryBroker) EmitAIMessage(_ context.Context, taskID, actor, content string) {
	b.reg.dispatch(taskID, models.Event{
		Type:    models.EventAIMessage,
		Message: &models.AIMessage{TaskID: taskID, Actor: actor, Content: content},
	})
}

// EmitError implements Broker.
func (b *MemoryBroker) EmitError(_ context.Context, taskID, errMsg string) {
	b.reg.dispatch(taskID, models.Event{Type: models.EventError, Error: errMsg})
}

// EmitComplete implements Broker.
func (b *MemoryBroker) EmitComplete(_ context.Context, taskID string, output *models.Document) {
	envelope := &models.CompletionEnvelope{TaskID: taskID, Output: output}

	b.mu.Lock()
	b.completion[taskID] = envelope
	b.mu.Unlock()

	b.reg.dispatch(taskID, models.Event{Type: models.EventComplete, Complete: envelope})

	time.AfterFunc(b.ttl, func() { b.cleanup(taskID) })
}

// cleanup evicts the completion envelope, ring buffer and sequence counter
// for a finished task.
func (b *MemoryBroker) cleanup(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.completion, taskID)
	delete(b.rings, taskID)
	delete(b.sequences, taskID)
	for i, id := range b.order {
		if id == taskID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// FullProgress implements Broker.
func (b *MemoryBroker) FullProgress(_ context.Context, taskID string) ([]models.ProgressItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.rings[taskID]
	if !ok {
		return nil, nil
	}
	return buf.ordered(), nil
}

// Subscribe implements Broker. A buffered completion envelope is replayed
// to the new subscriber immediately.
func (b *MemoryBroker) Subscribe(_ context.Context, taskID string, sink Sink) {
	b.reg.add(taskID, sink)

	b.mu.Lock()
	envelope := b.completion[taskID]
	b.mu.Unlock()

	if envelope != nil {
		if err := sink.Send(models.Event{Type: models.EventComplete, Complete: envelope}); err != nil {
			slog.Warn("Completion replay failed", "task_id", taskID, "error", err)
			b.reg.remove(taskID, sink)
		}
	}
}

// Unsubscribe implements Broker.
func (b *MemoryBroker) Unsubscribe(sink Sink) {
	b.reg.removeAll(sink)
}

// WaitForSubscriber implements Broker.
func (b *MemoryBroker) WaitForSubscriber(ctx context.Context, taskID string, timeout time.Duration) bool {
	return b.reg.wait(ctx, taskID, timeout)
}
