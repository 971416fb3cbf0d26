package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jexlab/jexagent/pkg/models"
)

// Fan-out bounds.
const (
	// RingCapacity bounds the per-task progress replay buffer.
	RingCapacity = 1000
	// MaxTrackedTasks bounds the number of tasks with live buffers; on
	// overflow the oldest 20% are evicted.
	MaxTrackedTasks = 10000
	// CompletionTTL is how long the completion envelope, ring buffer and
	// sequence counter survive after completion.
	CompletionTTL = 300 * time.Second
)

// Sink receives events for a subscribed task. Implementations must be
// comparable (pointers); a failing sink is logged and removed.
type Sink interface {
	Send(event models.Event) error
}

// Broker is the progress fan-out abstraction. Two implementations exist:
// in-process (mutex-guarded counters and ring buffers) and Redis-backed
// (atomic counters, capped lists) for multi-process deployments.
type Broker interface {
	// EmitProgress allocates the next sequence id, buffers the item, and
	// dispatches it. Never fails; subscriber errors only drop that
	// subscriber.
	EmitProgress(ctx context.Context, taskID, phase string, progress int, message string)
	// EmitAIMessage dispatches a transient actor message (not sequenced,
	// not buffered).
	EmitAIMessage(ctx context.Context, taskID, actor, content string)
	// EmitError dispatches a transient error event.
	EmitError(ctx context.Context, taskID, errMsg string)
	// EmitComplete buffers the completion envelope for late subscribers,
	// dispatches it, and schedules delayed cleanup of all per-task state.
	EmitComplete(ctx context.Context, taskID string, output *models.Document)
	// FullProgress returns the buffered progress items in ascending
	// sequence order.
	FullProgress(ctx context.Context, taskID string) ([]models.ProgressItem, error)
	// Subscribe registers a sink for a task; a buffered completion
	// envelope is replayed immediately.
	Subscribe(ctx context.Context, taskID string, sink Sink)
	// Unsubscribe removes a sink from every task it joined.
	Unsubscribe(sink Sink)
	// WaitForSubscriber blocks until the task has at least one subscriber
	// or the timeout elapses. Event-backed, not polling.
	WaitForSubscriber(ctx context.Context, taskID string, timeout time.Duration) bool
}

// registry tracks subscribers per task with a reverse index so a
// disconnecting sink cleans up in O(its subscriptions). Shared by both
// broker implementations.
type registry struct {
	mu      sync.Mutex
	byTask  map[string]map[Sink]struct{}
	bySink  map[Sink]map[string]struct{}
	waiters map[string]chan struct{}
}

func newRegistry() *registry {
	return &registry{
		byTask:  make(map[string]map[Sink]struct{}),
		bySink:  make(map[Sink]map[string]struct{}),
		waiters: make(map[string]chan struct{}),
	}
}

func (r *registry) add(taskID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTask[taskID] == nil {
		r.byTask[taskID] = make(map[Sink]struct{})
	}
	r.byTask[taskID][sink] = struct{}{}
	if r.bySink[sink] == nil {
		r.bySink[sink] = make(map[string]struct{})
	}
	r.bySink[sink][taskID] = struct{}{}

	// Wake any background routine waiting for the first subscriber.
	if ch, ok := r.waiters[taskID]; ok {
		close(ch)
		delete(r.waiters, taskID)
	}
}

func (r *registry) remove(taskID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(taskID, sink)
}

func (r *registry) removeLocked(taskID string, sink Sink) {
	if sinks, ok := r.byTask[taskID]; ok {
		delete(sinks, sink)
		if len(sinks) == 0 {
			delete(r.byTask, taskID)
		}
	}
	if tasks, ok := r.bySink[sink]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(r.bySink, sink)
		}
	}
}

func (r *registry) removeAll(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.bySink[sink] {
		r.removeLocked(taskID, sink)
	}
}

// snapshot returns the current sinks for a task without holding the lock
// during dispatch.
func (r *registry) snapshot(taskID string) []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	sinks := make([]Sink, 0, len(r.byTask[taskID]))
	for sink := range r.byTask[taskID] {
		sinks = append(sinks, sink)
	}
	return sinks
}

func (r *registry) hasSubscribers(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTask[taskID]) > 0
}

// dispatch sends an event to every subscriber of the task in sequence-id
// order per subscriber. Failing sinks are removed; dispatch never fails.
func (r *registry) dispatch(taskID string, event models.Event) {
	for _, sink := range r.snapshot(taskID) {
		if err := sink.Send(event); err != nil {
			slog.Warn("Subscriber send failed, removing subscriber",
				"task_id", taskID, "event", event.Type, "error", err)
			r.removeAll(sink)
		}
	}
}

// wait blocks until the task gains a subscriber, the timeout elapses, or
// the context is cancelled.
func (r *registry) wait(ctx context.Context, taskID string, timeout time.Duration) bool {
	r.mu.Lock()
	if len(r.byTask[taskID]) > 0 {
		r.mu.Unlock()
		return true
	}
	ch, ok := r.waiters[taskID]
	if !ok {
		ch = make(chan struct{})
		r.waiters[taskID] = ch
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
