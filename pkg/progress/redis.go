package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jexlab/jexagent/pkg/models"
)

// RedisBroker is the distributed broker: sequence counters via INCR,
// progress rings via capped lists, and completion envelopes with a TTL.
// Subscriber dispatch stays in-process; any replica can serve the replay
// surfaces because they live in Redis.
type RedisBroker struct {
	rdb *redis.Client
	reg *registry
	ttl time.Duration
}

// NewRedisBroker creates the Redis-backed broker with the default
// completion TTL.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, reg: newRegistry(), ttl: CompletionTTL}
}

func seqKey(taskID string) string      { return "seq:" + taskID }
func progressKey(taskID string) string { return "progress:" + taskID }
func completeKey(taskID string) string { return "complete:" + taskID }

// EmitProgress implements Broker. The sequence id comes from INCR, so the
// per-task sequence starts at 1 and is gap-free across replicas.
func (b *RedisBroker) EmitProgress(ctx context.Context, taskID, phase string, progress int, message string) {
	seq, err := b.rdb.Incr(ctx, seqKey(taskID)).Result()
	if err != nil {
		slog.Warn("Sequence INCR failed, skipping progress buffer",
			"task_id", taskID, "error", err)
		return
	}

	item := models.ProgressItem{
		SequenceID: int(seq),
		TaskID:     taskID,
		Phase:      phase,
		Progress:   progress,
		Message:    message,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}

	payload, err := json.Marshal(item)
	if err == nil {
		pipe := b.rdb.Pipeline()
		pipe.RPush(ctx, progressKey(taskID), payload)
		pipe.LTrim(ctx, progressKey(taskID), -RingCapacity, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("Progress buffer push failed", "task_id", taskID, "error", err)
		}
	}

	b.reg.dispatch(taskID, models.Event{Type: models.EventProgress, Progress: &item})
}

// EmitAIMessage implements Broker.
func (b *RedisBroker) EmitAIMessage(_ context.Context, taskID, actor, content string) {
	b.reg.dispatch(taskID, models.Event{
		Type:    models.EventAIMessage,
		Message: &models.AIMessage{TaskID: taskID, Actor: actor, Content: content},
	})
}

// EmitError implements Broker.
func (b *RedisBroker) EmitError(_ context.Context, taskID, errMsg string) {
	b.reg.dispatch(taskID, models.Event{Type: models.EventError, Error: errMsg})
}

// EmitComplete implements Broker. The envelope gets a natural TTL; the ring
// and counter expire on the same schedule.
func (b *RedisBroker) EmitComplete(ctx context.Context, taskID string, output *models.Document) {
	envelope := &models.CompletionEnvelope{TaskID: taskID, Output: output}

	if payload, err := json.Marshal(envelope); err == nil {
		if err := b.rdb.Set(ctx, completeKey(taskID), payload, b.ttl).Err(); err != nil {
			slog.Warn("Completion cache write failed", "task_id", taskID, "error", err)
		}
	}
	if err := b.rdb.Expire(ctx, progressKey(taskID), b.ttl).Err(); err != nil {
		slog.Warn("Progress buffer expire failed", "task_id", taskID, "error", err)
	}
	if err := b.rdb.Expire(ctx, seqKey(taskID), b.ttl).Err(); err != nil {
		slog.Warn("Sequence counter expire failed", "task_id", taskID, "error", err)
	}

	b.reg.dispatch(taskID, models.Event{Type: models.EventComplete, Complete: envelope})
}

// FullProgress implements Broker.
func (b *RedisBroker) FullProgress(ctx context.Context, taskID string) ([]models.ProgressItem, error) {
	raw, err := b.rdb.LRange(ctx, progressKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading progress list: %w", err)
	}
	items := make([]models.ProgressItem, 0, len(raw))
	for _, entry := range raw {
		var item models.ProgressItem
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Subscribe implements Broker, replaying a cached completion envelope.
func (b *RedisBroker) Subscribe(ctx context.Context, taskID string, sink Sink) {
	b.reg.add(taskID, sink)

	payload, err := b.rdb.Get(ctx, completeKey(taskID)).Bytes()
	if err != nil {
		return
	}
	var envelope models.CompletionEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	if err := sink.Send(models.Event{Type: models.EventComplete, Complete: &envelope}); err != nil {
		slog.Warn("Completion replay failed", "task_id", taskID, "error", err)
		b.reg.remove(taskID, sink)
	}
}

// Unsubscribe implements Broker.
func (b *RedisBroker) Unsubscribe(sink Sink) {
	b.reg.removeAll(sink)
}

// WaitForSubscriber implements Broker.
func (b *RedisBroker) WaitForSubscriber(ctx context.Context, taskID string, timeout time.Duration) bool {
	return b.reg.wait(ctx, taskID, timeout)
}
