package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kinorez/stagehand/pkg/log"
)

// Queue and channel names shared with the bot worker
const (
	TaskQueueKey    = "task_queue"
	ResultsQueueKey = "results_queue"
	ResultsChannel  = "task_results"

	taskStatePrefix = "task_state:"
)

// ErrQueueEmpty is returned by DequeueTask when the blocking pop times
// out without a task
var ErrQueueEmpty = errors.New("store: task queue empty")

// Task is one unit of work handed from the bot to the processing worker
type Task struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Type      string            `json:"type"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskQueue is the cache and hand-off adapter backed by Redis. It
// carries the task queue, per-task state keys and the result pub/sub
// channel between the bot and its worker.
type TaskQueue struct {
	client *redis.Client
}

// NewTaskQueue creates the adapter. The connection is verified lazily
// via Ping; health gating makes sure the backend is up before use.
func NewTaskQueue(addr, password string, db int) *TaskQueue {
	return &TaskQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies connectivity
func (q *TaskQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// EnqueueTask assigns the task an ID if it has none and pushes it onto
// the work queue. Workers consume from the opposite end, so ordering is
// FIFO.
func (q *TaskQueue) EnqueueTask(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("store: marshal task: %w", err)
	}

	if err := q.client.LPush(ctx, TaskQueueKey, payload).Err(); err != nil {
		return "", fmt.Errorf("store: enqueue task: %w", err)
	}

	log.WithComponent("store").Debug().Str("task_id", task.ID).Str("type", task.Type).Msg("task enqueued")
	return task.ID, nil
}

// DequeueTask blocks up to timeout for the next task
func (q *TaskQueue) DequeueTask(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, TaskQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("store: dequeue task: %w", err)
	}

	// BRPop returns [key, value]
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("store: decode task: %w", err)
	}
	return &task, nil
}

// SetTaskState records per-task progress under its own key with a TTL
// so abandoned tasks do not accumulate
func (q *TaskQueue) SetTaskState(ctx context.Context, taskID, state string, ttl time.Duration) error {
	return q.client.Set(ctx, taskStatePrefix+taskID, state, ttl).Err()
}

// GetTaskState returns the recorded state, or "" when unknown
func (q *TaskQueue) GetTaskState(ctx context.Context, taskID string) (string, error) {
	state, err := q.client.Get(ctx, taskStatePrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}

// PublishResult pushes a completed result and notifies subscribers
func (q *TaskQueue) PublishResult(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, ResultsQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("store: push result: %w", err)
	}
	return q.client.Publish(ctx, ResultsChannel, payload).Err()
}

// SubscribeResults returns a channel of raw result payloads. Cancel the
// context to stop; the channel is closed on exit.
func (q *TaskQueue) SubscribeResults(ctx context.Context) <-chan []byte {
	sub := q.client.Subscribe(ctx, ResultsChannel)
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()

	return out
}

// Close releases the client
func (q *TaskQueue) Close() error {
	return q.client.Close()
}
