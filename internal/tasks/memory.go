// ABOUTME: In-process task queue for single-node deployments and tests
// ABOUTME: Buffered channels with drop-on-full semantics so enqueues never block a turn

package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/switchboard/internal/store"
)

// MemoryQueue dispatches jobs through buffered channels inside the process.
// Enqueue never blocks: when a consumer falls behind and the buffer fills,
// the job is dropped and counted, which matches the best-effort contract.
type MemoryQueue struct {
	analytics     chan *store.AnalyticsRecord
	notifications chan *NotificationJob
	done          chan struct{}
	logger        *slog.Logger

	mu        sync.Mutex
	closed    bool
	dropped   int
	consumers sync.WaitGroup
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		analytics:     make(chan *store.AnalyticsRecord, 256),
		notifications: make(chan *NotificationJob, 64),
		done:          make(chan struct{}),
		logger:        slog.Default().With("component", "tasks"),
	}
}

func (q *MemoryQueue) EnqueueAnalytics(_ context.Context, rec *store.AnalyticsRecord) error {
	select {
	case q.analytics <- rec:
	case <-q.done:
	default:
		q.countDrop("analytics")
	}
	return nil
}

func (q *MemoryQueue) EnqueueNotification(_ context.Context, job *NotificationJob) error {
	select {
	case q.notifications <- job:
	case <-q.done:
	default:
		q.countDrop("notifications")
	}
	return nil
}

func (q *MemoryQueue) countDrop(kind string) {
	q.mu.Lock()
	q.dropped++
	n := q.dropped
	q.mu.Unlock()
	q.logger.Warn("queue full, dropping job", "kind", kind, "total_dropped", n)
}

// Dropped returns how many jobs were discarded because a buffer was full.
func (q *MemoryQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *MemoryQueue) ConsumeAnalytics(handler func(*store.AnalyticsRecord)) error {
	q.consumers.Add(1)
	go func() {
		defer q.consumers.Done()
		for {
			select {
			case rec := <-q.analytics:
				handler(rec)
			case <-q.done:
				return
			}
		}
	}()
	return nil
}

func (q *MemoryQueue) ConsumeNotifications(handler func(*NotificationJob)) error {
	q.consumers.Add(1)
	go func() {
		defer q.consumers.Done()
		for {
			select {
			case job := <-q.notifications:
				handler(job)
			case <-q.done:
				return
			}
		}
	}()
	return nil
}

// Ping reports whether the queue still accepts jobs.
func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	return nil
}

// Close stops all consumer goroutines and waits for them to exit.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.consumers.Wait()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
