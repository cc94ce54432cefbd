// ABOUTME: Background worker draining the task queue into the store and notifiers
// ABOUTME: Tolerates redelivered jobs by relying on record-ID dedup at insert time

package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Worker consumes queued jobs. Analytics records land in the store, where
// the ID-keyed insert swallows redeliveries; notification jobs go to the
// configured Notifier with a bounded delivery timeout.
type Worker struct {
	store    store.Store
	queue    Queue
	notifier Notifier
	logger   *slog.Logger
}

func NewWorker(st store.Store, queue Queue, notifier Notifier) *Worker {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &Worker{
		store:    st,
		queue:    queue,
		notifier: notifier,
		logger:   slog.Default().With("component", "worker"),
	}
}

// Start registers the consumers. They run until the queue is closed.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.ConsumeAnalytics(func(rec *store.AnalyticsRecord) {
		w.handleAnalytics(ctx, rec)
	}); err != nil {
		return err
	}
	if err := w.queue.ConsumeNotifications(func(job *NotificationJob) {
		w.handleNotification(ctx, job)
	}); err != nil {
		return err
	}

	w.logger.Info("task worker started")
	return nil
}

func (w *Worker) handleAnalytics(ctx context.Context, rec *store.AnalyticsRecord) {
	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	inserted, err := w.store.InsertAnalyticsRecord(insertCtx, rec)
	if err != nil {
		w.logger.Error("failed to store analytics record", "metric", rec.Metric, "error", err)
		return
	}
	if !inserted {
		w.logger.Debug("skipped redelivered analytics record", "id", rec.ID)
	}
}

func (w *Worker) handleNotification(ctx context.Context, job *NotificationJob) {
	notifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := w.notifier.Notify(notifyCtx, job); err != nil {
		w.logger.Error("failed to deliver escalation notification",
			"conversation_id", job.ConversationID, "error", err)
	}
}
