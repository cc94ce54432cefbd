// ABOUTME: NATS-backed task queue for multi-process deployments
// ABOUTME: JSON payloads on prefixed subjects with reconnect-tolerant options

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/switchboard/internal/store"
)

const (
	defaultSubjectPrefix = "switchboard"

	subjectAnalytics     = "analytics"
	subjectNotifications = "notifications"
)

// NATSQueue publishes jobs to a NATS broker. The broker decouples producers
// from consumers so a separate worker process can drain analytics and
// notification jobs.
type NATSQueue struct {
	conn   *nats.Conn
	prefix string
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewNATSQueue connects to the broker. Reconnects are retried in the
// background so a broker restart does not kill the process.
func NewNATSQueue(url, subjectPrefix string) (*NATSQueue, error) {
	logger := slog.Default().With("component", "tasks")
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSQueue{conn: nc, prefix: subjectPrefix, logger: logger}, nil
}

func (q *NATSQueue) subject(name string) string {
	return q.prefix + "." + name
}

func (q *NATSQueue) publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return q.conn.Publish(subject, payload)
}

func (q *NATSQueue) EnqueueAnalytics(_ context.Context, rec *store.AnalyticsRecord) error {
	return q.publish(q.subject(subjectAnalytics), rec)
}

func (q *NATSQueue) EnqueueNotification(_ context.Context, job *NotificationJob) error {
	return q.publish(q.subject(subjectNotifications), job)
}

func (q *NATSQueue) ConsumeAnalytics(handler func(*store.AnalyticsRecord)) error {
	return q.subscribe(q.subject(subjectAnalytics), func(data []byte) {
		var rec store.AnalyticsRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			q.logger.Warn("dropping malformed analytics job", "error", err)
			return
		}
		handler(&rec)
	})
}

func (q *NATSQueue) ConsumeNotifications(handler func(*NotificationJob)) error {
	return q.subscribe(q.subject(subjectNotifications), func(data []byte) {
		var job NotificationJob
		if err := json.Unmarshal(data, &job); err != nil {
			q.logger.Warn("dropping malformed notification job", "error", err)
			return
		}
		handler(&job)
	})
}

func (q *NATSQueue) subscribe(subject string, handler func(data []byte)) error {
	sub, err := q.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	q.subs = append(q.subs, sub)
	q.logger.Info("subscribed", "subject", subject)
	return nil
}

// Ping reports whether the broker connection is currently up.
func (q *NATSQueue) Ping(_ context.Context) error {
	if !q.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", q.conn.Status())
	}
	return nil
}

func (q *NATSQueue) Close() error {
	for _, sub := range q.subs {
		_ = sub.Unsubscribe()
	}
	q.conn.Close()
	return nil
}

var _ Queue = (*NATSQueue)(nil)
