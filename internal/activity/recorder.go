// Package activity appends ActivityLogEntry records to the store, mirrors
// them onto a Kafka topic when one is configured, and computes the aggregate
// figures external dashboards read.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/pkg/retry"
)

// DefaultTopic is the Kafka topic activity entries are mirrored to.
const DefaultTopic = "relay.activity"

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPublisher mirrors each stored entry to topic.
func WithPublisher(p Publisher, topic string) Option {
	return func(r *Recorder) {
		r.pub = p
		if topic != "" {
			r.topic = topic
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock injects the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the single writer of the activity log.
type Recorder struct {
	store  store.Store
	pub    Publisher
	topic  string
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a Recorder over s.
func NewRecorder(s store.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  s,
		topic:  DefaultTopic,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record appends an entry. Store outages are retried briefly; an entry that
// still cannot be written is logged with its full content rather than lost
// silently. Publishing is best effort.
func (r *Recorder) Record(ctx context.Context, project, taskID string, typ domain.EventType, details map[string]any) {
	entry := &domain.ActivityLogEntry{
		Timestamp: r.now().UTC(),
		Project:   project,
		TaskID:    taskID,
		Type:      typ,
		Details:   details,
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		Retryable:   domain.IsRetryable,
	}, func() error {
		return r.store.AppendLog(ctx, entry)
	})
	if err != nil {
		r.logger.Error("activity entry not stored",
			slog.String("type", string(typ)),
			slog.String("project", project),
			slog.String("task_id", taskID),
			slog.Any("details", details),
			slog.String("error", err.Error()),
		)
		return
	}

	if r.pub == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("marshal activity entry", slog.String("error", err.Error()))
		return
	}
	key := project
	if key == "" {
		key = string(typ)
	}
	if err := r.pub.Publish(ctx, r.topic, key, payload); err != nil {
		r.logger.Warn("activity publish failed",
			slog.String("topic", r.topic),
			slog.Int64("seq", entry.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// List returns entries matching filter, newest first.
func (r *Recorder) List(ctx context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error) {
	return r.store.ListLog(ctx, filter)
}
