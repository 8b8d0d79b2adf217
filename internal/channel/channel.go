// Package channel implements the file protocol between the relay and the
// external agent. Each project has a communication directory holding one
// task record, one status record, and optionally one cancel marker per task.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// DefaultDir is the communication directory name inside a project.
const DefaultDir = ".relay"

// File kinds recognised by ParseFileName.
const (
	KindTask   = "task"
	KindStatus = "status"
	KindCancel = "cancel"
)

// StatusEvent is one observation of a task's status file, produced by the
// watcher and consumed by the scheduler. Exactly one of Record and Err is set.
type StatusEvent struct {
	Project    string
	TaskID     string
	Record     *StatusRecord
	Err        error
	ObservedAt time.Time
}

// Violation is a status file that stayed unreadable past the grace period.
type Violation struct {
	Project string
	TaskID  string
	Reason  string
	Since   time.Time
}

type badKey struct {
	project string
	taskID  string
}

type badState struct {
	since  time.Time
	reason string
}

// Option configures a FileChannel.
type Option func(*FileChannel)

// WithDir overrides the communication directory name.
func WithDir(name string) Option {
	return func(c *FileChannel) {
		if name != "" {
			c.dir = name
		}
	}
}

// WithGrace sets how long a status file may stay unparseable before it
// counts as a protocol violation.
func WithGrace(d time.Duration) Option {
	return func(c *FileChannel) { c.grace = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *FileChannel) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *FileChannel) { c.logger = l }
}

// FileChannel reads and writes communication files. It is safe for
// concurrent use.
type FileChannel struct {
	dir    string
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu  sync.Mutex
	bad map[badKey]badState
}

// New creates a FileChannel.
func New(opts ...Option) *FileChannel {
	c := &FileChannel{
		dir:    DefaultDir,
		grace:  10 * time.Second,
		now:    time.Now,
		logger: slog.Default(),
		bad:    make(map[badKey]badState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dir returns the communication directory for a project.
func (c *FileChannel) Dir(project string) string {
	return filepath.Join(project, c.dir)
}

// TaskPath returns the task record path.
func (c *FileChannel) TaskPath(project, id string) string {
	return filepath.Join(c.Dir(project), KindTask+"_"+id+".json")
}

// StatusPath returns the status record path.
func (c *FileChannel) StatusPath(project, id string) string {
	return filepath.Join(c.Dir(project), KindStatus+"_"+id+".json")
}

// CancelPath returns the cancel marker path.
func (c *FileChannel) CancelPath(project, id string) string {
	return filepath.Join(c.Dir(project), KindCancel+"_"+id+".json")
}

// ParseFileName splits a communication file name into its kind and task id.
// Temporary files and anything else are rejected.
func ParseFileName(name string) (kind, id string, ok bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return "", "", false
	}
	stem := strings.TrimSuffix(base, ".json")
	for _, k := range []string{KindTask, KindStatus, KindCancel} {
		if rest, found := strings.CutPrefix(stem, k+"_"); found && rest != "" {
			return k, rest, true
		}
	}
	return "", "", false
}

// WriteTask publishes the task record and resets the status record to
// pending for the record's attempt. Both writes are atomic.
func (c *FileChannel) WriteTask(ctx context.Context, rec TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := c.Dir(rec.ProjectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create comm dir %s: %w", dir, err)
	}
	if err := writeJSON(c.TaskPath(rec.ProjectPath, rec.TaskID), rec); err != nil {
		return fmt.Errorf("write task record %s: %w", rec.TaskID, err)
	}
	initial := StatusRecord{
		TaskID:    rec.TaskID,
		Attempt:   rec.Attempt,
		Status:    StatusPending,
		Message:   "queued for agent",
		UpdatedAt: c.now().UTC(),
	}
	if err := writeJSON(c.StatusPath(rec.ProjectPath, rec.TaskID), initial); err != nil {
		return fmt.Errorf("write status record %s: %w", rec.TaskID, err)
	}
	c.Forget(rec.ProjectPath, rec.TaskID)
	return nil
}

// WriteCancel drops a cancel marker for the agent.
func (c *FileChannel) WriteCancel(ctx context.Context, project, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := c.Dir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create comm dir %s: %w", dir, err)
	}
	rec := CancelRecord{TaskID: id, Reason: reason, RequestedAt: c.now().UTC()}
	if err := writeJSON(c.CancelPath(project, id), rec); err != nil {
		return fmt.Errorf("write cancel marker %s: %w", id, err)
	}
	return nil
}

// ReadStatus reads and validates a task's status record.
//
// It returns (nil, nil) when there is no new information: the file is
// missing, or its content is incomplete or invalid and still within the
// grace period. Once bad content outlives the grace period it returns a
// *domain.ProtocolError.
func (c *FileChannel) ReadStatus(project, id string) (*StatusRecord, error) {
	data, err := os.ReadFile(c.StatusPath(project, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status record %s: %w", id, err)
	}

	rec, perr := ParseStatus(data, id)
	if perr == nil {
		c.Forget(project, id)
		return rec, nil
	}
	return nil, c.markBad(project, id, perr)
}

func (c *FileChannel) markBad(project, id string, cause error) error {
	now := c.now()
	key := badKey{project: project, taskID: id}

	c.mu.Lock()
	st, seen := c.bad[key]
	if !seen {
		st = badState{since: now}
	}
	st.reason = cause.Error()
	c.bad[key] = st
	c.mu.Unlock()

	if now.Sub(st.since) >= c.grace {
		return &domain.ProtocolError{TaskID: id, Reason: st.reason}
	}
	if !seen {
		c.logger.Debug("status record not readable yet",
			slog.String("project", project),
			slog.String("task_id", id),
			slog.String("error", cause.Error()),
		)
	}
	return nil
}

// Violations returns every status file that has been unreadable for at least
// the grace period as of now. Reported entries are forgotten.
func (c *FileChannel) Violations(now time.Time) []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Violation
	for k, st := range c.bad {
		if now.Sub(st.since) >= c.grace {
			out = append(out, Violation{Project: k.project, TaskID: k.taskID, Reason: st.reason, Since: st.since})
			delete(c.bad, k)
		}
	}
	return out
}

// Forget drops any grace-period tracking for a task.
func (c *FileChannel) Forget(project, id string) {
	c.mu.Lock()
	delete(c.bad, badKey{project: project, taskID: id})
	c.mu.Unlock()
}

// writeJSON replaces path atomically: readers see either the old content or
// the complete new content.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
