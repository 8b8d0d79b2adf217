package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/channel"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// ErrNotWatching is returned by Stop for a project without an active watch.
var ErrNotWatching = errors.New("project is not being watched")

// StatusReader is the part of the communication channel the watcher needs.
type StatusReader interface {
	Dir(project string) string
	ReadStatus(project, id string) (*channel.StatusRecord, error)
}

// Handler consumes status events. Calls for one project are serialised.
type Handler func(ctx context.Context, ev channel.StatusEvent)

// Recorder receives watch lifecycle activity.
type Recorder interface {
	Record(ctx context.Context, project, taskID string, typ domain.EventType, details map[string]any)
}

// WatchInfo describes one active watch.
type WatchInfo struct {
	Project   string    `json:"project"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
	Events    int64     `json:"events"`
}

type watch struct {
	info   WatchInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDebounce sets the coalescing window for bursts of writes to one file.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) { m.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder sets the activity recorder for watch lifecycle events.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock injects the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs one independent watch per project. A failing watch ends on
// its own and never affects the others.
type Manager struct {
	source   Source
	reader   StatusReader
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
}

// NewManager creates a Manager. Watches live until Stop, StopAll, or the
// watch's directory disappears.
func NewManager(source Source, reader StatusReader, handler Handler, opts ...Option) *Manager {
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:     source,
		reader:     reader,
		handler:    handler,
		debounce:   150 * time.Millisecond,
		logger:     slog.Default(),
		now:        time.Now,
		root:       root,
		rootCancel: cancel,
		watches:    make(map[string]*watch),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins watching a project's communication directory, creating it if
// needed. Starting an already watched project is a no-op. Project paths are
// cleaned, so "/a/b/" and "/a/b" name the same watch.
func (m *Manager) Start(project string) error {
	project = filepath.Clean(project)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[project]; ok {
		return nil
	}
	if m.root.Err() != nil {
		return errors.New("watch manager stopped")
	}
	dir := m.reader.Dir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(m.root)
	w := &watch{
		info:   WatchInfo{Project: project, Dir: dir, StartedAt: m.now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watches[project] = w
	telemetry.WatchesActive.Inc()

	go m.run(ctx, w)

	m.logger.Info("watch started", slog.String("project", project), slog.String("dir", dir))
	m.record(project, domain.EventWatchStarted, map[string]any{"dir": dir})
	return nil
}

// Stop ends the watch for a project and waits for its goroutines to exit.
func (m *Manager) Stop(project string) error {
	m.mu.Lock()
	w, ok := m.watches[filepath.Clean(project)]
	m.mu.Unlock()
	if !ok {
		return ErrNotWatching
	}
	w.cancel()
	<-w.done
	return nil
}

// StopAll ends every watch. The Manager cannot be restarted.
func (m *Manager) StopAll() {
	m.rootCancel()
	m.mu.Lock()
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()
	for _, w := range watches {
		<-w.done
	}
}

// Watching lists active watches ordered by project path.
func (m *Manager) Watching() []WatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WatchInfo, 0, len(m.watches))
	for _, w := range m.watches {
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}

// IsWatching reports whether project has an active watch.
func (m *Manager) IsWatching(project string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[filepath.Clean(project)]
	return ok
}

func (m *Manager) run(ctx context.Context, w *watch) {
	project := w.info.Project
	logger := m.logger.With(slog.String("project", project))

	// Debounced task ids flow through one delivery goroutine per project,
	// which keeps per-task events in observation order.
	pending := make(chan string, 64)
	deb := newDebouncer(m.debounce, func(id string) {
		select {
		case pending <- id:
		case <-ctx.Done():
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-pending:
				m.deliver(ctx, w, id)
			}
		}
	}()

	err := m.source.Run(ctx, w.info.Dir, func(path string) {
		kind, id, ok := channel.ParseFileName(path)
		if !ok || kind != channel.KindStatus {
			return
		}
		deb.Trigger(id)
	})

	deb.Stop()
	if err == nil && ctx.Err() == nil {
		err = errors.New("source ended unexpectedly")
	}
	w.cancel()
	wg.Wait()

	m.mu.Lock()
	if m.watches[project] == w {
		delete(m.watches, project)
	}
	m.mu.Unlock()
	telemetry.WatchesActive.Dec()

	details := map[string]any{"dir": w.info.Dir}
	if err != nil {
		logger.Error("watch failed", slog.String("error", err.Error()))
		details["error"] = err.Error()
	} else {
		logger.Info("watch stopped")
	}
	m.record(project, domain.EventWatchStopped, details)
	close(w.done)
}

func (m *Manager) deliver(ctx context.Context, w *watch, id string) {
	project := w.info.Project
	rec, err := m.reader.ReadStatus(project, id)
	if rec == nil && err == nil {
		telemetry.WatcherEvents.WithLabelValues("no_info").Inc()
		return
	}

	m.mu.Lock()
	w.info.Events++
	m.mu.Unlock()

	ev := channel.StatusEvent{Project: project, TaskID: id, Record: rec, Err: err, ObservedAt: m.now()}
	if err != nil {
		telemetry.WatcherEvents.WithLabelValues("error").Inc()
	} else {
		telemetry.WatcherEvents.WithLabelValues("record").Inc()
		m.logger.Debug("status change",
			slog.String("project", project),
			slog.String("task_id", id),
			slog.String("status", string(rec.Status)),
			slog.Int("progress", rec.Progress),
		)
		if m.recorder != nil {
			m.recorder.Record(ctx, project, id, domain.EventWatchChange, map[string]any{
				"status":   string(rec.Status),
				"progress": rec.Progress,
			})
		}
	}
	m.handler(ctx, ev)
}

func (m *Manager) record(project string, typ domain.EventType, details map[string]any) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(context.Background(), project, "", typ, details)
}
