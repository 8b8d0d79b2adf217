package scheduler

import (
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// entry is a task waiting for admission.
type entry struct {
	id         string
	project    string
	priority   domain.Priority
	createdAt  time.Time
	eligibleAt time.Time
}

// before orders entries for admission: higher priority first, then oldest.
func (e *entry) before(o *entry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	if !e.createdAt.Equal(o.createdAt) {
		return e.createdAt.Before(o.createdAt)
	}
	return e.id < o.id
}

// queue holds admission candidates keyed by task id. The waiting set is
// bounded by what callers submit, so selection scans it linearly.
type queue struct {
	items map[string]*entry
}

func newQueue() *queue {
	return &queue{items: make(map[string]*entry)}
}

// push adds e, replacing any entry for the same task.
func (q *queue) push(e entry) {
	q.items[e.id] = &e
}

func (q *queue) remove(id string) {
	delete(q.items, id)
}

func (q *queue) len() int {
	return len(q.items)
}

// pop removes and returns the best entry eligible at now.
func (q *queue) pop(now time.Time) (entry, bool) {
	var best *entry
	for _, e := range q.items {
		if e.eligibleAt.After(now) {
			continue
		}
		if best == nil || e.before(best) {
			best = e
		}
	}
	if best == nil {
		return entry{}, false
	}
	delete(q.items, best.id)
	return *best, true
}

// nextAfter returns the earliest eligibility time strictly after now.
func (q *queue) nextAfter(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, e := range q.items {
		if !e.eligibleAt.After(now) {
			continue
		}
		if next.IsZero() || e.eligibleAt.Before(next) {
			next = e.eligibleAt
		}
	}
	return next, !next.IsZero()
}
