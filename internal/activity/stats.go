package activity

import (
	"math"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// Stats is the aggregate view served to dashboards.
type Stats struct {
	Total    int                  `json:"total"`
	ByState  map[domain.State]int `json:"by_state"`
	Projects int                  `json:"projects"`
	Running  int                  `json:"running"`
	Queued   int                  `json:"queued"`
	// SuccessRate is completed tasks as a percentage of all tasks, one decimal.
	SuccessRate float64 `json:"success_rate"`
	// AvgCompletionSeconds is the mean submit-to-finish latency of completed tasks.
	AvgCompletionSeconds float64 `json:"avg_completion_seconds"`
	RetriedTasks         int     `json:"retried_tasks"`
}

// Summarize computes Stats over a task listing. Running and Queued are left
// for the scheduler to fill in from its live view.
func Summarize(tasks []*domain.Task, projects int) Stats {
	s := Stats{
		Total:    len(tasks),
		ByState:  make(map[domain.State]int, 5),
		Projects: projects,
	}
	for _, st := range []domain.State{
		domain.StatePending, domain.StateRunning, domain.StateCompleted, domain.StateFailed, domain.StateCancelled,
	} {
		s.ByState[st] = 0
	}

	var (
		latency   time.Duration
		completed int
	)
	for _, t := range tasks {
		s.ByState[t.State]++
		if t.Attempts > 1 {
			s.RetriedTasks++
		}
		if t.State == domain.StateCompleted && t.FinishedAt != nil {
			latency += t.FinishedAt.Sub(t.CreatedAt)
			completed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.ByState[domain.StateCompleted])/float64(s.Total)*1000) / 10
	}
	if completed > 0 {
		s.AvgCompletionSeconds = math.Round(latency.Seconds()/float64(completed)*100) / 100
	}
	return s
}
