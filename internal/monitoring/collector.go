package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/store"
)

// MetricsSnapshot holds a point-in-time view of analyzer health.
type MetricsSnapshot struct {
	// Projects updated within the lookback window.
	ProjectsTotal     int     `json:"projects_total"`
	ProjectsCompleted int     `json:"projects_completed"`
	ProjectsFailed    int     `json:"projects_failed"`
	ProjectsCancelled int     `json:"projects_cancelled"`
	ProjectsRunning   int     `json:"projects_running"`
	FailureRate       float64 `json:"failure_rate"`

	// Running projects with no update for longer than the stall limit.
	Stalled []string `json:"stalled,omitempty"`

	// Validation stage results of the same projects.
	KeywordsValidated int     `json:"keywords_validated"`
	ProbeErrors       int     `json:"probe_errors"`
	ProbeErrorRate    float64 `json:"probe_error_rate"`
	ProbeCostUSD      float64 `json:"probe_cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers a snapshot from the store.
type Collector struct {
	store store.Store
	stall time.Duration
	now   func() time.Time
}

// NewCollector creates a collector. Running projects not updated for stall
// are reported as stalled; zero disables the check.
func NewCollector(st store.Store, stall time.Duration) *Collector {
	return &Collector{store: st, stall: stall, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	projects, err := c.store.ListProjects(ctx, store.ProjectFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list projects")
	}

	for i := range projects {
		p := &projects[i]
		if p.Status == model.ProjectStatusRunning && c.stall > 0 && now.Sub(p.UpdatedAt) > c.stall {
			snap.Stalled = append(snap.Stalled, p.ID)
		}
		if p.UpdatedAt.Before(cutoff) {
			continue
		}

		snap.ProjectsTotal++
		switch p.Status {
		case model.ProjectStatusCompleted:
			snap.ProjectsCompleted++
		case model.ProjectStatusFailed:
			snap.ProjectsFailed++
		case model.ProjectStatusCancelled:
			snap.ProjectsCancelled++
		case model.ProjectStatusRunning:
			snap.ProjectsRunning++
		}

		if p.Status == model.ProjectStatusCreated {
			continue
		}
		tasks, err := c.store.ListStageTasks(ctx, p.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list tasks of %s", p.ID)
		}
		for _, t := range tasks {
			if t.Kind != model.StageValidation || t.Result == nil {
				continue
			}
			snap.KeywordsValidated += int(number(t.Result["total_verified"]))
			snap.ProbeErrors += int(number(t.Result["errored"]))
			snap.ProbeCostUSD += number(t.Result["estimated_cost"])
		}
	}

	if finished := snap.ProjectsCompleted + snap.ProjectsFailed; finished > 0 {
		snap.FailureRate = float64(snap.ProjectsFailed) / float64(finished)
	}
	if snap.KeywordsValidated > 0 {
		snap.ProbeErrorRate = float64(snap.ProbeErrors) / float64(snap.KeywordsValidated)
	}
	return snap, nil
}

// number reads a numeric stage result value. Results read back from the
// store hold float64; results still in memory may hold ints.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
