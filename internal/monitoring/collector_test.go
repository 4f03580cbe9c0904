package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/store"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// addProject creates a project in status with a validation result.
func addProject(t *testing.T, st store.Store, status model.ProjectStatus, result map[string]any) *model.Project {
	t.Helper()
	ctx := context.Background()
	p, err := st.CreateProject(ctx, model.ProjectSpec{
		SiteURL:   "sc-domain:example.com",
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	if status == model.ProjectStatusCreated {
		return p
	}

	tasks, err := st.CreateStageTasks(ctx, p.ID)
	require.NoError(t, err)
	if result != nil {
		for _, task := range tasks {
			if task.Kind == model.StageValidation {
				require.NoError(t, st.UpdateStageTask(ctx, task.ID, model.StageUpdate{Result: result}))
			}
		}
	}
	p.Status = status
	require.NoError(t, st.UpdateProject(ctx, p))
	return p
}

func TestCollector_Collect(t *testing.T) {
	st := newStore(t)
	addProject(t, st, model.ProjectStatusCompleted, map[string]any{
		"total_verified": 40, "errored": 4, "estimated_cost": 0.04,
	})
	addProject(t, st, model.ProjectStatusCompleted, map[string]any{
		"total_verified": 60, "errored": 6, "estimated_cost": 0.9,
	})
	addProject(t, st, model.ProjectStatusFailed, nil)
	running := addProject(t, st, model.ProjectStatusRunning, nil)
	addProject(t, st, model.ProjectStatusCreated, nil)

	c := NewCollector(st, time.Hour)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.ProjectsTotal)
	assert.Equal(t, 2, snap.ProjectsCompleted)
	assert.Equal(t, 1, snap.ProjectsFailed)
	assert.Equal(t, 1, snap.ProjectsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate, 1e-9)
	assert.Equal(t, 100, snap.KeywordsValidated)
	assert.Equal(t, 10, snap.ProbeErrors)
	assert.InDelta(t, 0.1, snap.ProbeErrorRate, 1e-9)
	assert.InDelta(t, 0.94, snap.ProbeCostUSD, 1e-9)
	assert.Empty(t, snap.Stalled)

	// Two hours later the running project counts as stalled and nothing
	// has left the lookback window yet.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	snap, err = c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, snap.Stalled)
	assert.Equal(t, 5, snap.ProjectsTotal)

	// A day later everything is outside a one-hour window.
	c.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	snap, err = c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.ProjectsTotal)
	assert.Zero(t, snap.KeywordsValidated)
	assert.Equal(t, []string{running.ID}, snap.Stalled)
}

func TestCollector_StoreError(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Close())

	_, err := NewCollector(st, 0).Collect(context.Background(), 24)
	assert.Error(t, err)
}

func TestNumber(t *testing.T) {
	assert.Equal(t, 2.5, number(2.5))
	assert.Equal(t, 3.0, number(3))
	assert.Equal(t, 4.0, number(int64(4)))
	assert.Equal(t, 0.0, number("5"))
	assert.Equal(t, 0.0, number(nil))
}
