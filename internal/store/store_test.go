package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testSpec() model.ProjectSpec {
	return model.ProjectSpec{
		Name:      "example",
		SiteURL:   "sc-domain:example.com",
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Language:  "en",
		Country:   "us",
	}
}

func createProject(t *testing.T, s Store) *model.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), testSpec())
	require.NoError(t, err)
	return p
}

func seedRows() []model.SearchRow {
	return []model.SearchRow{
		{Query: "what is seo", Clicks: 12, Impressions: 340, CTR: 0.035, Position: 4.2},
		{Query: "how to bake bread", Clicks: 3, Impressions: 900, CTR: 0.003, Position: 8.9},
		{Query: " what  is seo ", Clicks: 99, Impressions: 1},
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetProject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := createProject(t, s)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, model.ProjectStatusCreated, p.Status)
		assert.Equal(t, model.TotalSteps, p.TotalSteps)
		assert.Equal(t, model.DefaultFilterPattern, p.FilterPattern)
		assert.Equal(t, "US", p.Country)

		got, err := s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, "example", got.Name)
		assert.Equal(t, "sc-domain:example.com", got.SiteURL)
		assert.True(t, got.StartDate.Equal(p.StartDate))
		assert.True(t, got.EndDate.Equal(p.EndDate))
		assert.Equal(t, model.ProjectStatusCreated, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.Empty(t, got.CurrentStage)
	})

	t.Run("CreateProjectInvalid", func(t *testing.T) {
		s := newStore(t)
		spec := testSpec()
		spec.EndDate = spec.StartDate.AddDate(0, 0, -1)

		_, err := s.CreateProject(context.Background(), spec)
		require.Error(t, err)
		assert.Equal(t, resilience.KindInvalidInput, resilience.KindOf(err))
	})

	t.Run("GetProjectNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetProject(context.Background(), "nonexistent-id")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("UpdateProject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)

		started := time.Now().UTC().Truncate(time.Second)
		p.Status = model.ProjectStatusRunning
		p.CompletedSteps = 2
		p.CurrentStage = model.StageValidation
		p.TotalKeywords = 40
		p.AIOKeywords = 7
		p.ErrorMessage = "previous failure"
		p.StartedAt = &started
		require.NoError(t, s.UpdateProject(ctx, p))

		got, err := s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ProjectStatusRunning, got.Status)
		assert.Equal(t, 2, got.CompletedSteps)
		assert.Equal(t, model.StageValidation, got.CurrentStage)
		assert.Equal(t, 40, got.TotalKeywords)
		assert.Equal(t, 7, got.AIOKeywords)
		assert.Equal(t, "previous failure", got.ErrorMessage)
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(started))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("UpdateProjectNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateProject(context.Background(), &model.Project{ID: "nonexistent-id", Status: model.ProjectStatusFailed})
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("ListAndCountProjects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		createProject(t, s)
		p2 := createProject(t, s)
		p2.Status = model.ProjectStatusRunning
		require.NoError(t, s.UpdateProject(ctx, p2))

		all, err := s.ListProjects(ctx, ProjectFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		running, err := s.ListProjects(ctx, ProjectFilter{Status: model.ProjectStatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, p2.ID, running[0].ID)

		limited, err := s.ListProjects(ctx, ProjectFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		counts, err := s.CountProjectsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[model.ProjectStatus]int{
			model.ProjectStatusCreated: 1,
			model.ProjectStatusRunning: 1,
		}, counts)
	})

	t.Run("StageTasks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)

		tasks, err := s.CreateStageTasks(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 4)
		for i, task := range tasks {
			assert.Equal(t, model.Stages[i], task.Kind)
			assert.Equal(t, model.StageStatusPending, task.Status)
		}

		running := model.StageStatusRunning
		now := time.Now().UTC().Truncate(time.Second)
		op := "fetching search console rows"
		require.NoError(t, s.UpdateStageTask(ctx, tasks[0].ID, model.StageUpdate{
			Status:           &running,
			StartedAt:        &now,
			CurrentOperation: &op,
		}))

		completed := model.StageStatusCompleted
		count := 12
		progress := 100.0
		require.NoError(t, s.UpdateStageTask(ctx, tasks[0].ID, model.StageUpdate{
			Status:      &completed,
			Progress:    &progress,
			ResultCount: &count,
			Result:      map[string]any{"rows": float64(12), "created": float64(10)},
			CompletedAt: &now,
		}))

		got, err := s.ListStageTasks(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, model.StageExtraction, got[0].Kind)
		assert.Equal(t, model.StageStatusCompleted, got[0].Status)
		assert.Equal(t, 12, got[0].ResultCount)
		assert.InDelta(t, 100.0, got[0].Progress, 0.001)
		assert.Equal(t, op, got[0].CurrentOperation)
		assert.Equal(t, float64(10), got[0].Result["created"])
		require.NotNil(t, got[0].StartedAt)
		require.NotNil(t, got[0].CompletedAt)
		assert.Equal(t, model.StageReporting, got[3].Kind)
		assert.Nil(t, got[3].Result)
	})

	t.Run("StageTasksReplacedOnRerun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)

		first, err := s.CreateStageTasks(ctx, p.ID)
		require.NoError(t, err)
		second, err := s.CreateStageTasks(ctx, p.ID)
		require.NoError(t, err)

		got, err := s.ListStageTasks(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, second[0].ID, got[0].ID)
		assert.NotEqual(t, first[0].ID, got[0].ID)
	})

	t.Run("UpdateStageTaskNotFound", func(t *testing.T) {
		s := newStore(t)
		failed := model.StageStatusFailed
		err := s.UpdateStageTask(context.Background(), "nonexistent-id", model.StageUpdate{Status: &failed})
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))

		// Empty updates are a no-op.
		assert.NoError(t, s.UpdateStageTask(context.Background(), "nonexistent-id", model.StageUpdate{}))
	})

	t.Run("UpsertSearchRowsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)

		created, err := s.UpsertSearchRows(ctx, p.ID, seedRows())
		require.NoError(t, err)
		assert.Equal(t, 2, created)

		created, err = s.UpsertSearchRows(ctx, p.ID, seedRows())
		require.NoError(t, err)
		assert.Equal(t, 0, created)

		n, err := s.CountKeywords(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		kws, err := s.ListKeywords(ctx, p.ID, KeywordFilter{OrderBy: OrderByImpressions})
		require.NoError(t, err)
		require.Len(t, kws, 2)
		assert.Equal(t, "how to bake bread", kws[0].Text)
		assert.Equal(t, model.SourceExtraction, kws[0].Source)
		assert.Equal(t, int64(900), kws[0].Impressions)
		assert.Equal(t, "what is seo", kws[1].Text)
		assert.Equal(t, int64(12), kws[1].Clicks)
		assert.Nil(t, kws[1].AIOTriggered)
	})

	t.Run("UpsertKeywordIdeas", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)

		_, err := s.UpsertSearchRows(ctx, p.ID, seedRows())
		require.NoError(t, err)

		created, err := s.UpsertKeywordIdeas(ctx, p.ID, []model.KeywordIdea{
			{Text: "what is seo", SearchVolume: 5000, Competition: model.CompetitionLow, CompetitionIndex: 12, BidLow: 0.4, BidHigh: 2.1},
			{Text: "what is seo marketing", SearchVolume: 900, Competition: model.CompetitionHigh, CompetitionIndex: 80},
			{Text: "what is seo marketing", SearchVolume: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		expanded, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Source: model.SourceExpansion})
		require.NoError(t, err)
		require.Len(t, expanded, 1)
		assert.Equal(t, "what is seo marketing", expanded[0].Text)
		assert.Equal(t, int64(900), expanded[0].SearchVolume)
		assert.Equal(t, model.CompetitionHigh, expanded[0].Competition)

		byVolume, err := s.ListKeywords(ctx, p.ID, KeywordFilter{OrderBy: OrderBySearchVolume, Limit: 1})
		require.NoError(t, err)
		require.Len(t, byVolume, 1)
		seed := byVolume[0]
		assert.Equal(t, "what is seo", seed.Text)
		assert.Equal(t, model.SourceExtraction, seed.Source, "source is set on creation only")
		assert.Equal(t, int64(12), seed.Clicks, "extraction metrics survive expansion")
		assert.Equal(t, int64(5000), seed.SearchVolume)
		assert.InDelta(t, 2.1, seed.BidHigh, 0.0001)
	})

	t.Run("RecordValidationWriteOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)
		_, err := s.UpsertSearchRows(ctx, p.ID, seedRows())
		require.NoError(t, err)

		wrote, err := s.RecordValidation(ctx, p.ID, model.ValidationOutcome{
			Keyword: "what is seo", Triggered: true, Excerpt: "SEO is...", TotalResults: 1200,
		})
		require.NoError(t, err)
		assert.True(t, wrote)

		wrote, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "what is seo", Triggered: false})
		require.NoError(t, err)
		assert.False(t, wrote, "a definitive outcome is never overwritten")

		wrote, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{
			Keyword: "how to bake bread", ErrorKind: resilience.KindRateLimited,
		})
		require.NoError(t, err)
		assert.True(t, wrote)

		wrote, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "unknown keyword", Triggered: true})
		require.NoError(t, err)
		assert.False(t, wrote)

		unvalidated, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Unvalidated: true})
		require.NoError(t, err)
		require.Len(t, unvalidated, 1)
		assert.Equal(t, "how to bake bread", unvalidated[0].Text)
		assert.Equal(t, string(resilience.KindRateLimited), unvalidated[0].ValidationError)

		resolved, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Resolved: true})
		require.NoError(t, err)
		assert.Len(t, resolved, 2)

		kws, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Source: model.SourceExtraction, OrderBy: OrderByImpressions})
		require.NoError(t, err)
		seo := kws[1]
		require.NotNil(t, seo.AIOTriggered)
		assert.True(t, *seo.AIOTriggered)
		assert.Equal(t, "SEO is...", seo.AIOExcerpt)
		assert.Equal(t, int64(1200), seo.SERPTotalResults)
		require.NotNil(t, seo.ValidatedAt)

		// A later success clears the recorded failure.
		wrote, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "how to bake bread", Triggered: false})
		require.NoError(t, err)
		assert.True(t, wrote)
		unvalidated, err = s.ListKeywords(ctx, p.ID, KeywordFilter{Unvalidated: true})
		require.NoError(t, err)
		assert.Empty(t, unvalidated)
	})

	t.Run("ResetValidation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)
		_, err := s.UpsertSearchRows(ctx, p.ID, seedRows())
		require.NoError(t, err)

		_, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "what is seo", Triggered: true})
		require.NoError(t, err)
		_, err = s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "how to bake bread", ErrorKind: resilience.KindParse})
		require.NoError(t, err)

		n, err := s.ResetValidation(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		unvalidated, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Unvalidated: true})
		require.NoError(t, err)
		assert.Len(t, unvalidated, 2)
		for _, k := range unvalidated {
			assert.Empty(t, k.ValidationError)
			assert.Nil(t, k.ValidatedAt)
		}

		wrote, err := s.RecordValidation(ctx, p.ID, model.ValidationOutcome{Keyword: "what is seo", Triggered: false})
		require.NoError(t, err)
		assert.True(t, wrote, "reset re-opens the write-once slot")
	})

	t.Run("KeywordsScopedByProject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := createProject(t, s)
		b := createProject(t, s)

		_, err := s.UpsertSearchRows(ctx, a.ID, seedRows())
		require.NoError(t, err)
		created, err := s.UpsertSearchRows(ctx, b.ID, seedRows()[:1])
		require.NoError(t, err)
		assert.Equal(t, 1, created, "the same text in another project is a new keyword")

		n, err := s.CountKeywords(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Pagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := createProject(t, s)
		_, err := s.UpsertSearchRows(ctx, p.ID, []model.SearchRow{
			{Query: "a"}, {Query: "b"}, {Query: "c"},
		})
		require.NoError(t, err)

		page, err := s.ListKeywords(ctx, p.ID, KeywordFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "c", page[0].Text)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
