package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aio-analyzer/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_ConcurrentRecordValidation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, testSpec())
	require.NoError(t, err)

	rows := make([]model.SearchRow, 50)
	for i := range rows {
		rows[i] = model.SearchRow{Query: fmt.Sprintf("what is keyword %d", i)}
	}
	_, err = st.UpsertSearchRows(ctx, p.ID, rows)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range rows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.RecordValidation(ctx, p.ID, model.ValidationOutcome{
				Keyword:   rows[i].Query,
				Triggered: i%2 == 0,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	unvalidated, err := st.ListKeywords(ctx, p.ID, KeywordFilter{Unvalidated: true})
	require.NoError(t, err)
	assert.Empty(t, unvalidated)

	all, err := st.ListKeywords(ctx, p.ID, KeywordFilter{})
	require.NoError(t, err)
	triggered := 0
	for _, k := range all {
		if *k.AIOTriggered {
			triggered++
		}
	}
	assert.Equal(t, 25, triggered)
}

func TestSQLite_CascadeOnProjectDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, testSpec())
	require.NoError(t, err)
	_, err = st.CreateStageTasks(ctx, p.ID)
	require.NoError(t, err)
	_, err = st.UpsertSearchRows(ctx, p.ID, seedRows())
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, p.ID)
	require.NoError(t, err)

	n, err := st.CountKeywords(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	tasks, err := st.ListStageTasks(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestKeywordQuery(t *testing.T) {
	q, args := keywordQuery("p1", KeywordFilter{
		Source:      model.SourceExpansion,
		Unvalidated: true,
		OrderBy:     OrderByImpressions,
		Limit:       20,
	}, pgPlaceholder)
	assert.Contains(t, q, "WHERE project_id = $1 AND source = $2 AND aio_triggered IS NULL")
	assert.Contains(t, q, "ORDER BY impressions DESC")
	assert.Contains(t, q, "LIMIT $3")
	assert.Equal(t, []any{"p1", "expansion", 20}, args)
}
