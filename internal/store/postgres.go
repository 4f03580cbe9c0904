package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/db"
	"github.com/sells-group/aio-analyzer/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name            TEXT NOT NULL DEFAULT '',
	site_url        TEXT NOT NULL,
	start_date      DATE NOT NULL,
	end_date        DATE NOT NULL,
	filter_pattern  TEXT NOT NULL DEFAULT '',
	language        TEXT NOT NULL DEFAULT '',
	country         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'created',
	total_steps     INTEGER NOT NULL DEFAULT 4,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	current_stage   TEXT NOT NULL DEFAULT '',
	total_keywords  INTEGER NOT NULL DEFAULT 0,
	aio_keywords    INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	CHECK (completed_steps BETWEEN 0 AND total_steps)
);

CREATE TABLE IF NOT EXISTS stage_tasks (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id        TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_operation TEXT NOT NULL DEFAULT '',
	result            JSONB,
	result_count      INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	error_kind        TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	UNIQUE (project_id, kind)
);

CREATE TABLE IF NOT EXISTS keywords (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id         TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	keyword            TEXT NOT NULL,
	source             TEXT NOT NULL,
	clicks             BIGINT NOT NULL DEFAULT 0,
	impressions        BIGINT NOT NULL DEFAULT 0,
	ctr                DOUBLE PRECISION NOT NULL DEFAULT 0,
	position           DOUBLE PRECISION NOT NULL DEFAULT 0,
	search_volume      BIGINT NOT NULL DEFAULT 0,
	competition        TEXT NOT NULL DEFAULT '',
	competition_index  INTEGER NOT NULL DEFAULT 0,
	bid_low            DOUBLE PRECISION NOT NULL DEFAULT 0,
	bid_high           DOUBLE PRECISION NOT NULL DEFAULT 0,
	aio_triggered      BOOLEAN,
	aio_excerpt        TEXT NOT NULL DEFAULT '',
	serp_total_results BIGINT NOT NULL DEFAULT 0,
	validation_error   TEXT NOT NULL DEFAULT '',
	validated_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, keyword)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_stage_tasks_project_id ON stage_tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_keywords_project_source ON keywords(project_id, source);
CREATE INDEX IF NOT EXISTS idx_keywords_project_impressions ON keywords(project_id, impressions DESC);
CREATE INDEX IF NOT EXISTS idx_keywords_project_unvalidated ON keywords(project_id) WHERE aio_triggered IS NULL;
`

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, spec model.ProjectSpec) (*model.Project, error) {
	p, err := newProject(spec, uuid.New().String(), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, site_url, start_date, end_date, filter_pattern, language, country,
		 status, total_steps, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Name, p.SiteURL, p.StartDate, p.EndDate, p.FilterPattern, p.Language, p.Country,
		string(p.Status), p.TotalSteps, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "project %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get project %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = $1, completed_steps = $2, current_stage = $3, total_keywords = $4,
		 aio_keywords = $5, error_message = $6, updated_at = $7, started_at = $8, completed_at = $9 WHERE id = $10`,
		string(p.Status), p.CompletedSteps, string(p.CurrentStage), p.TotalKeywords,
		p.AIOKeywords, p.ErrorMessage, p.UpdatedAt, p.StartedAt, p.CompletedAt, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update project %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "project %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) CountProjectsByStatus(ctx context.Context) (map[model.ProjectStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count projects")
	}
	defer rows.Close()

	counts := make(map[model.ProjectStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan project count")
		}
		counts[model.ProjectStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count projects iterate")
}

// --- Stage tasks ---

func (s *PostgresStore) CreateStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM stage_tasks WHERE project_id = $1`, projectID); err != nil {
		return nil, eris.Wrapf(err, "postgres: clear stage tasks for %s", projectID)
	}

	now := time.Now().UTC()
	tasks := make([]model.StageTask, 0, len(model.Stages))
	for _, kind := range model.Stages {
		t := model.StageTask{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Kind:      kind,
			Status:    model.StageStatusPending,
			CreatedAt: now,
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO stage_tasks (id, project_id, kind, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.ProjectID, string(t.Kind), string(t.Status), t.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert %s task for %s", kind, projectID)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit stage tasks")
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateStageTask(ctx context.Context, taskID string, u model.StageUpdate) error {
	var result any
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage result")
		}
		result = b
	}

	set, args := stageSet(u, result, pgPlaceholder)
	if set == "" {
		return nil
	}
	args = append(args, taskID)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE stage_tasks SET %s WHERE id = $%d`, set, len(args)), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update stage task %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage task %s", taskID)
	}
	return nil
}

func (s *PostgresStore) ListStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM stage_tasks WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage tasks")
	}
	defer rows.Close()

	var tasks []model.StageTask
	for rows.Next() {
		t, err := scanStageTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage task")
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list stage tasks iterate")
	}
	sort.Slice(tasks, func(i, j int) bool { return stageIndex(tasks[i].Kind) < stageIndex(tasks[j].Kind) })
	return tasks, nil
}

// --- Keywords ---

var (
	searchRowColumns = []string{"id", "project_id", "keyword", "source", "clicks", "impressions", "ctr", "position", "created_at", "updated_at"}
	ideaColumns      = []string{"id", "project_id", "keyword", "source", "search_volume", "competition", "competition_index", "bid_low", "bid_high", "created_at", "updated_at"}
)

func (s *PostgresStore) UpsertSearchRows(ctx context.Context, projectID string, rows []model.SearchRow) (int, error) {
	rows = dedupeRows(rows)
	now := time.Now().UTC()
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{uuid.New().String(), projectID, r.Query, string(model.SourceExtraction),
			r.Clicks, r.Impressions, r.CTR, r.Position, now, now}
	}
	res, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "keywords",
		Columns:      searchRowColumns,
		ConflictKeys: []string{"project_id", "keyword"},
		UpdateCols:   []string{"clicks", "impressions", "ctr", "position", "updated_at"},
	}, data)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert search rows for %s", projectID)
	}
	return int(res.Inserted), nil
}

func (s *PostgresStore) UpsertKeywordIdeas(ctx context.Context, projectID string, ideas []model.KeywordIdea) (int, error) {
	ideas = dedupeIdeas(ideas)
	now := time.Now().UTC()
	data := make([][]any, len(ideas))
	for i, k := range ideas {
		data[i] = []any{uuid.New().String(), projectID, k.Text, string(model.SourceExpansion),
			k.SearchVolume, string(k.Competition), k.CompetitionIndex, k.BidLow, k.BidHigh, now, now}
	}
	res, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "keywords",
		Columns:      ideaColumns,
		ConflictKeys: []string{"project_id", "keyword"},
		UpdateCols:   []string{"search_volume", "competition", "competition_index", "bid_low", "bid_high", "updated_at"},
	}, data)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert keyword ideas for %s", projectID)
	}
	return int(res.Inserted), nil
}

func (s *PostgresStore) ListKeywords(ctx context.Context, projectID string, filter KeywordFilter) ([]model.Keyword, error) {
	query, args := keywordQuery(projectID, filter, pgPlaceholder)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list keywords")
	}
	defer rows.Close()

	var keywords []model.Keyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan keyword")
		}
		keywords = append(keywords, *k)
	}
	return keywords, eris.Wrap(rows.Err(), "postgres: list keywords iterate")
}

func (s *PostgresStore) CountKeywords(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM keywords WHERE project_id = $1`, projectID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count keywords")
}

func (s *PostgresStore) RecordValidation(ctx context.Context, projectID string, o model.ValidationOutcome) (bool, error) {
	now := time.Now().UTC()
	var err error
	var affected int64
	if o.Failed() {
		tag, execErr := s.pool.Exec(ctx,
			`UPDATE keywords SET validation_error = $1, updated_at = $2
			 WHERE project_id = $3 AND keyword = $4 AND aio_triggered IS NULL`,
			string(o.ErrorKind), now, projectID, o.Keyword,
		)
		err, affected = execErr, tag.RowsAffected()
	} else {
		tag, execErr := s.pool.Exec(ctx,
			`UPDATE keywords SET aio_triggered = $1, aio_excerpt = $2, serp_total_results = $3, validation_error = '',
			 validated_at = $4, updated_at = $4
			 WHERE project_id = $5 AND keyword = $6 AND aio_triggered IS NULL`,
			o.Triggered, o.Excerpt, o.TotalResults, now, projectID, o.Keyword,
		)
		err, affected = execErr, tag.RowsAffected()
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: record validation %q", o.Keyword)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ResetValidation(ctx context.Context, projectID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keywords SET aio_triggered = NULL, aio_excerpt = '', serp_total_results = 0, validation_error = '',
		 validated_at = NULL, updated_at = $1
		 WHERE project_id = $2 AND (aio_triggered IS NOT NULL OR validation_error <> '')`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset validation %s", projectID)
	}
	return int(tag.RowsAffected()), nil
}
