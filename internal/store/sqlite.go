package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/aio-analyzer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Validation persists outcomes from several goroutines; one writer
	// connection avoids SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	site_url        TEXT NOT NULL,
	start_date      DATETIME NOT NULL,
	end_date        DATETIME NOT NULL,
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
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS stage_tasks (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	progress          REAL NOT NULL DEFAULT 0,
	current_operation TEXT NOT NULL DEFAULT '',
	result            TEXT,
	result_count      INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	error_kind        TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	started_at        DATETIME,
	completed_at      DATETIME,
	UNIQUE (project_id, kind)
);

CREATE TABLE IF NOT EXISTS keywords (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	keyword            TEXT NOT NULL,
	source             TEXT NOT NULL,
	clicks             INTEGER NOT NULL DEFAULT 0,
	impressions        INTEGER NOT NULL DEFAULT 0,
	ctr                REAL NOT NULL DEFAULT 0,
	position           REAL NOT NULL DEFAULT 0,
	search_volume      INTEGER NOT NULL DEFAULT 0,
	competition        TEXT NOT NULL DEFAULT '',
	competition_index  INTEGER NOT NULL DEFAULT 0,
	bid_low            REAL NOT NULL DEFAULT 0,
	bid_high           REAL NOT NULL DEFAULT 0,
	aio_triggered      BOOLEAN,
	aio_excerpt        TEXT NOT NULL DEFAULT '',
	serp_total_results INTEGER NOT NULL DEFAULT 0,
	validation_error   TEXT NOT NULL DEFAULT '',
	validated_at       DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (project_id, keyword)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_stage_tasks_project_id ON stage_tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_keywords_project_source ON keywords(project_id, source);
CREATE INDEX IF NOT EXISTS idx_keywords_project_unvalidated ON keywords(project_id) WHERE aio_triggered IS NULL;
`

func sqlitePlaceholder(int) string { return "?" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, spec model.ProjectSpec) (*model.Project, error) {
	p, err := newProject(spec, uuid.New().String(), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, site_url, start_date, end_date, filter_pattern, language, country,
		 status, total_steps, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SiteURL, p.StartDate.UTC(), p.EndDate.UTC(), p.FilterPattern, p.Language, p.Country,
		string(p.Status), p.TotalSteps, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "project %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get project %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close() //nolint:errcheck

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, completed_steps = ?, current_stage = ?, total_keywords = ?,
		 aio_keywords = ?, error_message = ?, updated_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(p.Status), p.CompletedSteps, string(p.CurrentStage), p.TotalKeywords,
		p.AIOKeywords, p.ErrorMessage, p.UpdatedAt, utcPtr(p.StartedAt), utcPtr(p.CompletedAt), p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update project %s", p.ID)
	}
	return checkRowsAffected(res, "project", p.ID)
}

func (s *SQLiteStore) CountProjectsByStatus(ctx context.Context) (map[model.ProjectStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count projects")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.ProjectStatus]int)
	for rows.Next() {
		var status model.ProjectStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count projects iterate")
}

// --- Stage tasks ---

func (s *SQLiteStore) CreateStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_tasks WHERE project_id = ?`, projectID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: clear stage tasks for %s", projectID)
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
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_tasks (id, project_id, kind, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, string(t.Kind), string(t.Status), t.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert %s task for %s", kind, projectID)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit stage tasks")
	}
	return tasks, nil
}

func (s *SQLiteStore) UpdateStageTask(ctx context.Context, taskID string, u model.StageUpdate) error {
	var result any
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage result")
		}
		result = string(b)
	}

	set, args := stageSet(u, result, sqlitePlaceholder)
	if set == "" {
		return nil
	}
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, `UPDATE stage_tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update stage task %s", taskID)
	}
	return checkRowsAffected(res, "stage task", taskID)
}

func (s *SQLiteStore) ListStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage tasks")
	}
	defer rows.Close() //nolint:errcheck

	var tasks []model.StageTask
	for rows.Next() {
		t, err := scanStageTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage task")
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage tasks iterate")
	}
	sort.Slice(tasks, func(i, j int) bool { return stageIndex(tasks[i].Kind) < stageIndex(tasks[j].Kind) })
	return tasks, nil
}

// --- Keywords ---

func (s *SQLiteStore) UpsertSearchRows(ctx context.Context, projectID string, rows []model.SearchRow) (int, error) {
	rows = dedupeRows(rows)
	return s.upsert(ctx, projectID, len(rows), func(tx *sql.Tx, i int, now time.Time) (bool, error) {
		r := rows[i]
		res, err := tx.ExecContext(ctx,
			`UPDATE keywords SET clicks = ?, impressions = ?, ctr = ?, position = ?, updated_at = ?
			 WHERE project_id = ? AND keyword = ?`,
			r.Clicks, r.Impressions, r.CTR, r.Position, now, projectID, r.Query,
		)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO keywords (id, project_id, keyword, source, clicks, impressions, ctr, position, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), projectID, r.Query, string(model.SourceExtraction),
			r.Clicks, r.Impressions, r.CTR, r.Position, now, now,
		)
		return err == nil, err
	})
}

func (s *SQLiteStore) UpsertKeywordIdeas(ctx context.Context, projectID string, ideas []model.KeywordIdea) (int, error) {
	ideas = dedupeIdeas(ideas)
	return s.upsert(ctx, projectID, len(ideas), func(tx *sql.Tx, i int, now time.Time) (bool, error) {
		k := ideas[i]
		res, err := tx.ExecContext(ctx,
			`UPDATE keywords SET search_volume = ?, competition = ?, competition_index = ?, bid_low = ?, bid_high = ?, updated_at = ?
			 WHERE project_id = ? AND keyword = ?`,
			k.SearchVolume, string(k.Competition), k.CompetitionIndex, k.BidLow, k.BidHigh, now, projectID, k.Text,
		)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO keywords (id, project_id, keyword, source, search_volume, competition, competition_index,
			 bid_low, bid_high, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), projectID, k.Text, string(model.SourceExpansion),
			k.SearchVolume, string(k.Competition), k.CompetitionIndex, k.BidLow, k.BidHigh, now, now,
		)
		return err == nil, err
	})
}

// upsert runs one statement pair per item inside a transaction and counts
// the items that were inserted.
func (s *SQLiteStore) upsert(ctx context.Context, projectID string, n int, fn func(tx *sql.Tx, i int, now time.Time) (bool, error)) (int, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	created := 0
	for i := range n {
		inserted, err := fn(tx, i, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert keywords for %s", projectID)
		}
		if inserted {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit keywords")
	}
	return created, nil
}

func (s *SQLiteStore) ListKeywords(ctx context.Context, projectID string, filter KeywordFilter) ([]model.Keyword, error) {
	query, args := keywordQuery(projectID, filter, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list keywords")
	}
	defer rows.Close() //nolint:errcheck

	var keywords []model.Keyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan keyword")
		}
		keywords = append(keywords, *k)
	}
	return keywords, eris.Wrap(rows.Err(), "sqlite: list keywords iterate")
}

func (s *SQLiteStore) CountKeywords(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keywords WHERE project_id = ?`, projectID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count keywords")
}

func (s *SQLiteStore) RecordValidation(ctx context.Context, projectID string, o model.ValidationOutcome) (bool, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if o.Failed() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE keywords SET validation_error = ?, updated_at = ?
			 WHERE project_id = ? AND keyword = ? AND aio_triggered IS NULL`,
			string(o.ErrorKind), now, projectID, o.Keyword,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE keywords SET aio_triggered = ?, aio_excerpt = ?, serp_total_results = ?, validation_error = '',
			 validated_at = ?, updated_at = ?
			 WHERE project_id = ? AND keyword = ? AND aio_triggered IS NULL`,
			o.Triggered, o.Excerpt, o.TotalResults, now, now, projectID, o.Keyword,
		)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: record validation %q", o.Keyword)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ResetValidation(ctx context.Context, projectID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE keywords SET aio_triggered = NULL, aio_excerpt = '', serp_total_results = 0, validation_error = '',
		 validated_at = NULL, updated_at = ?
		 WHERE project_id = ? AND (aio_triggered IS NOT NULL OR validation_error <> '')`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset validation %s", projectID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
