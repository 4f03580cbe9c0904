package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/model"
)

// ErrNotFound is returned (wrapped) when a project or stage task does not exist.
var ErrNotFound = eris.New("store: not found")

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	Status model.ProjectStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// KeywordOrder selects the ordering of ListKeywords.
type KeywordOrder string

const (
	OrderByCreated      KeywordOrder = ""
	OrderByImpressions  KeywordOrder = "impressions"
	OrderBySearchVolume KeywordOrder = "search_volume"
)

// KeywordFilter narrows ListKeywords. Unvalidated keeps keywords with no
// definitive outcome; Resolved keeps keywords carrying an outcome or a
// recorded probe failure.
type KeywordFilter struct {
	Source      model.KeywordSource `json:"source,omitempty"`
	Unvalidated bool                `json:"unvalidated,omitempty"`
	Resolved    bool                `json:"resolved,omitempty"`
	OrderBy     KeywordOrder        `json:"order_by,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, spec model.ProjectSpec) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	CountProjectsByStatus(ctx context.Context) (map[model.ProjectStatus]int, error)

	// Stage tasks. CreateStageTasks replaces the tasks of any previous run.
	CreateStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error)
	UpdateStageTask(ctx context.Context, taskID string, u model.StageUpdate) error
	ListStageTasks(ctx context.Context, projectID string) ([]model.StageTask, error)

	// Keywords. The upserts return how many keywords they created.
	UpsertSearchRows(ctx context.Context, projectID string, rows []model.SearchRow) (int, error)
	UpsertKeywordIdeas(ctx context.Context, projectID string, ideas []model.KeywordIdea) (int, error)
	ListKeywords(ctx context.Context, projectID string, filter KeywordFilter) ([]model.Keyword, error)
	CountKeywords(ctx context.Context, projectID string) (int, error)

	// RecordValidation stores o on the keyword unless it already carries a
	// definitive outcome. Reports whether anything was written.
	RecordValidation(ctx context.Context, projectID string, o model.ValidationOutcome) (bool, error)
	// ResetValidation clears every outcome of the project. Returns the
	// number of keywords cleared.
	ResetValidation(ctx context.Context, projectID string) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// dedupeRows normalizes queries and keeps the first row per query.
func dedupeRows(rows []model.SearchRow) []model.SearchRow {
	seen := make(map[string]bool, len(rows))
	out := make([]model.SearchRow, 0, len(rows))
	for _, r := range rows {
		r.Query = model.NormalizeKeyword(r.Query)
		if r.Query == "" || seen[r.Query] {
			continue
		}
		seen[r.Query] = true
		out = append(out, r)
	}
	return out
}

func dedupeIdeas(ideas []model.KeywordIdea) []model.KeywordIdea {
	seen := make(map[string]bool, len(ideas))
	out := make([]model.KeywordIdea, 0, len(ideas))
	for _, i := range ideas {
		i.Text = model.NormalizeKeyword(i.Text)
		if i.Text == "" || seen[i.Text] {
			continue
		}
		seen[i.Text] = true
		out = append(out, i)
	}
	return out
}

const keywordColumns = `id, project_id, keyword, source, clicks, impressions, ctr, position,
	search_volume, competition, competition_index, bid_low, bid_high,
	aio_triggered, aio_excerpt, serp_total_results, validation_error, validated_at,
	created_at, updated_at`

// keywordQuery builds the ListKeywords statement. ph renders the n-th
// (1-based) placeholder for the driver.
func keywordQuery(projectID string, f KeywordFilter, ph func(int) string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + keywordColumns + ` FROM keywords WHERE project_id = ` + ph(1))
	args := []any{projectID}

	if f.Source != "" {
		args = append(args, string(f.Source))
		sb.WriteString(` AND source = ` + ph(len(args)))
	}
	if f.Unvalidated {
		sb.WriteString(` AND aio_triggered IS NULL`)
	}
	if f.Resolved {
		sb.WriteString(` AND (aio_triggered IS NOT NULL OR validation_error <> '')`)
	}

	switch f.OrderBy {
	case OrderByImpressions:
		sb.WriteString(` ORDER BY impressions DESC, clicks DESC, keyword`)
	case OrderBySearchVolume:
		sb.WriteString(` ORDER BY search_volume DESC, keyword`)
	default:
		sb.WriteString(` ORDER BY created_at, keyword`)
	}

	if f.Limit > 0 {
		args = append(args, f.Limit)
		sb.WriteString(` LIMIT ` + ph(len(args)))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			sb.WriteString(` OFFSET ` + ph(len(args)))
		}
	}
	return sb.String(), args
}

// stageIndex orders tasks by pipeline position.
func stageIndex(k model.StageKind) int {
	for i, s := range model.Stages {
		if s == k {
			return i
		}
	}
	return len(model.Stages)
}

// newProject validates spec and builds the initial project record.
func newProject(spec model.ProjectSpec, id string, now time.Time) (*model.Project, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &model.Project{
		ID:            id,
		Name:          spec.Name,
		SiteURL:       spec.SiteURL,
		StartDate:     spec.StartDate,
		EndDate:       spec.EndDate,
		FilterPattern: spec.FilterPattern,
		Language:      spec.Language,
		Country:       spec.Country,
		Status:        model.ProjectStatusCreated,
		TotalSteps:    model.TotalSteps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

type scannable interface {
	Scan(dest ...any) error
}

const projectColumns = `id, name, site_url, start_date, end_date, filter_pattern, language, country,
	status, total_steps, completed_steps, current_stage, total_keywords, aio_keywords,
	error_message, created_at, updated_at, started_at, completed_at`

func scanProject(row scannable) (*model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.Name, &p.SiteURL, &p.StartDate, &p.EndDate, &p.FilterPattern,
		&p.Language, &p.Country, &p.Status, &p.TotalSteps, &p.CompletedSteps, &p.CurrentStage,
		&p.TotalKeywords, &p.AIOKeywords, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
		&p.StartedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const stageColumns = `id, project_id, kind, status, progress, current_operation, result, result_count,
	error_message, error_kind, retry_count, created_at, started_at, completed_at`

func scanStageTask(row scannable) (*model.StageTask, error) {
	var t model.StageTask
	var result []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Status, &t.Progress, &t.CurrentOperation,
		&result, &t.ResultCount, &t.ErrorMessage, &t.ErrorKind, &t.RetryCount,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal stage result")
		}
	}
	return &t, nil
}

func scanKeyword(row scannable) (*model.Keyword, error) {
	var k model.Keyword
	err := row.Scan(&k.ID, &k.ProjectID, &k.Text, &k.Source, &k.Clicks, &k.Impressions, &k.CTR,
		&k.Position, &k.SearchVolume, &k.Competition, &k.CompetitionIndex, &k.BidLow, &k.BidHigh,
		&k.AIOTriggered, &k.AIOExcerpt, &k.SERPTotalResults, &k.ValidationError, &k.ValidatedAt,
		&k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// stageSet renders the SET list of a StageUpdate. ph renders the n-th
// placeholder; result is the encoded Result payload.
func stageSet(u model.StageUpdate, result any, ph func(int) string) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.CurrentOperation != nil {
		add("current_operation", *u.CurrentOperation)
	}
	if u.Result != nil {
		add("result", result)
	}
	if u.ResultCount != nil {
		add("result_count", *u.ResultCount)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.ErrorKind != nil {
		add("error_kind", *u.ErrorKind)
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.StartedAt != nil {
		add("started_at", u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		add("completed_at", u.CompletedAt.UTC())
	}
	return strings.Join(sets, ", "), args
}
