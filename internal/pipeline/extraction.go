package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/export"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/pkg/searchconsole"
)

// ExtractRequest selects the search queries of one property.
type ExtractRequest struct {
	SiteURL       string
	StartDate     time.Time
	EndDate       time.Time
	FilterPattern string
}

// Extractor reads search query rows for a property.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) ([]model.SearchRow, error)
}

// SearchConsoleExtractor reads rows from the Search Console API. The filter
// pattern is applied server side.
type SearchConsoleExtractor struct {
	client   searchconsole.Client
	rowLimit int
}

// NewSearchConsoleExtractor creates an extractor reading at most rowLimit rows.
func NewSearchConsoleExtractor(client searchconsole.Client, rowLimit int) *SearchConsoleExtractor {
	return &SearchConsoleExtractor{client: client, rowLimit: rowLimit}
}

// Extract implements Extractor.
func (e *SearchConsoleExtractor) Extract(ctx context.Context, req ExtractRequest) ([]model.SearchRow, error) {
	rows, err := e.client.Query(ctx, searchconsole.QueryRequest{
		SiteURL:    req.SiteURL,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		QueryRegex: req.FilterPattern,
		RowLimit:   e.rowLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: search console query")
	}
	out := make([]model.SearchRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SearchRow{
			Query:       r.Query,
			Clicks:      r.Clicks,
			Impressions: r.Impressions,
			CTR:         r.CTR,
			Position:    r.Position,
		})
	}
	return out, nil
}

// ExportExtractor reads rows from a performance report exported to a file,
// a URL or an FTP server. Exports carry their own date range, so the
// request dates are not applied.
type ExportExtractor struct {
	reader *export.Reader
	source string
	limit  int
}

// NewExportExtractor creates an extractor over the export at source.
func NewExportExtractor(reader *export.Reader, source string, limit int) *ExportExtractor {
	return &ExportExtractor{reader: reader, source: source, limit: limit}
}

// Extract implements Extractor.
func (e *ExportExtractor) Extract(ctx context.Context, req ExtractRequest) ([]model.SearchRow, error) {
	rows, err := e.reader.Read(ctx, e.source)
	if err != nil {
		return nil, eris.Wrap(err, "extract: read export")
	}
	return export.Filter(rows, req.FilterPattern, e.limit)
}

// extract runs the extraction stage: fetch filtered queries and store them
// as project keywords.
func (o *Orchestrator) extract(ctx context.Context, run *stageRun) (StageOutput, error) {
	p := run.project
	run.progress(10, "fetching queries for %s", p.SiteURL)

	rows, err := o.extractor.Extract(ctx, ExtractRequest{
		SiteURL:       p.SiteURL,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		FilterPattern: p.FilterPattern,
	})
	if err != nil {
		return StageOutput{}, err
	}

	run.progress(60, "storing %d queries", len(rows))
	created, err := o.store.UpsertSearchRows(ctx, p.ID, rows)
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "extract: store rows")
	}
	total, err := o.store.CountKeywords(ctx, p.ID)
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "extract: count keywords")
	}

	result := map[string]any{
		"total_keywords": len(rows),
		"new_keywords":   created,
		"gsc_stats":      searchStats(rows),
	}
	out := StageOutput{Count: len(rows), Result: result}
	if total == 0 {
		out.Empty = true
		out.Reason = "no matching search queries found"
	}
	return out, nil
}

// searchStats summarizes extracted rows.
func searchStats(rows []model.SearchRow) map[string]any {
	var clicks, impressions int64
	var ctr, position float64
	for _, r := range rows {
		clicks += r.Clicks
		impressions += r.Impressions
		ctr += r.CTR
		position += r.Position
	}
	stats := map[string]any{
		"total_clicks":      clicks,
		"total_impressions": impressions,
		"avg_ctr":           0.0,
		"avg_position":      0.0,
	}
	if n := float64(len(rows)); n > 0 {
		stats["avg_ctr"] = round4(ctr / n)
		stats["avg_position"] = round2(position / n)
	}
	return stats
}
