package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/store"
)

// Reporter renders the final report of a project and returns the paths
// it wrote.
type Reporter interface {
	Report(ctx context.Context, p *model.Project, summary model.Summary, keywords []model.Keyword) ([]string, error)
}

// report runs the reporting stage: refresh the project totals and render
// the report files.
func (o *Orchestrator) report(ctx context.Context, run *stageRun) (StageOutput, error) {
	p := run.project
	run.progress(10, "loading keywords")

	keywords, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{OrderBy: store.OrderBySearchVolume})
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "report: list keywords")
	}
	summary := Aggregate(OutcomesFromKeywords(keywords))

	p.TotalKeywords = len(keywords)
	p.AIOKeywords = summary.TriggeredCount
	if err := o.store.UpdateProject(run.persistCtx, p); err != nil {
		return StageOutput{}, eris.Wrap(err, "report: update project totals")
	}

	result := map[string]any{
		"total_keywords":  len(keywords),
		"total_validated": summary.TotalValidated,
		"aio_keywords":    summary.TriggeredCount,
		"aio_percentage":  summary.TriggeredPercentage,
		"errored":         summary.ErroredCount,
	}
	if o.reporter == nil {
		return StageOutput{Count: len(keywords), Result: result}, nil
	}

	run.progress(50, "writing report for %d keywords", len(keywords))
	files, err := o.reporter.Report(ctx, p, summary, keywords)
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "report: render")
	}
	result["files"] = files
	return StageOutput{Count: len(keywords), Result: result}, nil
}
