package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/internal/store"
	"github.com/sells-group/aio-analyzer/internal/validator"
)

// Revalidate clears every stored outcome of a project that is not running
// and probes all of its keywords again. Stage tasks are left as they are;
// the project's keyword counts are refreshed from the new outcomes.
func (o *Orchestrator) Revalidate(ctx context.Context, projectID string) (model.Summary, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "pipeline: revalidate")
	}
	if p.Status == model.ProjectStatusRunning || !o.acquire(p.ID) {
		return model.Summary{}, resilience.InvalidInputf("pipeline: project %s is running", p.ID)
	}
	defer o.release(p.ID)
	persistCtx := context.WithoutCancel(ctx)

	cleared, err := o.store.ResetValidation(ctx, p.ID)
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "pipeline: reset outcomes")
	}
	keywords, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{})
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "pipeline: list keywords")
	}
	zap.L().Info("pipeline: revalidating project",
		zap.String("project_id", p.ID),
		zap.Int("cleared", cleared),
		zap.Int("keywords", len(keywords)),
	)

	texts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		texts = append(texts, k.Text)
	}

	client := o.clientFor(p)
	if canary := o.cfg.Validator.CanaryKeyword; canary != "" && len(texts) > 0 {
		if err := client.Check(ctx, canary); err != nil {
			return model.Summary{}, eris.Wrap(err, "pipeline: provider check")
		}
	}

	var persistErr error
	client.ValidateBatch(ctx, texts,
		validator.WithOutcome(func(out model.ValidationOutcome) {
			if out.ErrorKind == resilience.KindAborted || persistErr != nil {
				return
			}
			if _, err := o.store.RecordValidation(persistCtx, p.ID, out); err != nil {
				persistErr = err
			}
		}),
		validator.WithProgress(func(resolved, total int) {
			o.hub.Publish(Event{
				ProjectID:     p.ID,
				ProjectStatus: p.Status,
				Stage:         model.StageValidation,
				Status:        model.StageStatusRunning,
				Resolved:      resolved,
				Total:         total,
			})
		}),
	)
	if persistErr != nil {
		return model.Summary{}, eris.Wrap(persistErr, "pipeline: record outcome")
	}

	stored, err := o.store.ListKeywords(persistCtx, p.ID, store.KeywordFilter{})
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "pipeline: list outcomes")
	}
	summary := Aggregate(OutcomesFromKeywords(stored))
	p.TotalKeywords = len(stored)
	p.AIOKeywords = summary.TriggeredCount
	if err := o.store.UpdateProject(persistCtx, p); err != nil {
		return summary, eris.Wrap(err, "pipeline: update project totals")
	}
	if err := ctx.Err(); err != nil {
		return summary, resilience.NewError(resilience.KindAborted, eris.Wrap(err, "pipeline: revalidate interrupted"))
	}
	return summary, nil
}
