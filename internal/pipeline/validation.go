package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/internal/store"
	"github.com/sells-group/aio-analyzer/internal/validator"
)

// validate runs the validation stage over every keyword of the project
// that has no definitive outcome yet. Outcomes are stored as they resolve,
// so a stage cut short keeps what it learned.
func (o *Orchestrator) validate(ctx context.Context, run *stageRun) (StageOutput, error) {
	p := run.project
	log := zap.L().With(zap.String("project_id", p.ID), zap.String("stage", string(model.StageValidation)))

	total, err := o.store.CountKeywords(ctx, p.ID)
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "validate: count keywords")
	}
	if total == 0 {
		return StageOutput{
			Result: map[string]any{"total_verified": 0, "aio_triggers": 0, "aio_percentage": 0.0, "api_calls_made": 0},
			Empty:  true,
			Reason: "no keywords to validate",
		}, nil
	}

	pending, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{Unvalidated: true})
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "validate: list keywords")
	}
	texts := make([]string, 0, len(pending))
	for _, k := range pending {
		texts = append(texts, k.Text)
	}

	batch := map[string]model.ValidationOutcome{}
	if len(texts) > 0 {
		client := o.clientFor(p)

		run.progress(5, "checking search provider access")
		if canary := o.cfg.Validator.CanaryKeyword; canary != "" {
			if err := client.Check(ctx, canary); err != nil {
				return StageOutput{}, eris.Wrap(err, "validate: provider check")
			}
		}

		run.progress(10, "validating %d keywords", len(texts))
		var (
			mu         sync.Mutex
			persistErr error
			stored     int
		)
		batch = client.ValidateBatch(ctx, texts,
			validator.WithStop(run.soft),
			validator.WithOutcome(func(out model.ValidationOutcome) {
				if out.ErrorKind == resilience.KindAborted {
					return
				}
				wrote, err := o.store.RecordValidation(run.persistCtx, p.ID, out)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if persistErr == nil {
						persistErr = err
					}
					return
				}
				if wrote {
					stored++
				}
			}),
			validator.WithProgress(func(resolved, n int) {
				run.counts(resolved, n)
				run.progress(10+80*float64(resolved)/float64(n), "validated %d of %d keywords", resolved, n)
			}),
		)

		if persistErr != nil {
			return StageOutput{}, eris.Wrap(persistErr, "validate: record outcome")
		}
		if err := ctx.Err(); err != nil {
			return StageOutput{}, err
		}
		aborted := 0
		for _, out := range batch {
			if out.ErrorKind == resilience.KindAborted {
				aborted++
			}
		}
		if aborted > 0 {
			return StageOutput{}, resilience.NewError(resilience.KindTransient,
				eris.Errorf("soft timeout reached with %d of %d keywords unvalidated", aborted, len(texts)))
		}
		log.Info("validate: batch stored", zap.Int("keywords", len(texts)), zap.Int("stored", stored))
	}

	run.progress(95, "summarizing outcomes")
	all, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{})
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "validate: list outcomes")
	}
	summary := Aggregate(OutcomesFromKeywords(all))

	calls := 0
	for _, out := range batch {
		calls += out.Attempts
	}
	result := map[string]any{
		"total_verified":  len(batch),
		"aio_triggers":    summary.TriggeredCount,
		"aio_percentage":  summary.TriggeredPercentage,
		"errored":         summary.ErroredCount,
		"api_calls_made":  calls,
		"estimated_cost":  o.costCalc.Probes(o.provider, calls),
		"error_kinds":     errorKinds(batch),
		"already_checked": total - len(texts),
	}
	return StageOutput{Count: len(batch), Result: result}, nil
}

// clientFor returns the validator probing in the project's locale.
func (o *Orchestrator) clientFor(p *model.Project) *validator.Client {
	if o.localize == nil || (p.Country == "" && p.Language == "") {
		return o.validator
	}
	return o.validator.WithProber(o.localize(p.Country, p.Language))
}
