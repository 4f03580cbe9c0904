// Package pipeline runs the four analysis stages of a project in order,
// persisting every stage transition through the store.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/config"
	"github.com/sells-group/aio-analyzer/internal/cost"
	"github.com/sells-group/aio-analyzer/internal/metrics"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/internal/store"
	"github.com/sells-group/aio-analyzer/internal/validator"
)

// ErrCancelled is returned (wrapped) by RunProject when a run stops on a
// cancel request or on context cancellation.
var ErrCancelled = eris.New("pipeline: run cancelled")

// StageOutput is what a stage hands back on success. Empty short-circuits
// the run: the remaining stages are skipped with Reason.
type StageOutput struct {
	Count  int
	Result map[string]any
	Empty  bool
	Reason string
}

// Orchestrator runs projects through extraction, expansion, validation and
// reporting.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	extractor Extractor
	expander  Expander
	validator *validator.Client
	reporter  Reporter
	localize  func(country, language string) validator.Prober
	costCalc  *cost.Calculator
	provider  string
	metrics   *metrics.Metrics
	hub       *Hub
	now       func() time.Time

	// softTimeout reads the soft budget of a stage; tests shorten it.
	softTimeout func(config.StageConfig) time.Duration

	mu        sync.Mutex
	active    map[string]bool
	cancelled map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records stage metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLocaleProber lets validation probe in each project's own locale. fn
// is called once per validation attempt for projects that set a country or
// language.
func WithLocaleProber(fn func(country, language string) validator.Prober) Option {
	return func(o *Orchestrator) { o.localize = fn }
}

// WithCost sets the calculator and provider name used for the probe cost
// estimate in the validation result.
func WithCost(calc *cost.Calculator, provider string) Option {
	return func(o *Orchestrator) {
		o.costCalc = calc
		o.provider = provider
	}
}

// WithHub publishes progress on h instead of a private hub.
func WithHub(h *Hub) Option {
	return func(o *Orchestrator) { o.hub = h }
}

// New creates an Orchestrator. reporter may be nil, in which case the
// reporting stage only refreshes the project counts.
func New(
	cfg *config.Config,
	st store.Store,
	extractor Extractor,
	expander Expander,
	v *validator.Client,
	reporter Reporter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		extractor: extractor,
		expander:  expander,
		validator: v,
		reporter:  reporter,
		costCalc:  cost.NewCalculator(cost.DefaultRates()),
		provider:  cfg.SERP.Provider,
		hub:       NewHub(0),
		now:       func() time.Time { return time.Now().UTC() },
		active:    make(map[string]bool),
		cancelled: make(map[string]bool),

		softTimeout: config.StageConfig.SoftTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe returns a channel of progress events for all projects and a
// func that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.hub.Subscribe()
}

// Running reports whether projectID has a run in progress in this process.
func (o *Orchestrator) Running(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[projectID]
}

// Cancel asks the run of projectID to stop. A running project stops at the
// next stage boundary or retry; the stage in flight runs to completion or
// timeout. A project that is not running is marked cancelled directly when
// its status allows it.
func (o *Orchestrator) Cancel(ctx context.Context, projectID string) error {
	o.mu.Lock()
	if o.active[projectID] {
		o.cancelled[projectID] = true
		o.mu.Unlock()
		zap.L().Info("pipeline: cancel requested", zap.String("project_id", projectID))
		return nil
	}
	o.mu.Unlock()

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return eris.Wrap(err, "pipeline: cancel")
	}
	if !p.Status.CanTransition(model.ProjectStatusCancelled) {
		return resilience.InvalidInputf("pipeline: project %s is %s and cannot be cancelled", p.ID, p.Status)
	}
	p.Status = model.ProjectStatusCancelled
	now := o.now()
	p.CompletedAt = &now
	if err := o.store.UpdateProject(ctx, p); err != nil {
		return eris.Wrap(err, "pipeline: cancel")
	}
	o.publishProject(p)
	return nil
}

func (o *Orchestrator) acquire(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[projectID] {
		return false
	}
	o.active[projectID] = true
	delete(o.cancelled, projectID)
	return true
}

func (o *Orchestrator) release(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, projectID)
	delete(o.cancelled, projectID)
}

func (o *Orchestrator) cancelRequested(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[projectID]
}

// RunProject executes all stages for a project in status created or failed.
// The returned outcome reflects the stored state even when err is non-nil.
func (o *Orchestrator) RunProject(ctx context.Context, projectID string) (*model.ProjectOutcome, error) {
	log := zap.L().With(zap.String("project_id", projectID))

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load project")
	}
	if !p.Status.Runnable() {
		return nil, resilience.InvalidInputf("pipeline: project %s is %s", p.ID, p.Status)
	}
	if !o.acquire(p.ID) {
		return nil, resilience.InvalidInputf("pipeline: project %s is already running", p.ID)
	}
	defer o.release(p.ID)

	// End states are written even after ctx is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	started := o.now()
	p.Status = model.ProjectStatusRunning
	p.CompletedSteps = 0
	p.CurrentStage = ""
	p.ErrorMessage = ""
	p.StartedAt = &started
	p.CompletedAt = nil
	if err := o.store.UpdateProject(persistCtx, p); err != nil {
		return nil, eris.Wrap(err, "pipeline: mark running")
	}
	o.publishProject(p)
	log.Info("pipeline: starting project", zap.String("site_url", p.SiteURL))

	tasks, err := o.store.CreateStageTasks(persistCtx, p.ID)
	if err != nil {
		err = eris.Wrap(err, "pipeline: create stage tasks")
		o.finish(persistCtx, p, model.ProjectStatusFailed, err.Error())
		return o.outcomeOrNil(persistCtx, p), err
	}

	var runErr error
	final := model.ProjectStatusCompleted
	for i := range tasks {
		task := &tasks[i]

		if ctx.Err() != nil || o.cancelRequested(p.ID) {
			o.closeTasks(persistCtx, p, tasks[i:], model.StageStatusCancelled, "project cancelled")
			final, runErr = model.ProjectStatusCancelled, eris.Wrapf(ErrCancelled, "before %s", task.Kind)
			break
		}

		out, err := o.runStage(ctx, persistCtx, p, task)
		if err != nil {
			if ctx.Err() != nil || o.cancelRequested(p.ID) {
				o.closeTasks(persistCtx, p, tasks[i+1:], model.StageStatusCancelled, "project cancelled")
				final, runErr = model.ProjectStatusCancelled, eris.Wrapf(ErrCancelled, "during %s: %v", task.Kind, err)
				break
			}
			log.Error("pipeline: stage failed",
				zap.String("stage", string(task.Kind)),
				zap.String("kind", string(resilience.KindOf(err))),
				zap.Int("retries", task.RetryCount),
				zap.Error(err),
			)
			final, runErr = model.ProjectStatusFailed, err
			break
		}

		p.CompletedSteps++
		if err := o.store.UpdateProject(persistCtx, p); err != nil {
			log.Warn("pipeline: failed to record completed step", zap.Error(err))
		}

		if out.Empty {
			log.Info("pipeline: nothing left to process",
				zap.String("stage", string(task.Kind)),
				zap.String("reason", out.Reason),
			)
			o.closeTasks(persistCtx, p, tasks[i+1:], model.StageStatusSkipped, out.Reason)
			break
		}
	}

	msg := ""
	if final == model.ProjectStatusFailed {
		msg = runErr.Error()
	}
	o.finish(persistCtx, p, final, msg)
	log.Info("pipeline: project finished",
		zap.String("status", string(p.Status)),
		zap.Int("completed_steps", p.CompletedSteps),
		zap.Int("total_keywords", p.TotalKeywords),
		zap.Int("aio_keywords", p.AIOKeywords),
	)

	outcome, err := o.Outcome(persistCtx, p.ID)
	if err != nil && runErr == nil {
		runErr = err
	}
	if final == model.ProjectStatusCancelled {
		runErr = resilience.NewError(resilience.KindAborted, runErr)
	}
	return outcome, runErr
}

// finish records the end state and the keyword counts of a run.
func (o *Orchestrator) finish(ctx context.Context, p *model.Project, status model.ProjectStatus, msg string) {
	if keywords, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{}); err == nil {
		p.TotalKeywords = len(keywords)
		p.AIOKeywords = Aggregate(OutcomesFromKeywords(keywords)).TriggeredCount
	}
	now := o.now()
	p.Status = status
	p.CurrentStage = ""
	p.ErrorMessage = msg
	p.CompletedAt = &now
	if err := o.store.UpdateProject(ctx, p); err != nil {
		zap.L().Error("pipeline: failed to record project end state",
			zap.String("project_id", p.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	o.publishProject(p)
}

// closeTasks moves pending tasks to a terminal status.
func (o *Orchestrator) closeTasks(ctx context.Context, p *model.Project, tasks []model.StageTask, status model.StageStatus, reason string) {
	now := o.now()
	for i := range tasks {
		t := &tasks[i]
		if !t.Status.CanTransition(status) {
			continue
		}
		t.Status = status
		t.CurrentOperation = reason
		t.CompletedAt = &now
		err := o.store.UpdateStageTask(ctx, t.ID, model.StageUpdate{
			Status:           &status,
			CurrentOperation: &reason,
			CompletedAt:      &now,
		})
		if err != nil {
			zap.L().Warn("pipeline: failed to close stage task",
				zap.String("project_id", p.ID),
				zap.String("stage", string(t.Kind)),
				zap.Error(err),
			)
		}
		o.publishTask(p, t)
	}
}

// runStage drives one stage task through its attempts.
func (o *Orchestrator) runStage(ctx, persistCtx context.Context, p *model.Project, task *model.StageTask) (StageOutput, error) {
	sc := o.stageConfig(task.Kind)
	log := zap.L().With(zap.String("project_id", p.ID), zap.String("stage", string(task.Kind)))

	p.CurrentStage = task.Kind
	if err := o.store.UpdateProject(persistCtx, p); err != nil {
		log.Warn("pipeline: failed to record current stage", zap.Error(err))
	}

	policy := resilience.StagePolicy(sc.Retries, sc.Backoff())
	policy.ShouldRetry = func(err error) bool {
		return stageRetryable(err) && !o.cancelRequested(p.ID)
	}
	policy.OnRetry = func(retry int, err error) {
		log.Warn("pipeline: retrying stage",
			zap.Int("retry", retry),
			zap.Int("max_retries", sc.Retries),
			zap.String("kind", string(resilience.KindOf(err))),
			zap.Error(err),
		)
	}

	attempt := 0
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (StageOutput, error) {
		attempt++
		if attempt > 1 && o.cancelRequested(p.ID) {
			return StageOutput{}, resilience.NewError(resilience.KindAborted, ErrCancelled)
		}
		return o.attemptStage(ctx, persistCtx, p, task, sc, attempt-1)
	})
}

// attemptStage runs a single attempt under the stage's time budget and
// records the task transition it produced.
func (o *Orchestrator) attemptStage(ctx, persistCtx context.Context, p *model.Project, task *model.StageTask, sc config.StageConfig, retry int) (StageOutput, error) {
	now := o.now()
	running := model.StageStatusRunning
	zero := 0.0
	upd := model.StageUpdate{Status: &running, Progress: &zero}
	if retry == 0 {
		task.StartedAt = &now
		upd.StartedAt = &now
	} else {
		task.RetryCount = retry
		upd.RetryCount = &retry
	}
	task.Status = running
	task.Progress = 0
	if err := o.store.UpdateStageTask(persistCtx, task.ID, upd); err != nil {
		return StageOutput{}, eris.Wrapf(err, "pipeline: mark %s running", task.Kind)
	}
	o.publishTask(p, task)

	stageCtx := ctx
	if d := sc.Timeout(); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	soft := make(chan struct{})
	if d := o.softTimeout(sc); d > 0 {
		timer := time.AfterFunc(d, func() { close(soft) })
		defer timer.Stop()
	}

	run := &stageRun{o: o, project: p, task: task, soft: soft, persistCtx: persistCtx}
	start := time.Now()
	out, err := o.dispatch(stageCtx, run)
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}

	done := o.now()
	if err != nil {
		status := model.StageStatusFailed
		if ctx.Err() != nil {
			status = model.StageStatusCancelled
		}
		msg := err.Error()
		kind := string(resilience.KindOf(err))
		task.Status, task.ErrorMessage, task.ErrorKind = status, msg, kind
		task.CompletedAt = &done
		if uerr := o.store.UpdateStageTask(persistCtx, task.ID, model.StageUpdate{
			Status:       &status,
			ErrorMessage: &msg,
			ErrorKind:    &kind,
			CompletedAt:  &done,
		}); uerr != nil {
			zap.L().Warn("pipeline: failed to record stage failure", zap.String("project_id", p.ID), zap.Error(uerr))
		}
		o.metrics.StageFinished(task.Kind, status, time.Since(start))
		o.publishTask(p, task)
		return StageOutput{}, err
	}

	completed := model.StageStatusCompleted
	full := 100.0
	empty := ""
	result := out.Result
	if result == nil {
		result = map[string]any{}
	}
	if out.Empty && out.Reason != "" {
		result["message"] = out.Reason
	}
	task.Status, task.Progress, task.ResultCount, task.Result = completed, full, out.Count, result
	task.ErrorMessage, task.ErrorKind = "", ""
	task.CompletedAt = &done
	if err := o.store.UpdateStageTask(persistCtx, task.ID, model.StageUpdate{
		Status:       &completed,
		Progress:     &full,
		Result:       result,
		ResultCount:  &out.Count,
		ErrorMessage: &empty,
		ErrorKind:    &empty,
		CompletedAt:  &done,
	}); err != nil {
		return StageOutput{}, eris.Wrapf(err, "pipeline: mark %s completed", task.Kind)
	}
	o.metrics.StageFinished(task.Kind, completed, time.Since(start))
	o.publishTask(p, task)
	zap.L().Info("pipeline: stage complete",
		zap.String("project_id", p.ID),
		zap.String("stage", string(task.Kind)),
		zap.Int("result_count", out.Count),
		zap.Int("retries", task.RetryCount),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, run *stageRun) (StageOutput, error) {
	switch run.task.Kind {
	case model.StageExtraction:
		return o.extract(ctx, run)
	case model.StageExpansion:
		return o.expand(ctx, run)
	case model.StageValidation:
		return o.validate(ctx, run)
	case model.StageReporting:
		return o.report(ctx, run)
	default:
		return StageOutput{}, resilience.InvalidInputf("pipeline: unknown stage %q", run.task.Kind)
	}
}

func (o *Orchestrator) stageConfig(kind model.StageKind) config.StageConfig {
	switch kind {
	case model.StageExtraction:
		return o.cfg.Pipeline.Extraction
	case model.StageExpansion:
		return o.cfg.Pipeline.Expansion
	case model.StageValidation:
		return o.cfg.Pipeline.Validation
	default:
		return o.cfg.Pipeline.Reporting
	}
}

// stageRetryable reports whether a failed stage attempt may be repeated.
// Unclassified failures are retried at stage level, unlike single requests.
func stageRetryable(err error) bool {
	switch resilience.KindOf(err) {
	case resilience.KindTransient, resilience.KindRateLimited, resilience.KindUnknown:
		return true
	default:
		return false
	}
}

// Outcome summarizes a project from its stored keywords and stage tasks.
func (o *Orchestrator) Outcome(ctx context.Context, projectID string) (*model.ProjectOutcome, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: outcome")
	}
	tasks, err := o.store.ListStageTasks(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: outcome tasks")
	}
	keywords, err := o.store.ListKeywords(ctx, projectID, store.KeywordFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: outcome keywords")
	}
	return BuildOutcome(p, tasks, keywords), nil
}

func (o *Orchestrator) outcomeOrNil(ctx context.Context, p *model.Project) *model.ProjectOutcome {
	out, err := o.Outcome(ctx, p.ID)
	if err != nil {
		return nil
	}
	return out
}

// BuildOutcome assembles a ProjectOutcome from stored state.
func BuildOutcome(p *model.Project, tasks []model.StageTask, keywords []model.Keyword) *model.ProjectOutcome {
	summary := Aggregate(OutcomesFromKeywords(keywords))
	out := &model.ProjectOutcome{
		ProjectID:           p.ID,
		Status:              p.Status,
		Stages:              make([]model.StageResult, 0, len(tasks)),
		TotalKeywords:       len(keywords),
		TriggeredKeywords:   summary.TriggeredCount,
		TriggeredPercentage: summary.TriggeredPercentage,
	}
	for _, t := range tasks {
		out.Stages = append(out.Stages, model.StageResult{
			Kind:        t.Kind,
			Status:      t.Status,
			ResultCount: t.ResultCount,
			RetryCount:  t.RetryCount,
			Result:      t.Result,
			Error:       t.ErrorMessage,
		})
	}
	return out
}

func (o *Orchestrator) publishProject(p *model.Project) {
	o.hub.Publish(Event{
		ProjectID:     p.ID,
		ProjectStatus: p.Status,
		Progress:      p.ProgressPercentage(),
	})
}

func (o *Orchestrator) publishTask(p *model.Project, t *model.StageTask) {
	o.hub.Publish(Event{
		ProjectID:     p.ID,
		ProjectStatus: p.Status,
		Stage:         t.Kind,
		Status:        t.Status,
		Progress:      t.Progress,
		Operation:     t.CurrentOperation,
	})
}

// stageRun is the state one stage attempt reports progress through.
type stageRun struct {
	o          *Orchestrator
	project    *model.Project
	task       *model.StageTask
	soft       <-chan struct{}
	persistCtx context.Context
}

// progress records the task's progress and current operation.
func (r *stageRun) progress(pct float64, format string, args ...any) {
	op := fmt.Sprintf(format, args...)
	r.task.Progress = pct
	r.task.CurrentOperation = op
	if err := r.o.store.UpdateStageTask(r.persistCtx, r.task.ID, model.StageUpdate{
		Progress:         &pct,
		CurrentOperation: &op,
	}); err != nil {
		zap.L().Debug("pipeline: failed to record progress",
			zap.String("project_id", r.project.ID),
			zap.String("stage", string(r.task.Kind)),
			zap.Error(err),
		)
	}
	r.o.publishTask(r.project, r.task)
}

// counts publishes item-level progress without touching the store.
func (r *stageRun) counts(resolved, total int) {
	r.o.hub.Publish(Event{
		ProjectID:     r.project.ID,
		ProjectStatus: r.project.Status,
		Stage:         r.task.Kind,
		Status:        r.task.Status,
		Progress:      r.task.Progress,
		Operation:     r.task.CurrentOperation,
		Resolved:      resolved,
		Total:         total,
	})
}
