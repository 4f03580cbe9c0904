package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/config"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/store"
	"github.com/sells-group/aio-analyzer/pkg/keywordplanner"
)

// ExpandRequest carries the seed keywords of one expansion.
type ExpandRequest struct {
	Seeds    []string
	Language string
	Country  string
}

// Expander turns seed keywords into related keyword ideas.
type Expander interface {
	Expand(ctx context.Context, req ExpandRequest) ([]model.KeywordIdea, error)
}

// PlannerExpander expands seeds through the Keyword Planner. Targeting
// comes from configuration; the request locale is not mapped onto planner
// criteria.
type PlannerExpander struct {
	client keywordplanner.Client
	cfg    config.KeywordPlannerConfig
}

// NewPlannerExpander creates a PlannerExpander.
func NewPlannerExpander(client keywordplanner.Client, cfg config.KeywordPlannerConfig) *PlannerExpander {
	return &PlannerExpander{client: client, cfg: cfg}
}

// Expand implements Expander. At most SeedLimit seeds are sent.
func (e *PlannerExpander) Expand(ctx context.Context, req ExpandRequest) ([]model.KeywordIdea, error) {
	seeds := req.Seeds
	if e.cfg.SeedLimit > 0 && len(seeds) > e.cfg.SeedLimit {
		seeds = seeds[:e.cfg.SeedLimit]
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	ideas, err := e.client.GenerateIdeas(ctx, keywordplanner.IdeaRequest{
		Seeds:       seeds,
		LanguageID:  e.cfg.LanguageID,
		GeoTargetID: e.cfg.GeoTargetID,
	})
	if err != nil {
		return nil, eris.Wrap(err, "expand: generate ideas")
	}

	out := make([]model.KeywordIdea, 0, len(ideas))
	for _, i := range ideas {
		out = append(out, model.KeywordIdea{
			Text:             i.Text,
			SearchVolume:     i.AvgMonthly,
			Competition:      model.ParseCompetition(i.Competition),
			CompetitionIndex: i.CompetitionIndex,
			BidLow:           i.BidLow,
			BidHigh:          i.BidHigh,
		})
	}
	return out, nil
}

// expand runs the expansion stage. Seeds are the extracted keywords with
// the most impressions.
func (o *Orchestrator) expand(ctx context.Context, run *stageRun) (StageOutput, error) {
	p := run.project
	run.progress(10, "selecting seed keywords")

	seedRows, err := o.store.ListKeywords(ctx, p.ID, store.KeywordFilter{
		Source:  model.SourceExtraction,
		OrderBy: store.OrderByImpressions,
		Limit:   o.cfg.KeywordPlanner.SeedLimit,
	})
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "expand: list seeds")
	}
	if len(seedRows) == 0 {
		return StageOutput{
			Result: map[string]any{"total_expanded": 0, "new_keywords": 0, "seed_count": 0},
			Empty:  true,
			Reason: "no seed keywords to expand",
		}, nil
	}
	seeds := make([]string, 0, len(seedRows))
	for _, k := range seedRows {
		seeds = append(seeds, k.Text)
	}

	run.progress(30, "expanding %d seed keywords", len(seeds))
	ideas, err := o.expander.Expand(ctx, ExpandRequest{
		Seeds:    seeds,
		Language: p.Language,
		Country:  p.Country,
	})
	if err != nil {
		return StageOutput{}, err
	}

	run.progress(70, "storing %d keyword ideas", len(ideas))
	created, err := o.store.UpsertKeywordIdeas(ctx, p.ID, ideas)
	if err != nil {
		return StageOutput{}, eris.Wrap(err, "expand: store ideas")
	}

	result := ideaStats(ideas)
	result["total_expanded"] = len(ideas)
	result["new_keywords"] = created
	result["seed_count"] = len(seeds)
	return StageOutput{Count: len(ideas), Result: result}, nil
}

// ideaStats summarizes planner volume and competition.
func ideaStats(ideas []model.KeywordIdea) map[string]any {
	var sum, peak int64
	dist := map[string]int{
		string(model.CompetitionLow):     0,
		string(model.CompetitionMedium):  0,
		string(model.CompetitionHigh):    0,
		string(model.CompetitionUnknown): 0,
	}
	for _, i := range ideas {
		sum += i.SearchVolume
		if i.SearchVolume > peak {
			peak = i.SearchVolume
		}
		dist[string(i.Competition)]++
	}
	avg := 0.0
	if len(ideas) > 0 {
		avg = round2(float64(sum) / float64(len(ideas)))
	}
	return map[string]any{
		"avg_search_volume":        avg,
		"max_search_volume":        peak,
		"competition_distribution": dist,
	}
}
