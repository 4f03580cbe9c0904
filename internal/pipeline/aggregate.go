package pipeline

import (
	"math"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// Aggregate folds validation outcomes into a Summary. The trigger
// percentage is taken over every outcome, errored ones included, and is
// rounded to two decimals.
func Aggregate(outcomes map[string]model.ValidationOutcome) model.Summary {
	s := model.Summary{TotalValidated: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.Failed():
			s.ErroredCount++
		case o.Triggered:
			s.TriggeredCount++
		}
	}
	if s.TotalValidated > 0 {
		s.TriggeredPercentage = round2(float64(s.TriggeredCount) * 100 / float64(s.TotalValidated))
	}
	return s
}

// OutcomesFromKeywords rebuilds the outcome set from stored keywords.
// Keywords never probed are left out; a keyword whose last probe failed
// yields an errored outcome.
func OutcomesFromKeywords(keywords []model.Keyword) map[string]model.ValidationOutcome {
	out := make(map[string]model.ValidationOutcome, len(keywords))
	for _, k := range keywords {
		switch {
		case k.AIOTriggered != nil:
			out[k.Text] = model.ValidationOutcome{
				Keyword:      k.Text,
				Triggered:    *k.AIOTriggered,
				Excerpt:      k.AIOExcerpt,
				TotalResults: k.SERPTotalResults,
			}
		case k.ValidationError != "":
			out[k.Text] = model.ValidationOutcome{
				Keyword:   k.Text,
				ErrorKind: resilience.Kind(k.ValidationError),
			}
		}
	}
	return out
}

// errorKinds counts failed outcomes by kind.
func errorKinds(outcomes map[string]model.ValidationOutcome) map[string]int {
	kinds := make(map[string]int)
	for _, o := range outcomes {
		if o.Failed() {
			kinds[string(o.ErrorKind)]++
		}
	}
	return kinds
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
