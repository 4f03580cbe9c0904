package report

import (
	"fmt"
	"math"
)

// Recommendation thresholds.
const (
	highTriggerRate     = 50.0
	mediumTriggerRate   = 20.0
	minKeywords         = 50
	highAvgVolume       = 1000.0
	lowAvgVolume        = 100.0
	highCompetitionRate = 0.5
)

// Recommend derives advice from the trigger rate, keyword count, average
// search volume and competition mix of a report.
func Recommend(doc *Document) []string {
	if doc.TotalKeywords == 0 {
		return []string{"Not enough data to make recommendations."}
	}

	var recs []string
	pct := doc.Summary.TriggeredPercentage
	switch {
	case pct > highTriggerRate:
		recs = append(recs, fmt.Sprintf("High AI Overview trigger rate (%.2f%%): the keyword strategy is aligned with AI Overview trends.", pct))
	case pct > mediumTriggerRate:
		recs = append(recs, fmt.Sprintf("Medium AI Overview trigger rate (%.2f%%): optimize content to gain more AI Overview exposure.", pct))
	default:
		recs = append(recs, fmt.Sprintf("Low AI Overview trigger rate (%.2f%%): reassess the keyword strategy and focus on question-style content.", pct))
	}

	if doc.TotalKeywords < minKeywords {
		recs = append(recs, "Expand with more related keywords for a fuller picture of AI Overview potential.")
	}

	if doc.Volume.Total > 0 {
		switch {
		case doc.Volume.Avg > highAvgVolume:
			recs = append(recs, "Average search volume is high: these keywords have good traffic potential.")
		case doc.Volume.Avg < lowAvgVolume:
			recs = append(recs, "Average search volume is low: consider adding higher-volume long-tail keywords.")
		}
	}

	total := 0
	for _, n := range doc.Competition {
		total += n
	}
	if total > 0 && float64(doc.Competition["HIGH"])/float64(total) > highCompetitionRate {
		recs = append(recs, "Most keywords face high competition: look for lower-competition alternatives.")
	}
	return recs
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
