package model

import (
	"strings"
	"time"
)

// KeywordSource records which stage first produced a keyword.
type KeywordSource string

const (
	SourceExtraction KeywordSource = "extraction"
	SourceExpansion  KeywordSource = "expansion"
)

// Competition is the advertiser competition tier reported by the planner.
type Competition string

const (
	CompetitionUnknown Competition = "UNKNOWN"
	CompetitionLow     Competition = "LOW"
	CompetitionMedium  Competition = "MEDIUM"
	CompetitionHigh    Competition = "HIGH"
)

// ParseCompetition maps a provider tier name onto Competition.
func ParseCompetition(s string) Competition {
	switch Competition(strings.ToUpper(strings.TrimSpace(s))) {
	case CompetitionLow:
		return CompetitionLow
	case CompetitionMedium:
		return CompetitionMedium
	case CompetitionHigh:
		return CompetitionHigh
	default:
		return CompetitionUnknown
	}
}

// Keyword is a search phrase scoped to a project. Fields fill in as the
// keyword passes through the stages.
type Keyword struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Text      string        `json:"keyword"`
	Source    KeywordSource `json:"source"`

	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`

	SearchVolume     int64       `json:"search_volume"`
	Competition      Competition `json:"competition,omitempty"`
	CompetitionIndex int         `json:"competition_index"`
	BidLow           float64     `json:"bid_low"`
	BidHigh          float64     `json:"bid_high"`

	AIOTriggered     *bool      `json:"aio_triggered,omitempty"`
	AIOExcerpt       string     `json:"aio_excerpt,omitempty"`
	SERPTotalResults int64      `json:"serp_total_results,omitempty"`
	ValidationError  string     `json:"validation_error,omitempty"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validated reports whether the keyword carries a definitive outcome.
func (k *Keyword) Validated() bool {
	return k.AIOTriggered != nil
}

// NormalizeKeyword trims and collapses whitespace so that identical phrases
// map to one record.
func NormalizeKeyword(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SearchRow is one query row from a search-console source.
type SearchRow struct {
	Query       string  `json:"query"`
	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// KeywordIdea is one suggestion from the keyword planner.
type KeywordIdea struct {
	Text             string      `json:"keyword"`
	SearchVolume     int64       `json:"search_volume"`
	Competition      Competition `json:"competition"`
	CompetitionIndex int         `json:"competition_index"`
	BidLow           float64     `json:"bid_low"`
	BidHigh          float64     `json:"bid_high"`
}
