package model

import "github.com/sells-group/aio-analyzer/internal/resilience"

// ValidationOutcome is the result of probing one keyword. ErrorKind is empty
// when the probe succeeded; a failed probe always reports Triggered=false.
type ValidationOutcome struct {
	Keyword      string          `json:"keyword"`
	Triggered    bool            `json:"triggered"`
	Excerpt      string          `json:"excerpt,omitempty"`
	TotalResults int64           `json:"total_results,omitempty"`
	ErrorKind    resilience.Kind `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
}

// Failed reports whether the probe gave up without a definitive answer.
func (o ValidationOutcome) Failed() bool {
	return o.ErrorKind != ""
}

// Summary folds validation outcomes into report figures.
type Summary struct {
	TotalValidated      int     `json:"total_validated"`
	TriggeredCount      int     `json:"triggered_count"`
	ErroredCount        int     `json:"errored_count"`
	TriggeredPercentage float64 `json:"triggered_percentage"`
}

// StageResult is the per-stage part of a ProjectOutcome.
type StageResult struct {
	Kind        StageKind      `json:"kind"`
	Status      StageStatus    `json:"status"`
	ResultCount int            `json:"result_count"`
	RetryCount  int            `json:"retry_count"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ProjectOutcome is what a pipeline run returns.
type ProjectOutcome struct {
	ProjectID           string        `json:"project_id"`
	Status              ProjectStatus `json:"status"`
	Stages              []StageResult `json:"stages"`
	TotalKeywords       int           `json:"total_keywords"`
	TriggeredKeywords   int           `json:"triggered_keywords"`
	TriggeredPercentage float64       `json:"triggered_percentage"`
}

// ProbeResult is the decision derived from one successful SERP probe.
type ProbeResult struct {
	Triggered    bool   `json:"triggered"`
	Signal       string `json:"signal,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
	TotalResults int64  `json:"total_results,omitempty"`
}
