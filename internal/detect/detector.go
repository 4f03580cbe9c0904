package detect

import (
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/pkg/serp"
)

// Detector evaluates Rules against normalized SERP responses. It is safe
// for concurrent use.
type Detector struct {
	order        []string
	answerTitle  matcher
	answerText   matcher
	panelType    matcher
	organicText  matcher
	organicDepth int
	excerptRunes int
}

// NewDetector compiles rules. Invalid rules fall back to DefaultRules.
func NewDetector(r Rules) *Detector {
	if r.validate() != nil {
		r = DefaultRules()
	}
	excerpt := r.ExcerptRunes
	if excerpt == 0 {
		excerpt = DefaultExcerptRunes
	}
	return &Detector{
		order:        append([]string(nil), r.Order...),
		answerTitle:  newMatcher(r.AnswerTitleTerms),
		answerText:   newMatcher(r.AnswerSnippetTerms),
		panelType:    newMatcher(r.PanelTypeTerms),
		organicText:  newMatcher(r.OrganicSnippetTerm),
		organicDepth: r.OrganicDepth,
		excerptRunes: excerpt,
	}
}

// Detect returns the trigger decision for resp. The first rule in order
// that fires sets Signal and Excerpt.
func (d *Detector) Detect(resp *serp.Response) model.ProbeResult {
	if resp == nil {
		return model.ProbeResult{}
	}
	out := model.ProbeResult{TotalResults: resp.TotalResults}
	for _, name := range d.order {
		excerpt, ok := d.eval(name, resp)
		if !ok {
			continue
		}
		out.Triggered = true
		out.Signal = name
		out.Excerpt = truncateRunes(excerpt, d.excerptRunes)
		return out
	}
	return out
}

func (d *Detector) eval(name string, resp *serp.Response) (string, bool) {
	switch name {
	case SignalOverview:
		if resp.Overview != nil {
			return resp.Overview.Text(), true
		}
	case SignalAnswerBox:
		b := resp.AnswerBox
		if b == nil {
			return "", false
		}
		if b.Generated || d.answerTitle.match(b.Title) || d.answerTitle.match(b.Type) || d.answerText.match(b.Snippet) {
			return b.Text(), true
		}
	case SignalKnowledgeGraph:
		kg := resp.KnowledgeGraph
		if kg == nil {
			return "", false
		}
		if kg.Generated || d.panelType.match(kg.Type) {
			if kg.Description != "" {
				return kg.Description, true
			}
			return kg.Text(), true
		}
	case SignalOrganic:
		for i, r := range resp.Organic {
			if i >= d.organicDepth {
				break
			}
			if r.Generated || d.organicText.match(r.Snippet) {
				return r.Snippet, true
			}
		}
	}
	return "", false
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
