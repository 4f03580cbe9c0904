// Package detect decides whether a search results page carries an AI
// overview, and adapts a SERP client into a keyword prober.
package detect

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Signal names, also used as rule names in the precedence order.
const (
	SignalOverview       = "overview"
	SignalAnswerBox      = "answer_box"
	SignalKnowledgeGraph = "knowledge_graph"
	SignalOrganic        = "organic"
)

// DefaultExcerptRunes caps the stored excerpt.
const DefaultExcerptRunes = 500

// Rules configures detection. Terms match whole words, case-insensitively;
// a multi-word term matches as a phrase.
type Rules struct {
	// Order is the precedence; the first rule that fires decides.
	Order []string `yaml:"order"`

	AnswerTitleTerms   []string `yaml:"answer_title_terms"`
	AnswerSnippetTerms []string `yaml:"answer_snippet_terms"`
	PanelTypeTerms     []string `yaml:"panel_type_terms"`
	OrganicSnippetTerm []string `yaml:"organic_snippet_terms"`
	OrganicDepth       int      `yaml:"organic_depth"`
	ExcerptRunes       int      `yaml:"excerpt_runes"`
}

// DefaultRules mirrors the heuristics the analyzer has always used.
func DefaultRules() Rules {
	return Rules{
		Order:              []string{SignalOverview, SignalAnswerBox, SignalKnowledgeGraph, SignalOrganic},
		AnswerTitleTerms:   []string{"ai", "ai overview"},
		AnswerSnippetTerms: []string{"generated", "ai generated"},
		PanelTypeTerms:     []string{"ai", "ai_overview", "ai overview"},
		OrganicSnippetTerm: []string{"ai generated"},
		OrganicDepth:       3,
		ExcerptRunes:       DefaultExcerptRunes,
	}
}

// LoadRules reads rules from a YAML file with a top-level "detect" key.
// Fields left out of the file keep their defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "detect: read rules %s", path)
	}

	wrapper := struct {
		Detect Rules `yaml:"detect"`
	}{Detect: DefaultRules()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Rules{}, eris.Wrap(err, "detect: parse rules")
	}

	r := wrapper.Detect
	if err := r.validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func (r Rules) validate() error {
	if len(r.Order) == 0 {
		return eris.New("detect: order must name at least one rule")
	}
	seen := make(map[string]bool, len(r.Order))
	for _, name := range r.Order {
		switch name {
		case SignalOverview, SignalAnswerBox, SignalKnowledgeGraph, SignalOrganic:
		default:
			return eris.Errorf("detect: unknown rule %q", name)
		}
		if seen[name] {
			return eris.Errorf("detect: rule %q listed twice", name)
		}
		seen[name] = true
	}
	if r.OrganicDepth < 0 {
		return eris.New("detect: organic_depth must not be negative")
	}
	if r.ExcerptRunes < 0 {
		return eris.New("detect: excerpt_runes must not be negative")
	}
	return nil
}

// matcher holds lowercased terms.
type matcher []string

func newMatcher(terms []string) matcher {
	m := make(matcher, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			m = append(m, t)
		}
	}
	return m
}

// match reports whether any term occurs in s as a whole word or phrase.
func (m matcher) match(s string) bool {
	if len(m) == 0 || s == "" {
		return false
	}
	text := " " + strings.Join(words(s), " ") + " "
	for _, t := range m {
		if strings.Contains(text, " "+strings.Join(words(t), " ")+" ") {
			return true
		}
	}
	return false
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
