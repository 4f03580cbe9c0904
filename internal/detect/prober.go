package detect

import (
	"context"
	"strings"

	"golang.org/x/text/language"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/pkg/serp"
)

// Prober runs one SERP search per keyword and applies a Detector to the
// response.
type Prober struct {
	client   serp.Client
	detector *Detector
	country  string
	language string
}

// NewProber builds a prober for the given locale. Country and language are
// normalized to the lowercase codes SERP providers expect ("us", "en",
// "zh-tw").
func NewProber(client serp.Client, detector *Detector, country, lang string) *Prober {
	if detector == nil {
		detector = NewDetector(DefaultRules())
	}
	return &Prober{
		client:   client,
		detector: detector,
		country:  NormalizeCountry(country),
		language: NormalizeLanguage(lang),
	}
}

// Probe searches keyword and reports whether the page shows an AI overview.
func (p *Prober) Probe(ctx context.Context, keyword string) (model.ProbeResult, error) {
	if strings.TrimSpace(keyword) == "" {
		return model.ProbeResult{}, resilience.InvalidInputf("detect: empty keyword")
	}
	resp, err := p.client.Search(ctx, serp.Query{Keyword: keyword, Country: p.country, Language: p.language})
	if err != nil {
		return model.ProbeResult{}, err
	}
	return p.detector.Detect(resp), nil
}

// WithLocale returns a copy of p probing in another locale. Empty values
// keep p's setting.
func (p *Prober) WithLocale(country, lang string) *Prober {
	cp := *p
	if c := NormalizeCountry(country); c != "" {
		cp.country = c
	}
	if l := NormalizeLanguage(lang); l != "" {
		cp.language = l
	}
	return &cp
}

// Provider names the underlying SERP provider.
func (p *Prober) Provider() string {
	return p.client.Provider()
}

// NormalizeLanguage returns the canonical lowercase BCP 47 form of tag, or
// tag lowercased when it does not parse.
func NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil {
		return strings.ToLower(tag)
	}
	return strings.ToLower(t.String())
}

// NormalizeCountry returns the lowercase ISO 3166 alpha-2 code for code.
func NormalizeCountry(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	r, err := language.ParseRegion(code)
	if err != nil {
		return strings.ToLower(code)
	}
	return strings.ToLower(r.String())
}
