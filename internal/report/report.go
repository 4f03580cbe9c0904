// Package report renders the outcome of a project as a JSON summary, a CSV
// keyword table and an XLSX workbook.
package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// Supported output formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// topN is the length of each top keyword list.
const topN = 10

// Version is stamped into the report metadata.
const Version = "1.0.0"

// Metadata describes when and for what a report was generated.
type Metadata struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name,omitempty"`
	SiteURL     string    `json:"site_url"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	GeneratedAt time.Time `json:"generated_at"`
	Version     string    `json:"version"`
}

// VolumeStats summarizes planner search volume over all keywords.
type VolumeStats struct {
	Total  int64   `json:"total_volume"`
	Avg    float64 `json:"avg_volume"`
	Median float64 `json:"median_volume"`
	Max    int64   `json:"max_volume"`
}

// SearchStats summarizes the Search Console figures of extracted keywords.
type SearchStats struct {
	Queries     int     `json:"total_queries"`
	Clicks      int64   `json:"total_clicks"`
	Impressions int64   `json:"total_impressions"`
	AvgCTR      float64 `json:"avg_ctr"`
	AvgPosition float64 `json:"avg_position"`
}

// KeywordRef is one entry of a top keyword list.
type KeywordRef struct {
	Keyword      string `json:"keyword"`
	SearchVolume int64  `json:"search_volume"`
}

// TopKeywords lists the highest-volume keywords on each side of the split.
type TopKeywords struct {
	HighVolumeAIO []KeywordRef `json:"high_volume_aio"`
	Opportunity   []KeywordRef `json:"opportunity_keywords"`
}

// Document is the JSON summary of a project.
type Document struct {
	Metadata        Metadata       `json:"metadata"`
	Summary         model.Summary  `json:"summary"`
	TotalKeywords   int            `json:"total_keywords"`
	Volume          VolumeStats    `json:"search_volume_stats"`
	Competition     map[string]int `json:"competition_distribution"`
	Search          SearchStats    `json:"gsc_summary"`
	TopKeywords     TopKeywords    `json:"top_keywords"`
	Recommendations []string       `json:"recommendations"`
}

// Writer renders reports under a directory, one subdirectory per project.
type Writer struct {
	dir     string
	formats []string
	now     func() time.Time
}

// NewWriter creates a Writer for the given formats. An empty list means
// every format.
func NewWriter(dir string, formats []string) (*Writer, error) {
	if dir == "" {
		return nil, resilience.InvalidInputf("report: output directory is required")
	}
	if len(formats) == 0 {
		formats = []string{FormatJSON, FormatCSV, FormatXLSX}
	}
	seen := map[string]bool{}
	var out []string
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case FormatJSON, FormatCSV, FormatXLSX:
		default:
			return nil, resilience.InvalidInputf("report: unknown format %q", f)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return &Writer{dir: dir, formats: out, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Report writes the configured formats for p and returns the written paths.
func (w *Writer) Report(ctx context.Context, p *model.Project, summary model.Summary, keywords []model.Keyword) ([]string, error) {
	doc := Build(p, summary, keywords, w.now())

	dir := filepath.Join(w.dir, p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "report: create output directory")
	}

	rows := Sorted(keywords)
	var paths []string
	for _, f := range w.formats {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		var (
			path string
			err  error
		)
		switch f {
		case FormatJSON:
			path = filepath.Join(dir, "aio_summary.json")
			err = writeJSON(path, doc)
		case FormatCSV:
			path = filepath.Join(dir, "aio_keywords.csv")
			err = WriteCSV(path, rows)
		case FormatXLSX:
			path = filepath.Join(dir, "aio_report.xlsx")
			err = WriteXLSX(path, doc, rows)
		}
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	zap.L().Info("report: written",
		zap.String("project_id", p.ID),
		zap.Strings("files", paths),
	)
	return paths, nil
}

// Build assembles the summary document.
func Build(p *model.Project, summary model.Summary, keywords []model.Keyword, now time.Time) *Document {
	doc := &Document{
		Metadata: Metadata{
			ProjectID:   p.ID,
			ProjectName: p.Name,
			SiteURL:     p.SiteURL,
			StartDate:   p.StartDate.Format(time.DateOnly),
			EndDate:     p.EndDate.Format(time.DateOnly),
			GeneratedAt: now,
			Version:     Version,
		},
		Summary:       summary,
		TotalKeywords: len(keywords),
		Volume:        volumeStats(keywords),
		Competition:   competition(keywords),
		Search:        searchStats(keywords),
		TopKeywords:   topKeywords(keywords),
	}
	doc.Recommendations = Recommend(doc)
	return doc
}

func writeJSON(path string, doc *Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: encode summary")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrap(err, "report: write summary")
	}
	return nil
}

// Sorted returns keywords with overview triggers first, then by search
// volume descending, then alphabetically.
func Sorted(keywords []model.Keyword) []model.Keyword {
	out := make([]model.Keyword, len(keywords))
	copy(out, keywords)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := triggered(out[i]), triggered(out[j])
		if ti != tj {
			return ti
		}
		if out[i].SearchVolume != out[j].SearchVolume {
			return out[i].SearchVolume > out[j].SearchVolume
		}
		return out[i].Text < out[j].Text
	})
	return out
}

func triggered(k model.Keyword) bool {
	return k.AIOTriggered != nil && *k.AIOTriggered
}

func volumeStats(keywords []model.Keyword) VolumeStats {
	if len(keywords) == 0 {
		return VolumeStats{}
	}
	vols := make([]int64, 0, len(keywords))
	var s VolumeStats
	for _, k := range keywords {
		vols = append(vols, k.SearchVolume)
		s.Total += k.SearchVolume
		if k.SearchVolume > s.Max {
			s.Max = k.SearchVolume
		}
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })
	n := len(vols)
	if n%2 == 1 {
		s.Median = float64(vols[n/2])
	} else {
		s.Median = float64(vols[n/2-1]+vols[n/2]) / 2
	}
	s.Avg = round2(float64(s.Total) / float64(n))
	return s
}

// competition counts keywords per planner tier. Keywords the planner never
// scored are left out.
func competition(keywords []model.Keyword) map[string]int {
	dist := map[string]int{}
	for _, k := range keywords {
		if k.Competition == "" {
			continue
		}
		dist[string(k.Competition)]++
	}
	return dist
}

func searchStats(keywords []model.Keyword) SearchStats {
	var s SearchStats
	var ctr, pos float64
	for _, k := range keywords {
		if k.Source != model.SourceExtraction {
			continue
		}
		s.Queries++
		s.Clicks += k.Clicks
		s.Impressions += k.Impressions
		ctr += k.CTR
		pos += k.Position
	}
	if s.Queries > 0 {
		s.AvgCTR = round4(ctr / float64(s.Queries))
		s.AvgPosition = round2(pos / float64(s.Queries))
	}
	return s
}

func topKeywords(keywords []model.Keyword) TopKeywords {
	byVolume := make([]model.Keyword, len(keywords))
	copy(byVolume, keywords)
	sort.SliceStable(byVolume, func(i, j int) bool {
		return byVolume[i].SearchVolume > byVolume[j].SearchVolume
	})

	top := TopKeywords{HighVolumeAIO: []KeywordRef{}, Opportunity: []KeywordRef{}}
	for _, k := range byVolume {
		if k.AIOTriggered == nil {
			continue
		}
		ref := KeywordRef{Keyword: k.Text, SearchVolume: k.SearchVolume}
		if *k.AIOTriggered {
			if len(top.HighVolumeAIO) < topN {
				top.HighVolumeAIO = append(top.HighVolumeAIO, ref)
			}
		} else if len(top.Opportunity) < topN {
			top.Opportunity = append(top.Opportunity, ref)
		}
	}
	return top
}
