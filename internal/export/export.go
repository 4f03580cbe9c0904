// Package export reads query rows from Search Console performance exports.
// Exports come as a CSV file, an XLSX workbook with a "Queries" sheet, or
// the ZIP bundle the Search Console UI produces.
package export

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/fetcher"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// Names the Search Console UI gives the query table, in English and
// Traditional Chinese.
var (
	queryFiles  = []string{"Queries.csv", "查詢.csv"}
	queryTables = []string{"Queries", "查詢"}
)

type column int

const (
	colQuery column = iota
	colClicks
	colImpressions
	colCTR
	colPosition
)

var headerAliases = map[string]column{
	"top queries": colQuery,
	"query":       colQuery,
	"queries":     colQuery,
	"keyword":     colQuery,
	"熱門查詢":        colQuery,
	"查詢":          colQuery,
	"clicks":      colClicks,
	"點擊":          colClicks,
	"點擊次數":        colClicks,
	"impressions": colImpressions,
	"曝光":          colImpressions,
	"曝光次數":        colImpressions,
	"ctr":         colCTR,
	"點閱率":         colCTR,
	"position":    colPosition,
	"排名":          colPosition,
	"平均排名":        colPosition,
}

// Reader loads export files through a fetcher.Router.
type Reader struct {
	router  *fetcher.Router
	workDir string
}

// NewReader returns a Reader that downloads remote sources into a temp
// directory under workDir (os.TempDir when empty).
func NewReader(router *fetcher.Router, workDir string) *Reader {
	return &Reader{router: router, workDir: workDir}
}

// Read returns every query row of the export at source, in file order.
func (r *Reader) Read(ctx context.Context, source string) ([]model.SearchRow, error) {
	dir, err := os.MkdirTemp(r.workDir, "aio-export-*")
	if err != nil {
		return nil, eris.Wrap(err, "export: create work dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	local, err := r.router.Localize(ctx, source, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "export: fetch %s", source)
	}

	table, err := readTable(ctx, local, dir)
	if err != nil {
		return nil, err
	}
	rows, err := parseRows(table)
	if err != nil {
		return nil, eris.Wrapf(err, "export: %s", filepath.Base(local))
	}

	zap.L().Debug("export: rows read",
		zap.String("source", source),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

func readTable(ctx context.Context, path, dir string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		csvPath, err := fetcher.ExtractZIPMatch(path, dir, queryFiles...)
		if err != nil {
			return nil, resilience.ParseFailure(err)
		}
		return readCSVFile(ctx, csvPath)
	case ".xlsx":
		return readWorkbook(path)
	default:
		return readCSVFile(ctx, path)
	}
}

func readCSVFile(ctx context.Context, path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open csv")
	}
	defer f.Close() //nolint:errcheck

	rows, err := fetcher.ReadCSV(ctx, f, fetcher.CSVOptions{Delimiter: -1, TrimSpace: true, LazyQuotes: true})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.ParseFailure(err)
	}
	return rows, nil
}

// readWorkbook prefers the named query sheet and falls back to the first.
func readWorkbook(path string) ([][]string, error) {
	for _, name := range queryTables {
		rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: name})
		if err == nil {
			return rows, nil
		}
	}
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, resilience.ParseFailure(err)
	}
	return rows, nil
}

// parseRows maps the header row onto known columns. Only the query column
// is required; rows with an empty query are skipped.
func parseRows(table [][]string) ([]model.SearchRow, error) {
	if len(table) == 0 {
		return nil, nil
	}

	idx := map[column]int{}
	for i, h := range table[0] {
		if c, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := idx[c]; !dup {
				idx[c] = i
			}
		}
	}
	if _, ok := idx[colQuery]; !ok {
		return nil, resilience.ParseFailure(eris.Errorf("no query column in header %q", table[0]))
	}

	cell := func(row []string, c column) string {
		i, ok := idx[c]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]model.SearchRow, 0, len(table)-1)
	for _, row := range table[1:] {
		q := model.NormalizeKeyword(cell(row, colQuery))
		if q == "" {
			continue
		}
		out = append(out, model.SearchRow{
			Query:       q,
			Clicks:      parseCount(cell(row, colClicks)),
			Impressions: parseCount(cell(row, colImpressions)),
			CTR:         parseRatio(cell(row, colCTR)),
			Position:    parseDecimal(cell(row, colPosition)),
		})
	}
	return out, nil
}

// Filter keeps rows whose query matches pattern, up to limit rows (0 means
// no limit). An empty pattern keeps everything.
func Filter(rows []model.SearchRow, pattern string, limit int) ([]model.SearchRow, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, resilience.InvalidInput(eris.Wrap(err, "export: filter pattern"))
		}
	}

	var out []model.SearchRow
	for _, row := range rows {
		if re != nil && !re.MatchString(row.Query) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// parseCount reads "1,234" or "1 234" style integers. Unreadable cells are 0.
func parseCount(s string) int64 {
	s = strings.Map(func(r rune) rune {
		if r == ',' || r == ' ' || r == ' ' || r == '.' {
			return -1
		}
		return r
	}, s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseDecimal accepts a decimal point or, when no point is present, a
// decimal comma.
func parseDecimal(s string) float64 {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseRatio converts "12.5%" to 0.125. Bare numbers are taken as ratios
// already, matching what the Search Console API returns.
func parseRatio(s string) float64 {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		return parseDecimal(pct) / 100
	}
	return parseDecimal(s)
}
