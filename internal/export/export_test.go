package export

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/aio-analyzer/internal/fetcher"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

const englishCSV = "\xEF\xBB\xBFTop queries,Clicks,Impressions,CTR,Position\n" +
	"what is seo,1,234,3.5%,4.2\n" +
	"best pizza,12,340,3.53%,2\n" +
	"how to bake   bread,3,90,3.33%,8.9\n" +
	",5,5,1%,1\n"

func newReader(t *testing.T) *Reader {
	t.Helper()
	return NewReader(fetcher.NewRouter(fetcher.HTTPOptions{}, fetcher.FTPOptions{}), t.TempDir())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRead_CSV(t *testing.T) {
	path := writeFile(t, "Queries.csv", "Top queries,Clicks,Impressions,CTR,Position\n"+
		"what is seo,\"1,234\",\"10,500\",11.75%,4.2\n"+
		"how to bake   bread,3,90,3.33%,8.9\n"+
		",5,5,1%,1\n")

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "what is seo", rows[0].Query)
	assert.Equal(t, int64(1234), rows[0].Clicks)
	assert.Equal(t, int64(10500), rows[0].Impressions)
	assert.InDelta(t, 0.1175, rows[0].CTR, 1e-9)
	assert.InDelta(t, 4.2, rows[0].Position, 1e-9)
	assert.Equal(t, "how to bake bread", rows[1].Query)
	assert.InDelta(t, 0.0333, rows[1].CTR, 0.00001)
}

func TestRead_ChineseSemicolonCSV(t *testing.T) {
	path := writeFile(t, "查詢.csv", "\xEF\xBB\xBF熱門查詢;點擊;曝光;點閱率;排名\n"+
		"什麼是機器學習;7;120;5,83%;3,4\n")

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "什麼是機器學習", rows[0].Query)
	assert.Equal(t, int64(7), rows[0].Clicks)
	assert.Equal(t, int64(120), rows[0].Impressions)
	assert.InDelta(t, 0.0583, rows[0].CTR, 0.00001)
	assert.InDelta(t, 3.4, rows[0].Position, 0.00001)
}

func TestRead_QueryColumnOnly(t *testing.T) {
	path := writeFile(t, "keywords.csv", "Keyword\nwhat is seo\nwho is the ceo\n")

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Zero(t, rows[0].Clicks)
	assert.Zero(t, rows[1].Position)
}

func TestRead_MissingQueryColumn(t *testing.T) {
	path := writeFile(t, "Pages.csv", "Top pages,Clicks\nhttps://example.com/,3\n")

	_, err := newReader(t).Read(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, resilience.KindParse, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "no query column")
}

func TestRead_Empty(t *testing.T) {
	rows, err := newReader(t).Read(context.Background(), writeFile(t, "empty.csv", ""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRead_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	chart, err := f.AddSheet("Chart")
	require.NoError(t, err)
	chart.AddRow().AddCell().SetString("Date")

	queries, err := f.AddSheet("Queries")
	require.NoError(t, err)
	for _, rec := range [][]string{
		{"Top queries", "Clicks", "Impressions", "CTR", "Position"},
		{"what is seo", "4", "80", "5%", "6.1"},
	} {
		row := queries.AddRow()
		for _, v := range rec {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, f.Save(path))

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "what is seo", rows[0].Query)
	assert.InDelta(t, 0.05, rows[0].CTR, 0.00001)
}

func TestRead_XLSXFallsBackToFirstSheet(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	sheet.AddRow().AddCell().SetString("Query")
	sheet.AddRow().AddCell().SetString("what is seo")
	path := filepath.Join(t.TempDir(), "custom.xlsx")
	require.NoError(t, f.Save(path))

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRead_ZIPBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	for name, body := range map[string]string{
		"Chart.csv":   "Date,Clicks\n2026-03-01,3\n",
		"Pages.csv":   "Top pages,Clicks\nhttps://example.com/,3\n",
		"Queries.csv": englishCSV,
	} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	rows, err := newReader(t).Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "what is seo", rows[0].Query)
}

func TestRead_ZIPWithoutQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	fw, err := w.Create("Pages.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("Top pages\n")) //nolint:errcheck
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	_, err = newReader(t).Read(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, resilience.KindParse, resilience.KindOf(err))
}

func TestRead_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(englishCSV))
	}))
	defer srv.Close()

	rows, err := newReader(t).Read(context.Background(), srv.URL+"/Queries.csv")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRead_MissingFile(t *testing.T) {
	_, err := newReader(t).Read(context.Background(), filepath.Join(t.TempDir(), "gone.csv"))
	require.Error(t, err)
	assert.Equal(t, resilience.KindInvalidInput, resilience.KindOf(err))
}

func TestFilter(t *testing.T) {
	rows := []model.SearchRow{
		{Query: "what is seo"},
		{Query: "best pizza"},
		{Query: "how to bake bread"},
		{Query: "什麼是機器學習"},
	}

	got, err := Filter(rows, model.DefaultFilterPattern, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "什麼是機器學習", got[2].Query)

	got, err = Filter(rows, model.DefaultFilterPattern, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = Filter(rows, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	_, err = Filter(rows, "(", 0)
	require.Error(t, err)
	assert.Equal(t, resilience.KindInvalidInput, resilience.KindOf(err))
}

func TestParseNumbers(t *testing.T) {
	assert.Equal(t, int64(1234), parseCount("1,234"))
	assert.Equal(t, int64(1234), parseCount("1 234"))
	assert.Equal(t, int64(0), parseCount("n/a"))
	assert.InDelta(t, 0.125, parseRatio("12.5%"), 1e-9)
	assert.InDelta(t, 0.125, parseRatio("12,5%"), 1e-9)
	assert.InDelta(t, 0.03, parseRatio("0.03"), 1e-9)
	assert.InDelta(t, 4.2, parseDecimal("4,2"), 1e-9)
	assert.Zero(t, parseDecimal(""))
}
