package report

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/aio-analyzer/internal/model"
)

// utf8BOM makes spreadsheet tools detect UTF-8 in the CSV table.
const utf8BOM = "\xEF\xBB\xBF"

// keywordColumns defines the ordered keyword table columns.
var keywordColumns = []string{
	"Keyword",
	"Source",
	"Monthly Searches",
	"Competition",
	"Competition Index",
	"Low Bid",
	"High Bid",
	"Clicks",
	"Impressions",
	"CTR",
	"Position",
	"Triggers AIO",
	"AIO Excerpt",
	"Validation Error",
}

// keywordRow maps a keyword onto keywordColumns. Keywords never validated
// show an empty trigger cell.
func keywordRow(k model.Keyword) []string {
	aio := ""
	if k.AIOTriggered != nil {
		aio = "N"
		if *k.AIOTriggered {
			aio = "Y"
		}
	}
	return []string{
		k.Text,
		string(k.Source),
		strconv.FormatInt(k.SearchVolume, 10),
		string(k.Competition),
		strconv.Itoa(k.CompetitionIndex),
		strconv.FormatFloat(k.BidLow, 'f', 2, 64),
		strconv.FormatFloat(k.BidHigh, 'f', 2, 64),
		strconv.FormatInt(k.Clicks, 10),
		strconv.FormatInt(k.Impressions, 10),
		strconv.FormatFloat(k.CTR, 'f', 4, 64),
		strconv.FormatFloat(k.Position, 'f', 2, 64),
		aio,
		k.AIOExcerpt,
		k.ValidationError,
	}
}

// WriteCSV writes the keyword table, in the given order, as UTF-8 CSV with
// a byte order mark.
func WriteCSV(path string, keywords []model.Keyword) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "report csv: create file")
	}
	defer f.Close()

	if _, err := f.WriteString(utf8BOM); err != nil {
		return eris.Wrap(err, "report csv: write bom")
	}

	w := csv.NewWriter(f)
	if err := w.Write(keywordColumns); err != nil {
		return eris.Wrap(err, "report csv: write header")
	}
	for _, k := range keywords {
		if err := w.Write(keywordRow(k)); err != nil {
			return eris.Wrap(err, "report csv: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "report csv: flush")
	}
	return eris.Wrap(f.Close(), "report csv: close file")
}

// WriteXLSX writes a workbook with a Summary sheet and a Keywords sheet.
func WriteXLSX(path string, doc *Document, keywords []model.Keyword) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report xlsx: add summary sheet")
	}
	pairs := [][2]string{
		{"Project", doc.Metadata.ProjectName},
		{"Site", doc.Metadata.SiteURL},
		{"Date range", doc.Metadata.StartDate + " to " + doc.Metadata.EndDate},
		{"Total keywords", strconv.Itoa(doc.TotalKeywords)},
		{"Validated", strconv.Itoa(doc.Summary.TotalValidated)},
		{"AIO triggered", strconv.Itoa(doc.Summary.TriggeredCount)},
		{"Errored", strconv.Itoa(doc.Summary.ErroredCount)},
		{"AIO percentage", strconv.FormatFloat(doc.Summary.TriggeredPercentage, 'f', 2, 64)},
		{"Average search volume", strconv.FormatFloat(doc.Volume.Avg, 'f', 2, 64)},
		{"Generated at", doc.Metadata.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
	}
	for _, p := range pairs {
		row := summary.AddRow()
		row.AddCell().SetString(p[0])
		row.AddCell().SetString(p[1])
	}
	summary.AddRow()
	summary.AddRow().AddCell().SetString("Recommendations")
	for _, r := range doc.Recommendations {
		summary.AddRow().AddCell().SetString(r)
	}

	sheet, err := f.AddSheet("Keywords")
	if err != nil {
		return eris.Wrap(err, "report xlsx: add keywords sheet")
	}
	header := sheet.AddRow()
	for _, c := range keywordColumns {
		header.AddCell().SetString(c)
	}
	for _, k := range keywords {
		row := sheet.AddRow()
		for i, v := range keywordRow(k) {
			cell := row.AddCell()
			switch i {
			case 2, 7, 8:
				n, _ := strconv.ParseInt(v, 10, 64)
				cell.SetInt64(n)
			default:
				cell.SetString(v)
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "report xlsx: save")
	}
	return nil
}
