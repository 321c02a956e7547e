package reports

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	tr    func(string) string
	title string
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		tr:    pdf.UnicodeTranslatorFromDescriptor(""),
		title: title,
	}

	r.addFooter()
	r.addHeader(generatedAt)
	return r
}

func (r *PDFReport) addHeader(generatedAt time.Time) {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.tr(r.title), "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", generatedAt.Format("January 2, 2006 3:04 PM MST")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, r.tr(title), "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, r.tr(text), "", "L", false)
	r.pdf.Ln(5)
}

// AddTable renders rows under a dark header; widths are in mm and must
// match the header count.
func (r *PDFReport) AddTable(headers []string, widths []float64, rows [][]string) {
	r.pdf.SetFont("Arial", "B", 8)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		r.pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 8)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for i, cell := range row {
			r.pdf.CellFormat(widths[i], 7, r.tr(cell), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

// AddSummaryTable prints key/value counts in the given key order.
func (r *PDFReport) AddSummaryTable(keys []string, data map[string]int) {
	r.pdf.SetFont("Arial", "", 10)

	for _, key := range keys {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, key+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, fmt.Sprintf("%d", data[key]), "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddChart(title string, keys []string, data map[string]int) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	max := 0
	for _, v := range data {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	barMaxWidth := 100.0

	for _, label := range keys {
		value := data[label]
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")

		red, green, blue := riskColor(label)
		r.pdf.SetFillColor(red, green, blue)
		r.pdf.CellFormat(float64(value)/float64(max)*barMaxWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", value), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

func riskColor(level string) (int, int, int) {
	switch level {
	case "critical":
		return 220, 53, 69
	case "high":
		return 253, 126, 20
	case "medium":
		return 255, 193, 7
	case "low":
		return 40, 167, 69
	default:
		return 66, 133, 244
	}
}

func (r *PDFReport) addFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
