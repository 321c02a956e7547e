package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(s); f {
	case "":
		return FormatPDF, nil
	case FormatCSV, FormatPDF:
		return f, nil
	}
	return "", fmt.Errorf("unsupported format: %s", s)
}

const (
	pageSize = 100
	// DefaultMaxRows bounds a single report.
	DefaultMaxRows = 5000
)

type ReportRequest struct {
	Format ReportFormat
	Title  string
	Filter workflow.ListFilter
}

type Report struct {
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Rows        int
	Truncated   bool
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider is the subset of the approval repository reports read from.
type DataProvider interface {
	ListWithFilters(ctx context.Context, f workflow.ListFilter, page, pageSize int) ([]*approval.Request, int, error)
}

type Generator struct {
	provider DataProvider
	maxRows  int
	now      func() time.Time
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithMaxRows(n int) Option {
	return func(g *Generator) { g.maxRows = n }
}

func NewGenerator(provider DataProvider, opts ...Option) *Generator {
	g := &Generator{provider: provider, maxRows: DefaultMaxRows, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stats summarizes the requests a report covers.
type Stats struct {
	Total      int
	ByStatus   map[string]int
	ByRisk     map[string]int
	ByApprover map[string]int
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	title := req.Title
	if title == "" {
		title = "Approval Audit Report"
	}

	requests, truncated, err := g.collect(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approval requests: %w", err)
	}

	generatedAt := g.now().UTC()
	stamp := generatedAt.Format("20060102_150405")

	var data []byte
	var filename, mimeType string
	switch format {
	case FormatCSV:
		data, err = toCSV(requests)
		filename = fmt.Sprintf("approvals_%s.csv", stamp)
		mimeType = "text/csv"
	case FormatPDF:
		data, err = toPDF(requests, title, generatedAt, truncated)
		filename = fmt.Sprintf("approvals_%s.pdf", stamp)
		mimeType = "application/pdf"
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		Format:      format,
		Title:       title,
		GeneratedAt: generatedAt,
		Rows:        len(requests),
		Truncated:   truncated,
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) collect(ctx context.Context, f workflow.ListFilter) ([]*approval.Request, bool, error) {
	var out []*approval.Request
	for page := 1; ; page++ {
		batch, total, err := g.provider.ListWithFilters(ctx, f, page, pageSize)
		if err != nil {
			return nil, false, err
		}
		out = append(out, batch...)
		if len(out) >= g.maxRows {
			return out[:g.maxRows], total > g.maxRows, nil
		}
		if len(batch) < pageSize || len(out) >= total {
			return out, false, nil
		}
	}
}

func Summarize(requests []*approval.Request) Stats {
	s := Stats{
		Total:      len(requests),
		ByStatus:   make(map[string]int),
		ByRisk:     make(map[string]int),
		ByApprover: make(map[string]int),
	}
	for _, st := range models.AllStatuses {
		s.ByStatus[string(st)] = 0
	}
	for _, c := range riskOrder {
		s.ByRisk[c] = 0
	}
	for _, r := range requests {
		s.ByStatus[string(r.Status())]++
		s.ByRisk[string(r.Risk().Category())]++
		if d := r.Decision(); d != nil && d.ApproverID != "" {
			s.ByApprover[d.ApproverID]++
		}
	}
	return s
}

var riskOrder = []string{
	string(risk.CategoryCritical),
	string(risk.CategoryHigh),
	string(risk.CategoryMedium),
	string(risk.CategoryLow),
}

var csvHeader = []string{
	"ID", "Title", "Requester", "Type", "Priority", "Risk Level", "Risk Score",
	"Risk Factors", "Status", "Required Approver", "Approver", "Decided At",
	"Reason", "Created At", "Expires At",
}

func csvRow(r *approval.Request) []string {
	approver, decidedAt, reason := "", "", ""
	if d := r.Decision(); d != nil {
		approver = d.ApproverID
		decidedAt = d.DecidedAt.Format(time.RFC3339)
		reason = d.Reason
	}
	factors := ""
	for i, f := range r.Risk().Factors() {
		if i > 0 {
			factors += ";"
		}
		factors += f
	}
	return []string{
		r.ID(),
		r.Title(),
		r.RequesterID(),
		string(r.Type()),
		string(r.Priority()),
		string(r.Risk().Category()),
		fmt.Sprintf("%d", r.Risk().Score()),
		factors,
		string(r.Status()),
		string(r.RequiredApproverLevel()),
		approver,
		decidedAt,
		reason,
		r.CreatedAt().Format(time.RFC3339),
		r.ExpiresAt().Format(time.RFC3339),
	}
}

func toCSV(requests []*approval.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCSV(&buf, requests); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCSV(out io.Writer, requests []*approval.Request) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range requests {
		if err := w.Write(csvRow(r)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// StreamCSV writes the CSV report for a filter straight to w.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, f workflow.ListFilter) error {
	requests, _, err := g.collect(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to fetch approval requests: %w", err)
	}
	return writeCSV(w, requests)
}

func toPDF(requests []*approval.Request, title string, generatedAt time.Time, truncated bool) ([]byte, error) {
	pdf := NewPDFReport(title, generatedAt)
	stats := Summarize(requests)

	pdf.AddSection("Summary")
	statusKeys := make([]string, 0, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		statusKeys = append(statusKeys, string(st))
	}
	pdf.AddSummaryTable(append([]string{"total"}, statusKeys...), withTotal(stats.ByStatus, stats.Total))
	if truncated {
		pdf.AddParagraph(fmt.Sprintf("Only the newest %d requests are listed.", len(requests)))
	}

	pdf.AddSection("Requests by Risk Level")
	pdf.AddChart("", riskOrder, stats.ByRisk)

	if len(stats.ByApprover) > 0 {
		pdf.AddSection("Decisions by Approver")
		pdf.AddSummaryTable(sortedKeys(stats.ByApprover), stats.ByApprover)
	}

	pdf.AddSection("Requests")
	headers := []string{"ID", "Title", "Requester", "Risk", "Status", "Approver", "Decided"}
	widths := []float64{20, 50, 25, 17, 20, 25, 23}
	rows := make([][]string, len(requests))
	for i, r := range requests {
		approver, decided := "", ""
		if d := r.Decision(); d != nil {
			approver = d.ApproverID
			decided = d.DecidedAt.Format("2006-01-02 15:04")
		}
		rows[i] = []string{
			truncate(r.ID(), 11),
			truncate(r.Title(), 32),
			truncate(r.RequesterID(), 14),
			string(r.Risk().Category()),
			string(r.Status()),
			truncate(approver, 14),
			decided,
		}
	}
	pdf.AddTable(headers, widths, rows)

	return pdf.Output()
}

func withTotal(m map[string]int, total int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["total"] = total
	return out
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}
