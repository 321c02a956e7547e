// Command seed_approvals fills the approval repository with sample requests
// and decisions, then writes an audit report for them.
//
//	go run ./scripts -n 200 -format pdf -out /tmp/approvals.pdf
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/config"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/notifications"
	"github.com/asan-idp/approvalgate/internal/reports"
	"github.com/asan-idp/approvalgate/internal/store"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

var (
	requesters = []string{"dr.kim", "dr.lee", "dr.park", "dr.choi", "dr.jung", "nurse.han", "analyst.yoon", "analyst.kang"}
	approvers  = []string{"sup.lim", "mgr.song", "mgr.oh", "srmgr.baek", "cmo"}
	diagnoses  = []struct{ code, name string }{
		{"E11", "type 2 diabetes"},
		{"I10", "essential hypertension"},
		{"E78", "hyperlipidemia"},
		{"J45", "asthma"},
		{"N18", "chronic kidney disease"},
		{"F32", "major depressive disorder"},
	}
	wards = []string{"7A", "7B", "ICU", "ER", "11W", "PEDS"}
)

type sample struct {
	question string
	sql      string
}

func randomSample(r *rand.Rand) sample {
	d := diagnoses[r.Intn(len(diagnoses))]
	ward := wards[r.Intn(len(wards))]
	switch r.Intn(5) {
	case 0:
		return sample{
			question: fmt.Sprintf("How many patients were diagnosed with %s?", d.name),
			sql: fmt.Sprintf("SELECT COUNT(DISTINCT fv.patient_key) FROM fact_visit fv "+
				"JOIN dim_diagnosis dd ON fv.diagnosis_key = dd.diagnosis_key WHERE dd.kcd_code LIKE '%s%%'", d.code),
		}
	case 1:
		return sample{
			question: fmt.Sprintf("Names of patients on ward %s", ward),
			sql:      fmt.Sprintf("SELECT patient_name FROM dim_patient WHERE ward = '%s'", ward),
		}
	case 2:
		return sample{
			question: fmt.Sprintf("Contact details for %s patients", d.name),
			sql: fmt.Sprintf("SELECT p.patient_name, p.phone, p.email FROM dim_patient p "+
				"WHERE p.patient_key IN (SELECT patient_key FROM fact_visit WHERE diagnosis_code LIKE '%s%%')", d.code),
		}
	case 3:
		return sample{
			question: "Average length of stay by department",
			sql: "SELECT d.dept_name, AVG(fv.duration_days) FROM fact_visit fv " +
				"JOIN dim_department d ON fv.dept_key = d.dept_key GROUP BY d.dept_name",
		}
	default:
		return sample{
			question: fmt.Sprintf("Monthly visit counts for ward %s", ward),
			sql:      fmt.Sprintf("SELECT DATE_TRUNC('month', visit_date), COUNT(*) FROM fact_visit WHERE ward = '%s' GROUP BY 1", ward),
		}
	}
}

// localReview acknowledges every call so seeding works without a review daemon.
type localReview struct{}

func (localReview) CreateApprovalRequest(ctx context.Context, r *approval.Request) (workflow.ReviewAck, error) {
	return workflow.ReviewAck{ExternalID: r.ID(), Status: "seeded"}, nil
}

func (localReview) UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, extra map[string]interface{}) (workflow.ReviewAck, error) {
	return workflow.ReviewAck{ExternalID: id, Status: string(status)}, nil
}

func (localReview) GetApprovalStatus(ctx context.Context, id string) (workflow.ReviewStatus, error) {
	return workflow.ReviewStatus{Status: string(models.StatusPending)}, nil
}

func (localReview) CancelApprovalRequest(ctx context.Context, id string) (workflow.ReviewAck, error) {
	return workflow.ReviewAck{ExternalID: id, Status: string(models.StatusCancelled)}, nil
}

func (localReview) GetAvailableApprovers(ctx context.Context, level models.ApproverLevel) ([]workflow.Approver, error) {
	return nil, nil
}

func main() {
	count := flag.Int("n", 100, "Number of requests to create")
	format := flag.String("format", "csv", "Report format (csv or pdf)")
	out := flag.String("out", "", "Report output path (default approvals_<timestamp>.<ext>)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	var repo interface {
		workflow.Repository
		reports.DataProvider
	}
	if cfg.Database.Enabled() {
		st, err := store.New(store.Config{DSN: cfg.Database.DSN(), MaxOpenConns: 5, MaxIdleConns: 2})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to migrate: %v\n", err)
			os.Exit(1)
		}
		repo = st
	} else {
		fmt.Println("No database configured, seeding in memory")
		repo = store.NewMemory()
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc := workflow.NewService(repo, localReview{}, notifications.NewService(notifications.Config{}, quiet),
		workflow.WithLogger(quiet),
		workflow.WithDefaultExpiry(cfg.Workflow.DefaultExpiry()),
	)

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))
	priorities := []models.Priority{models.PriorityLow, models.PriorityMedium, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent}

	fmt.Printf("Seeding %d approval requests...\n", *count)
	created, decided := 0, 0
	for i := 0; i < *count; i++ {
		s := randomSample(r)
		res := svc.Create(ctx, workflow.CreateInput{
			SQL:             s.sql,
			NaturalLanguage: s.question,
			RequesterID:     requesters[r.Intn(len(requesters))],
			Priority:        priorities[r.Intn(len(priorities))],
		})
		if !res.Success {
			logger.Warn("skipped sample", "question", s.question, "error", res.Error)
			continue
		}
		created++

		switch r.Intn(4) {
		case 0, 1:
			decision := workflow.DecisionApprove
			if r.Intn(3) == 0 {
				decision = workflow.DecisionReject
			}
			if d := svc.ProcessDecision(ctx, workflow.DecisionInput{
				ApprovalID: res.ApprovalID,
				ApproverID: approvers[r.Intn(len(approvers))],
				Decision:   decision,
			}); d.Success {
				decided++
			}
		case 2:
			if r.Intn(4) == 0 {
				svc.Cancel(ctx, workflow.CancelInput{ApprovalID: res.ApprovalID, Reason: "Question answered elsewhere"})
			}
		}
	}
	fmt.Printf("  Created %d requests, decided %d\n", created, decided)

	reportFormat, err := reports.ParseFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	report, err := reports.NewGenerator(repo).Generate(ctx, &reports.ReportRequest{
		Format: reportFormat,
		Title:  "Sample Approval Audit Report",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate report: %v\n", err)
		os.Exit(1)
	}

	path := *out
	if path == "" {
		path = report.Filename
	}
	if err := os.WriteFile(path, report.Data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d rows to %s\n", report.Rows, path)
}
