package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyUrgentApproval   NotificationType = "urgent_approval"
	NotifyRequesterUpdate  NotificationType = "requester_update"
	NotifyApproversMessage NotificationType = "approvers_message"
	NotifyExpired          NotificationType = "approval_expired"
	NotifyDecision         NotificationType = "approval_decision"
	NotifyPendingDigest    NotificationType = "pending_digest"
)

// Severity gates which channels a notification reaches.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Notification represents a notification to be sent
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Severity   Severity
	Recipients []string
	Data       map[string]interface{}
	Timestamp  time.Time
}

type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity Severity
}

type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity Severity
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service delivers approval notifications to Slack and email. It implements
// workflow.Notifier; with both channels disabled it only logs.
type Service struct {
	config   Config
	logger   *slog.Logger
	client   *http.Client
	sendMail sendMailFunc
	now      func() time.Time
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config:   config,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = s.now()
	}

	var errs []error
	delivered := false

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		delivered = true
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		delivered = true
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if !delivered {
		s.logger.Debug("notification not routed to any channel",
			"type", notif.Type,
			"severity", notif.Severity,
			"title", notif.Title)
	}

	return errors.Join(errs...)
}

func shouldNotify(actual, minimum Severity) bool {
	return severityOrder[actual] >= severityOrder[minimum]
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackFieldTitles = []struct {
	key   string
	title string
}{
	{"approval_id", "Approval"},
	{"risk_level", "Risk"},
	{"required_approver_level", "Approver Level"},
	{"status", "Status"},
	{"remaining_minutes", "Minutes Left"},
	{"decision", "Decision"},
	{"reason", "Reason"},
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := []SlackField{}
	for _, f := range slackFieldTitles {
		if v, ok := notif.Data[f.key]; ok {
			fields = append(fields, SlackField{Title: f.title, Value: fmt.Sprint(v), Short: true})
		}
	}

	text := ""
	if len(notif.Recipients) > 0 {
		text = "To: " + strings.Join(notif.Recipients, ", ")
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Text:      text,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "approvalgate",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

func severityToColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#FF0000"
	case SeverityHigh:
		return "#FFA500"
	case SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification) error {
	subject := fmt.Sprintf("[Approval] %s", notif.Title)
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := s.sendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background-color: #f5f5f5; padding: 20px;">
    <div style="max-width: 600px; margin: 0 auto; background: white; border-radius: 8px;">
        <div style="padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0;">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div style="padding: 20px;">
            <p>{{.Message}}</p>
            {{if .Recipients}}<p>For: {{.Recipients}}</p>{{end}}
            {{if .Rows}}
            <table style="width: 100%; border-collapse: collapse;">
                {{range .Rows}}
                <tr><td style="padding: 8px; font-weight: bold;">{{.Key}}</td><td style="padding: 8px;">{{.Value}}</td></tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div style="padding: 15px 20px; font-size: 12px; color: #666;">
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`))

type emailRow struct {
	Key   string
	Value string
}

func formatEmailBody(notif *Notification) (string, error) {
	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]emailRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, emailRow{Key: k, Value: fmt.Sprint(notif.Data[k])})
	}

	headerColor := "#2196F3"
	switch notif.Severity {
	case SeverityCritical:
		headerColor = "#F44336"
	case SeverityHigh:
		headerColor = "#FF9800"
	case SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":       notif.Title,
		"Message":     notif.Message,
		"HeaderColor": headerColor,
		"Recipients":  strings.Join(notif.Recipients, ", "),
		"Rows":        rows,
		"Timestamp":   notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func requestData(r *approval.Request) map[string]interface{} {
	return map[string]interface{}{
		"approval_id":             r.ID(),
		"title":                   r.Title(),
		"requester_id":            r.RequesterID(),
		"risk_level":              string(r.Risk().Category()),
		"required_approver_level": string(r.RequiredApproverLevel()),
		"status":                  string(r.Status()),
		"remaining_minutes":       r.RemainingMinutes(),
	}
}

// SendUrgentNotification pages approvers about a request that needs
// attention now.
func (s *Service) SendUrgentNotification(ctx context.Context, r *approval.Request, recipients []string) error {
	severity := SeverityHigh
	if r.Risk().Score() >= 4 {
		severity = SeverityCritical
	}
	return s.Send(ctx, &Notification{
		Type:       NotifyUrgentApproval,
		Title:      "Urgent approval required",
		Message:    fmt.Sprintf("%s needs a %s decision within %d minutes", r.Title(), r.RequiredApproverLevel(), r.RemainingMinutes()),
		Severity:   severity,
		Recipients: recipients,
		Data:       requestData(r),
	})
}

func (s *Service) NotifyRequester(ctx context.Context, r *approval.Request, message string, kind models.NotificationKind) error {
	severity := SeverityLow
	switch kind {
	case models.KindWarning:
		severity = SeverityMedium
	case models.KindError:
		severity = SeverityHigh
	}
	data := requestData(r)
	data["kind"] = string(kind)
	return s.Send(ctx, &Notification{
		Type:       NotifyRequesterUpdate,
		Title:      "Approval request update",
		Message:    message,
		Severity:   severity,
		Recipients: []string{r.RequesterID()},
		Data:       data,
	})
}

func (s *Service) NotifyApprovers(ctx context.Context, r *approval.Request, approvers []string, message string) error {
	severity := SeverityMedium
	if r.RequiresUrgentAttention() {
		severity = SeverityHigh
	}
	return s.Send(ctx, &Notification{
		Type:       NotifyApproversMessage,
		Title:      "Approval request needs review",
		Message:    message,
		Severity:   severity,
		Recipients: approvers,
		Data:       requestData(r),
	})
}

func (s *Service) NotifyExpiration(ctx context.Context, r *approval.Request) error {
	return s.Send(ctx, &Notification{
		Type:       NotifyExpired,
		Title:      "Approval request expired",
		Message:    fmt.Sprintf("%s expired without a decision", r.Title()),
		Severity:   SeverityHigh,
		Recipients: []string{r.RequesterID()},
		Data:       requestData(r),
	})
}

func (s *Service) SendApprovalDecisionNotification(ctx context.Context, r *approval.Request, decisionKind, reason string) error {
	data := requestData(r)
	data["decision"] = decisionKind
	if reason != "" {
		data["reason"] = reason
	}
	return s.Send(ctx, &Notification{
		Type:       NotifyDecision,
		Title:      fmt.Sprintf("Approval request %s", decisionKind),
		Message:    fmt.Sprintf("%s was %s", r.Title(), decisionKind),
		Severity:   SeverityMedium,
		Recipients: []string{r.RequesterID()},
		Data:       data,
	})
}

// SendPendingDigest summarizes request counts for approvers.
func (s *Service) SendPendingDigest(ctx context.Context, counts map[models.ApprovalStatus]int) error {
	severity := SeverityLow
	if counts[models.StatusPending] > 10 {
		severity = SeverityMedium
	}
	data := make(map[string]interface{}, len(counts))
	for st, n := range counts {
		data[string(st)] = n
	}
	return s.Send(ctx, &Notification{
		Type:     NotifyPendingDigest,
		Title:    "Pending approvals digest",
		Message:  fmt.Sprintf("%d approval request(s) are waiting for a decision", counts[models.StatusPending]),
		Severity: severity,
		Data:     data,
	})
}

var _ workflow.Notifier = (*Service)(nil)
