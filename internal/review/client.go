// Package review talks to the human-in-the-loop review daemon.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asan-idp/approvalgate/internal/approval"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP review channel.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// StatusError is returned for non-2xx daemon responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("review daemon %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type ackResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) CreateApprovalRequest(ctx context.Context, r *approval.Request) (workflow.ReviewAck, error) {
	var resp ackResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals", r.ReviewPayload(), &resp); err != nil {
		return workflow.ReviewAck{}, err
	}
	c.logger.Info("approval forwarded to review daemon", "approval_id", r.ID(), "external_id", resp.ID)
	return ackFrom(resp, r.ID()), nil
}

func (c *Client) UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, extra map[string]interface{}) (workflow.ReviewAck, error) {
	body := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["status"] = status

	var resp ackResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/approvals/"+url.PathEscape(id)+"/status", body, &resp); err != nil {
		return workflow.ReviewAck{}, err
	}
	return ackFrom(resp, id), nil
}

func (c *Client) GetApprovalStatus(ctx context.Context, id string) (workflow.ReviewStatus, error) {
	var status workflow.ReviewStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals/"+url.PathEscape(id), nil, &status); err != nil {
		return workflow.ReviewStatus{}, err
	}
	return status, nil
}

func (c *Client) CancelApprovalRequest(ctx context.Context, id string) (workflow.ReviewAck, error) {
	var resp ackResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return workflow.ReviewAck{}, err
	}
	return ackFrom(resp, id), nil
}

func (c *Client) GetAvailableApprovers(ctx context.Context, level models.ApproverLevel) ([]workflow.Approver, error) {
	var resp struct {
		Approvers []workflow.Approver `json:"approvers"`
	}
	path := "/api/v1/approvers?level=" + url.QueryEscape(string(level))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvers, nil
}

func ackFrom(resp ackResponse, fallbackID string) workflow.ReviewAck {
	id := resp.ID
	if id == "" {
		id = fallbackID
	}
	return workflow.ReviewAck{ExternalID: id, Status: resp.Status}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding review request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building review request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling review daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding review response: %w", err)
	}
	return nil
}

var _ workflow.ReviewChannel = (*Client)(nil)
