package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the deploygate API for operator tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the operator bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// do performs the request and decodes the response into v. It returns the
// HTTP status so callers can tell admitted, skipped and rejected apart.
func (c *Client) do(ctx context.Context, method, path string, body any, v any) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	if resp.StatusCode >= http.StatusBadRequest {
		setter, ok := v.(retryAfterSetter)
		if resp.StatusCode != http.StatusTooManyRequests || !ok || !isRejection(data) {
			return resp.StatusCode, APIError{Status: resp.StatusCode, Message: extractError(data), RetryAfter: retryAfter}
		}
		// A rejected admission still carries a result body.
		defer setter.setRetryAfter(retryAfter)
	}

	if v == nil || len(data) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func isRejection(data []byte) bool {
	var peek struct {
		Outcome   string `json:"outcome"`
		Admission struct {
			Outcome string `json:"outcome"`
		} `json:"admission"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return false
	}
	return peek.Outcome == OutcomeRejected || peek.Admission.Outcome == OutcomeRejected
}

type retryAfterSetter interface {
	setRetryAfter(time.Duration)
}

func parseRetryAfter(raw string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Application mirrors the API application payload.
type Application struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RequireApproval bool      `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateApplicationInput captures the payload for application registration.
type CreateApplicationInput struct {
	Name            string `json:"name"`
	RequireApproval bool   `json:"require_approval"`
}

// CreateApplication registers a new application.
func (c *Client) CreateApplication(ctx context.Context, input CreateApplicationInput) (Application, error) {
	var app Application
	if _, err := c.do(ctx, http.MethodPost, "/applications", input, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// GetApplication fetches an application by id.
func (c *Client) GetApplication(ctx context.Context, applicationID string) (Application, error) {
	var app Application
	path := "/applications/" + url.PathEscape(applicationID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// Deployment mirrors a deployment queue entry.
type Deployment struct {
	ID               string     `json:"id"`
	ApplicationID    string     `json:"application_id"`
	PullRequestID    int64      `json:"pull_request_id"`
	Commit           string     `json:"commit"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	ApprovalStatus   string     `json:"approval_status"`
	ApprovedBy       *string    `json:"approved_by,omitempty"`
	IsRollback       bool       `json:"is_rollback"`
	InstantDeploy    bool       `json:"instant_deploy"`
	RequestedBy      string     `json:"requested_by,omitempty"`
	RollbackEventID  *string    `json:"rollback_event_id,omitempty"`
	Message          string     `json:"message,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Admission outcomes reported by the API.
const (
	OutcomeAdmitted = "admitted"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
)

// AdmissionResult reports how a deployment request was decided.
type AdmissionResult struct {
	Outcome            string        `json:"outcome"`
	DeploymentID       string        `json:"deployment_id,omitempty"`
	ActiveDeploymentID string        `json:"active_deployment_id,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	Deployment         *Deployment   `json:"deployment,omitempty"`
	RetryAfter         time.Duration `json:"-"`
}

func (r *AdmissionResult) setRetryAfter(d time.Duration) { r.RetryAfter = d }

// DeployInput captures a deployment request.
type DeployInput struct {
	Commit        string `json:"commit,omitempty"`
	ForceRebuild  bool   `json:"force_rebuild,omitempty"`
	RestartOnly   bool   `json:"restart_only,omitempty"`
	InstantDeploy bool   `json:"instant_deploy,omitempty"`
	PullRequestID int64  `json:"pull_request_id,omitempty"`
	PreApproved   bool   `json:"pre_approved,omitempty"`
}

// Deploy submits a deployment request. A rejected request is returned as a
// result with Outcome rejected and RetryAfter set, not as an error.
func (c *Client) Deploy(ctx context.Context, applicationID string, input DeployInput) (AdmissionResult, error) {
	var result AdmissionResult
	path := fmt.Sprintf("/applications/%s/deployments", url.PathEscape(applicationID))
	if _, err := c.do(ctx, http.MethodPost, path, input, &result); err != nil {
		return AdmissionResult{}, err
	}
	return result, nil
}

// ListDeploymentsOptions narrows deployment listings.
type ListDeploymentsOptions struct {
	Status        string
	Commit        string
	PullRequestID *int64
	Limit         int
}

// ListDeployments fetches recent deployments for an application, newest first.
func (c *Client) ListDeployments(ctx context.Context, applicationID string, opts ListDeploymentsOptions) ([]Deployment, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Commit != "" {
		query.Set("commit", opts.Commit)
	}
	if opts.PullRequestID != nil {
		query.Set("pull_request_id", strconv.FormatInt(*opts.PullRequestID, 10))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := fmt.Sprintf("/applications/%s/deployments", url.PathEscape(applicationID))
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var deployments []Deployment
	if _, err := c.do(ctx, http.MethodGet, path, nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment fetches a single deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var dep Deployment
	path := "/deployments/" + url.PathEscape(deploymentID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// Approve releases a deployment held at the approval gate.
func (c *Client) Approve(ctx context.Context, deploymentID, note string) (Deployment, error) {
	return c.decide(ctx, deploymentID, "approve", map[string]string{"note": note})
}

// Reject cancels a deployment held at the approval gate.
func (c *Client) Reject(ctx context.Context, deploymentID, note string) (Deployment, error) {
	return c.decide(ctx, deploymentID, "reject", map[string]string{"note": note})
}

// Cancel withdraws a deployment that has not started.
func (c *Client) Cancel(ctx context.Context, deploymentID, reason string) (Deployment, error) {
	return c.decide(ctx, deploymentID, "cancel", map[string]string{"reason": reason})
}

func (c *Client) decide(ctx context.Context, deploymentID, action string, body map[string]string) (Deployment, error) {
	var dep Deployment
	path := fmt.Sprintf("/deployments/%s/%s", url.PathEscape(deploymentID), action)
	if _, err := c.do(ctx, http.MethodPost, path, body, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// RollbackEvent mirrors the API rollback event payload.
type RollbackEvent struct {
	ID                   string     `json:"id"`
	ApplicationID        string     `json:"application_id"`
	TargetDeploymentID   string     `json:"target_deployment_id"`
	FailedDeploymentID   *string    `json:"failed_deployment_id,omitempty"`
	RollbackDeploymentID *string    `json:"rollback_deployment_id,omitempty"`
	TriggeredBy          *string    `json:"triggered_by,omitempty"`
	TriggerReason        string     `json:"trigger_reason"`
	TriggerType          string     `json:"trigger_type,omitempty"`
	Status               string     `json:"status"`
	FromCommit           string     `json:"from_commit,omitempty"`
	ToCommit             string     `json:"to_commit"`
	Attempts             int        `json:"attempts"`
	LastError            string     `json:"last_error,omitempty"`
	TriggeredAt          time.Time  `json:"triggered_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// RollbackResult pairs the rollback event with the admission decision.
type RollbackResult struct {
	Event     RollbackEvent   `json:"event"`
	Admission AdmissionResult `json:"admission"`
}

func (r *RollbackResult) setRetryAfter(d time.Duration) { r.Admission.RetryAfter = d }

// RollbackInput requests a rollback to a previously finished deployment.
type RollbackInput struct {
	TargetDeploymentID string `json:"target_deployment_id"`
	Reason             string `json:"reason,omitempty"`
	TriggerType        string `json:"trigger_type,omitempty"`
}

// Rollback starts a rollback for an application.
func (c *Client) Rollback(ctx context.Context, applicationID string, input RollbackInput) (RollbackResult, error) {
	var result RollbackResult
	path := fmt.Sprintf("/applications/%s/rollbacks", url.PathEscape(applicationID))
	if _, err := c.do(ctx, http.MethodPost, path, input, &result); err != nil {
		return RollbackResult{}, err
	}
	return result, nil
}

// ResumeRollback retries admission for a pending rollback event.
func (c *Client) ResumeRollback(ctx context.Context, eventID string) (RollbackResult, error) {
	var result RollbackResult
	path := fmt.Sprintf("/rollbacks/%s/resume", url.PathEscape(eventID))
	if _, err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return RollbackResult{}, err
	}
	return result, nil
}

// ListRollbacks returns recent rollback events for an application.
func (c *Client) ListRollbacks(ctx context.Context, applicationID string, limit int) ([]RollbackEvent, error) {
	path := fmt.Sprintf("/applications/%s/rollbacks", url.PathEscape(applicationID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []RollbackEvent
	if _, err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Event models a deployment journal line.
type Event struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"application_id"`
	DeploymentID  string          `json:"deployment_id,omitempty"`
	Type          string          `json:"type"`
	Actor         string          `json:"actor,omitempty"`
	Message       string          `json:"message"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ListEvents returns the most recent journal lines for an application.
func (c *Client) ListEvents(ctx context.Context, applicationID string, limit int) ([]Event, error) {
	path := fmt.Sprintf("/applications/%s/events", url.PathEscape(applicationID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []Event
	if _, err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}
