package missionproofsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal missionproof HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Completion represents one completion record.
type Completion struct {
	ID                 string  `json:"id"`
	MissionID          string  `json:"mission_id"`
	TaskID             string  `json:"task_id"`
	UserID             string  `json:"user_id"`
	Status             string  `json:"status"`
	VerificationMethod string  `json:"verification_method"`
	SubmissionURL      string  `json:"submission_url,omitempty"`
	SubmitterHandle    string  `json:"submitter_handle,omitempty"`
	CreatedAt          string  `json:"created_at"`
	VerifiedAt         *string `json:"verified_at,omitempty"`
	FlaggedAt          *string `json:"flagged_at,omitempty"`
	FlaggedReason      *string `json:"flagged_reason,omitempty"`
	ReviewerID         *string `json:"reviewer_id,omitempty"`
}

// TaskStatus is the current status of one task for one user. Status is
// empty when the user has no record yet.
type TaskStatus struct {
	MissionID   string      `json:"mission_id"`
	TaskID      string      `json:"task_id"`
	UserID      string      `json:"user_id"`
	Status      string      `json:"status"`
	ClientState string      `json:"client_state"`
	Completion  *Completion `json:"completion,omitempty"`
}

// QueueItem is a submission offered to a reviewer.
type QueueItem struct {
	CompletionID    string `json:"completion_id"`
	ParticipationID string `json:"participation_id"`
	MissionID       string `json:"mission_id"`
	TaskID          string `json:"task_id"`
	SubmitterID     string `json:"submitter_id"`
	SubmitterHandle string `json:"submitter_handle,omitempty"`
	SubmissionURL   string `json:"submission_url"`
	Platform        string `json:"platform"`
	SubmittedAt     string `json:"submitted_at"`
}

type Aggregate struct {
	MissionID        string         `json:"mission_id"`
	TaskCounts       map[string]int `json:"task_counts"`
	TotalCompletions int            `json:"total_completions"`
	WinnersPerTask   *int           `json:"winners_per_task,omitempty"`
	Remaining        map[string]int `json:"remaining,omitempty"`
}

type Progress struct {
	MissionID        string   `json:"mission_id"`
	UserID           string   `json:"user_id"`
	VerifiedTaskIDs  []string `json:"verified_task_ids"`
	VerifiedCount    int      `json:"verified_count"`
	TotalTasks       int      `json:"total_tasks"`
	MissionCompleted bool     `json:"mission_completed"`
	Percent          int      `json:"percent"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked the caller to try again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// SubmitCompletion reports a completion. proofURL is required for link tasks.
func (c *Client) SubmitCompletion(ctx context.Context, missionID, taskID, proofURL string) (Completion, error) {
	body := map[string]any{
		"mission_id": missionID,
		"task_id":    taskID,
	}
	if proofURL != "" {
		body["proof_url"] = proofURL
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, "completions", body, &resp)
	return resp, err
}

// TaskStatus returns the caller's status for a task, or another user's when
// userID is set and the caller may review.
func (c *Client) TaskStatus(ctx context.Context, missionID, taskID, userID string) (TaskStatus, error) {
	endpoint := fmt.Sprintf("missions/%s/tasks/%s/status", url.PathEscape(missionID), url.PathEscape(taskID))
	if userID != "" {
		endpoint += "?user_id=" + url.QueryEscape(userID)
	}
	var resp TaskStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RedoCompletion starts a flagged completion over. An empty proofURL keeps the
// previous proof.
func (c *Client) RedoCompletion(ctx context.Context, completionID, proofURL string) (Completion, error) {
	body := map[string]any{}
	if proofURL != "" {
		body["proof_url"] = proofURL
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("completions/%s/redo", url.PathEscape(completionID)), body, &resp)
	return resp, err
}

// NextReviewItem returns one submission to review, or nil when none is left.
func (c *Client) NextReviewItem(ctx context.Context) (*QueueItem, error) {
	var resp struct {
		Item *QueueItem `json:"item"`
	}
	err := c.do(ctx, http.MethodPost, "review/next", nil, &resp)
	return resp.Item, err
}

func (c *Client) FlagCompletion(ctx context.Context, completionID, reason string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("completions/%s/flag", url.PathEscape(completionID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) VerifyCompletion(ctx context.Context, completionID string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("completions/%s/verify", url.PathEscape(completionID)), nil, &resp)
	return resp, err
}

func (c *Client) Aggregate(ctx context.Context, missionID string) (Aggregate, error) {
	var resp Aggregate
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("missions/%s/aggregate", url.PathEscape(missionID)), nil, &resp)
	return resp, err
}

// Progress returns a user's progress; "me" selects the caller.
func (c *Client) Progress(ctx context.Context, missionID, userID string) (Progress, error) {
	if userID == "" {
		userID = "me"
	}
	var resp Progress
	endpoint := fmt.Sprintf("missions/%s/progress/%s", url.PathEscape(missionID), url.PathEscape(userID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetProfile declares the caller's handle on a platform.
func (c *Client) SetProfile(ctx context.Context, platform, handle string) error {
	return c.do(ctx, http.MethodPut, "me/profiles/"+url.PathEscape(platform), map[string]any{"handle": handle}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
