package freeflowsdk

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

// Client is a minimal Freeflow HTTP API client. Amounts travel as decimal
// strings so callers keep exact minor units.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server
	// only honours it when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type Associate struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Email            string   `json:"email,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	Status           string   `json:"status,omitempty"`
	Rating           float64  `json:"rating,omitempty"`
	PayoutCutPercent string   `json:"payout_cut_percent"`
}

type PaymentTerms struct {
	Type     string  `json:"type"`
	Rate     *string `json:"rate,omitempty"`
	Amount   *string `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Schedule string  `json:"schedule,omitempty"`
}

type Contract struct {
	ID               string       `json:"id,omitempty"`
	ProjectID        string       `json:"project_id"`
	AssociateID      string       `json:"associate_id"`
	Role             string       `json:"role"`
	Responsibilities []string     `json:"responsibilities"`
	Deliverables     []string     `json:"deliverables,omitempty"`
	PaymentTerms     PaymentTerms `json:"payment_terms"`
	StartDate        string       `json:"start_date"`
	EndDate          *string      `json:"end_date,omitempty"`
	Status           string       `json:"status,omitempty"`
}

type Invite struct {
	ID             string   `json:"id,omitempty"`
	ContractID     string   `json:"contract_id"`
	TaskID         string   `json:"task_id"`
	ProjectID      string   `json:"project_id,omitempty"`
	AssociateID    string   `json:"associate_id,omitempty"`
	Role           string   `json:"role,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Deadline       *string  `json:"deadline,omitempty"`
	Status         string   `json:"status,omitempty"`
}

type Task struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status,omitempty"`
	Priority       string  `json:"priority,omitempty"`
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
	ActualHours    float64 `json:"actual_hours,omitempty"`
	DueDate        *string `json:"due_date,omitempty"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	TaskValue      *string `json:"task_value,omitempty"`
}

type Settlement struct {
	ID                string  `json:"id"`
	AssociateID       string  `json:"associate_id"`
	ProjectID         string  `json:"project_id"`
	TaskID            string  `json:"task_id"`
	ExpectedAmount    string  `json:"expected_amount"`
	Currency          string  `json:"currency"`
	PercentageCut     string  `json:"percentage_cut"`
	TaskValue         string  `json:"task_value"`
	Status            string  `json:"status"`
	Method            string  `json:"method,omitempty"`
	TransactionRef    string  `json:"transaction_ref,omitempty"`
	PayoutDestination string  `json:"payout_destination,omitempty"`
	RailRef           string  `json:"rail_ref,omitempty"`
	FailureReason     string  `json:"failure_reason,omitempty"`
	SupersedesID      *string `json:"supersedes_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
	SettledAt         *string `json:"settled_at,omitempty"`
}

// StatusChange is the result of moving a task and, on completion, settling it.
type StatusChange struct {
	Task              Task        `json:"task"`
	Settlement        *Settlement `json:"settlement,omitempty"`
	SettlementCreated bool        `json:"settlement_created"`
}

type Balance struct {
	Key         string `json:"key"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Settlements int    `json:"settlements"`
}

// MonthlySettlements is one month of completed settlements.
type MonthlySettlements struct {
	Month  string `json:"month"`
	Count  int    `json:"count"`
	Totals []struct {
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	} `json:"totals"`
}

// ManualPayment records a payment made outside the payout rail.
type ManualPayment struct {
	Method         string `json:"method,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	SettledAt      string `json:"settled_at,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code, such as
// "invalid_state" or "conflict", when the body carried one.
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

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// UpsertProject creates or updates a project.
func (c *Client) UpsertProject(ctx context.Context, p Project) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPut, "projects/"+url.PathEscape(p.ID), p, &resp)
	return resp, err
}

// UpsertAssociate creates or updates an associate.
func (c *Client) UpsertAssociate(ctx context.Context, a Associate) (Associate, error) {
	var resp Associate
	err := c.do(ctx, http.MethodPut, "associates/"+url.PathEscape(a.ID), a, &resp)
	return resp, err
}

// CreateContract offers a contract.
func (c *Client) CreateContract(ctx context.Context, in Contract) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", in, &resp)
	return resp, err
}

// RespondToContract records "accept" or "decline".
func (c *Client) RespondToContract(ctx context.Context, id, decision string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(id)+"/respond", map[string]string{"decision": decision}, &resp)
	return resp, err
}

// CreateInvite invites a contracted associate onto a task.
func (c *Client) CreateInvite(ctx context.Context, in Invite) (Invite, error) {
	var resp Invite
	err := c.do(ctx, http.MethodPost, "invites", in, &resp)
	return resp, err
}

// RespondToInvite records "accept" or "decline".
func (c *Client) RespondToInvite(ctx context.Context, id, decision string) (Invite, error) {
	var resp Invite
	err := c.do(ctx, http.MethodPost, "invites/"+url.PathEscape(id)+"/respond", map[string]string{"decision": decision}, &resp)
	return resp, err
}

// UpsertTask creates or updates a task.
func (c *Client) UpsertTask(ctx context.Context, t Task) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(t.ID), t, &resp)
	return resp, err
}

// SetTaskStatus moves a task. Completing an assigned task returns its settlement.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string) (StatusChange, error) {
	var resp StatusChange
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id)+"/status", map[string]string{"status": status}, &resp)
	return resp, err
}

// AssignTask assigns a task through an accepted invite.
func (c *Client) AssignTask(ctx context.Context, taskID, associateID, inviteID string) (Task, error) {
	var resp Task
	body := map[string]string{"associate_id": associateID, "invite_id": inviteID}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/assign", body, &resp)
	return resp, err
}

// SettleTask creates the settlement for a completed task, or returns the existing one.
func (c *Client) SettleTask(ctx context.Context, taskID string) (StatusChange, error) {
	var resp StatusChange
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/settlement", nil, &resp)
	return resp, err
}

func (c *Client) Settlement(ctx context.Context, id string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodGet, "settlements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RecordManualPayment marks a settlement completed.
func (c *Client) RecordManualPayment(ctx context.Context, id string, in ManualPayment) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "settlements/"+url.PathEscape(id)+"/manual", in, &resp)
	return resp, err
}

// InitiateTransfer hands a pending settlement to the payout rail.
func (c *Client) InitiateTransfer(ctx context.Context, id, destination, method string) (Settlement, error) {
	var resp Settlement
	body := map[string]string{"destination": destination}
	if method != "" {
		body["method"] = method
	}
	err := c.do(ctx, http.MethodPost, "settlements/"+url.PathEscape(id)+"/transfer", body, &resp)
	return resp, err
}

// ReportTransferResult delivers a payout rail answer.
func (c *Client) ReportTransferResult(ctx context.Context, id, status, railRef, reason string) (Settlement, error) {
	var resp Settlement
	body := map[string]string{"status": status, "rail_ref": railRef, "reason": reason}
	err := c.do(ctx, http.MethodPost, "settlements/"+url.PathEscape(id)+"/transfer-result", body, &resp)
	return resp, err
}

// RetrySettlement supersedes a failed settlement with a new pending one.
func (c *Client) RetrySettlement(ctx context.Context, id string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "settlements/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

// Outstanding sums open settlements grouped by "associate" or "project".
func (c *Client) Outstanding(ctx context.Context, groupBy string, keys ...string) ([]Balance, error) {
	q := url.Values{}
	if groupBy != "" {
		q.Set("group_by", groupBy)
	}
	for _, k := range keys {
		q.Add("key", k)
	}
	var resp []Balance
	err := c.do(ctx, http.MethodGet, withQuery("settlements/outstanding", q), nil, &resp)
	return resp, err
}

// SettlementHistory returns completed settlements per month for the
// months ending with the current one. Zero months uses the server default.
func (c *Client) SettlementHistory(ctx context.Context, projectID string, months int) ([]MonthlySettlements, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if months > 0 {
		q.Set("months", fmt.Sprint(months))
	}
	var resp []MonthlySettlements
	err := c.do(ctx, http.MethodGet, withQuery("views/settlement-history", q), nil, &resp)
	return resp, err
}

// Events returns the oldest events after the start of the log.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
