package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/money"
	"freeflow/internal/query"
)

// Request payloads. Money travels as decimal strings.

type ProjectRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency,omitempty"`
	Status   string `json:"status,omitempty" enum:"active,completed,on_hold,cancelled"`
}

type AssociateRequest struct {
	Name             string   `json:"name"`
	Email            string   `json:"email,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	Status           string   `json:"status,omitempty" enum:"active,busy,available,inactive"`
	Rating           float64  `json:"rating,omitempty"`
	PayoutCutPercent string   `json:"payout_cut_percent" example:"70"`
}

type TaskRequest struct {
	ProjectID      string  `json:"project_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status,omitempty" enum:"todo,in_progress,review,completed,blocked"`
	Priority       string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
	ActualHours    float64 `json:"actual_hours,omitempty"`
	DueDate        string  `json:"due_date,omitempty" example:"2024-06-30"`
	TaskValue      *string `json:"task_value,omitempty" example:"10000.00"`
}

type PaymentTermsBody struct {
	Type     string  `json:"type" enum:"hourly,fixed,milestone"`
	Rate     *string `json:"rate,omitempty"`
	Amount   *string `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Schedule string  `json:"schedule,omitempty"`
}

type CreateContractRequest struct {
	ProjectID        string           `json:"project_id"`
	AssociateID      string           `json:"associate_id"`
	Role             string           `json:"role"`
	Responsibilities []string         `json:"responsibilities"`
	Deliverables     []string         `json:"deliverables,omitempty"`
	PaymentTerms     PaymentTermsBody `json:"payment_terms"`
	StartDate        string           `json:"start_date" example:"2024-03-01"`
	EndDate          string           `json:"end_date,omitempty"`
}

type UpdateContractRequest struct {
	Role             *string           `json:"role,omitempty"`
	Responsibilities []string          `json:"responsibilities,omitempty"`
	Deliverables     []string          `json:"deliverables,omitempty"`
	PaymentTerms     *PaymentTermsBody `json:"payment_terms,omitempty"`
	StartDate        *string           `json:"start_date,omitempty"`
	EndDate          *string           `json:"end_date,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"accept,decline"`
}

type ExpireRequest struct {
	// AsOf defaults to the server clock.
	AsOf string `json:"as_of,omitempty" example:"2024-03-15T00:00:00Z"`
}

type CreateInviteRequest struct {
	ContractID     string   `json:"contract_id"`
	TaskID         string   `json:"task_id"`
	Role           string   `json:"role,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Deadline       string   `json:"deadline,omitempty"`
}

type TaskStatusRequest struct {
	Status string `json:"status" enum:"todo,in_progress,review,completed,blocked"`
}

type AssignRequest struct {
	AssociateID string `json:"associate_id"`
	InviteID    string `json:"invite_id"`
}

type ManualSettlementRequest struct {
	Method         string `json:"method,omitempty" enum:"manual,mobile-money,bank-transfer,cash,check"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	SettledAt      string `json:"settled_at,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type TransferRequestBody struct {
	Destination string `json:"destination" example:"+254700000001"`
	Method      string `json:"method,omitempty" enum:"mobile-money,bank-transfer"`
}

type TransferResultRequest struct {
	Status  string `json:"status" enum:"completed,failed"`
	RailRef string `json:"rail_ref,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Responses

type AssociateResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Email            string   `json:"email,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	Status           string   `json:"status"`
	Rating           float64  `json:"rating"`
	PayoutCutPercent string   `json:"payout_cut_percent"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

type PaymentTermsResponse struct {
	Type     string  `json:"type"`
	Rate     *string `json:"rate,omitempty"`
	Amount   *string `json:"amount,omitempty"`
	Currency string  `json:"currency"`
	Schedule string  `json:"schedule,omitempty"`
}

type ContractResponse struct {
	ID               string               `json:"id"`
	ProjectID        string               `json:"project_id"`
	AssociateID      string               `json:"associate_id"`
	Role             string               `json:"role"`
	Responsibilities []string             `json:"responsibilities"`
	Deliverables     []string             `json:"deliverables,omitempty"`
	PaymentTerms     PaymentTermsResponse `json:"payment_terms"`
	StartDate        string               `json:"start_date"`
	EndDate          *string              `json:"end_date,omitempty"`
	Status           string               `json:"status"`
	CreatedBy        string               `json:"created_by"`
	CreatedAt        string               `json:"created_at"`
	UpdatedAt        string               `json:"updated_at"`
	AcceptedAt       *string              `json:"accepted_at,omitempty"`
	DeclinedAt       *string              `json:"declined_at,omitempty"`
	ExpiredAt        *string              `json:"expired_at,omitempty"`
}

type TaskResponse struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status"`
	Priority         string  `json:"priority"`
	EstimatedHours   float64 `json:"estimated_hours"`
	ActualHours      float64 `json:"actual_hours"`
	DueDate          *string `json:"due_date,omitempty"`
	AssignedTo       *string `json:"assigned_to,omitempty"`
	AssignedInviteID *string `json:"assigned_invite_id,omitempty"`
	TaskValue        *string `json:"task_value,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

type SettlementResponse struct {
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
	Notes             string  `json:"notes,omitempty"`
	SupersedesID      *string `json:"supersedes_id,omitempty"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	ProcessingAt      *string `json:"processing_at,omitempty"`
	SettledAt         *string `json:"settled_at,omitempty"`
	FailedAt          *string `json:"failed_at,omitempty"`
}

type TaskStatusResponse struct {
	Task              TaskResponse        `json:"task"`
	Settlement        *SettlementResponse `json:"settlement,omitempty"`
	SettlementCreated bool                `json:"settlement_created"`
}

type BalanceResponse struct {
	Key         string `json:"key"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Settlements int    `json:"settlements"`
}

type CurrencyTotalResponse struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type ActiveAssociateResponse struct {
	Associate AssociateResponse `json:"associate"`
	TaskIDs   []string          `json:"task_ids"`
}

type ProjectSettlementsResponse struct {
	ProjectID   string                  `json:"project_id"`
	Settlements []SettlementResponse    `json:"settlements"`
	Totals      []CurrencyTotalResponse `json:"totals"`
}

type AssociateSettlementsResponse struct {
	AssociateID string                       `json:"associate_id"`
	Projects    []ProjectSettlementsResponse `json:"projects"`
	Totals      []CurrencyTotalResponse      `json:"totals"`
}

type StatsResponse struct {
	Currency         string  `json:"currency"`
	TotalPayable     string  `json:"total_payable"`
	SettledThisMonth string  `json:"settled_this_month"`
	Outstanding      string  `json:"outstanding"`
	PendingCount     int     `json:"pending_count"`
	SettledShare     float64 `json:"settled_share"`
}

type MonthlySettlementsResponse struct {
	Month  string                  `json:"month" example:"2024-03"`
	Count  int                     `json:"count"`
	Totals []CurrencyTotalResponse `json:"totals"`
}

type OverviewResponse struct {
	Progress query.Progress           `json:"progress"`
	Active   []ActiveAssociateResponse `json:"active_associates"`
	Invites  []query.ProjectInvites    `json:"pending_invites"`
	Stats    []StatsResponse           `json:"settlement_stats"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func parseAmount(field string, v string) (decimal.Decimal, error) {
	d, err := money.Parse(v)
	if err != nil {
		return decimal.Decimal{}, badRequest(field+" must be a decimal number", map[string]any{field: v})
	}
	return d, nil
}

func parseNullAmount(field string, v *string) (decimal.NullDecimal, error) {
	if v == nil || *v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseAmount(field, *v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func (b PaymentTermsBody) terms() (domain.PaymentTerms, error) {
	rate, err := parseNullAmount("payment_terms.rate", b.Rate)
	if err != nil {
		return domain.PaymentTerms{}, err
	}
	amount, err := parseNullAmount("payment_terms.amount", b.Amount)
	if err != nil {
		return domain.PaymentTerms{}, err
	}
	return domain.PaymentTerms{
		Type:     domain.PaymentType(b.Type),
		Rate:     rate,
		Amount:   amount,
		Currency: b.Currency,
		Schedule: b.Schedule,
	}, nil
}

func associateResponse(a domain.Associate) AssociateResponse {
	return AssociateResponse{
		ID:               a.ID,
		Name:             a.Name,
		Email:            a.Email,
		Phone:            a.Phone,
		Skills:           a.Skills,
		Status:           string(a.Status),
		Rating:           a.Rating,
		PayoutCutPercent: a.PayoutCutPercent.String(),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ID:               c.ID,
		ProjectID:        c.ProjectID,
		AssociateID:      c.AssociateID,
		Role:             c.Role,
		Responsibilities: c.Responsibilities,
		Deliverables:     c.Deliverables,
		PaymentTerms: PaymentTermsResponse{
			Type:     string(c.PaymentTerms.Type),
			Rate:     nullString(c.PaymentTerms.Rate),
			Amount:   nullString(c.PaymentTerms.Amount),
			Currency: c.PaymentTerms.Currency,
			Schedule: c.PaymentTerms.Schedule,
		},
		StartDate:  c.StartDate,
		EndDate:    c.EndDate,
		Status:     string(c.Status),
		CreatedBy:  c.CreatedBy,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		AcceptedAt: c.AcceptedAt,
		DeclinedAt: c.DeclinedAt,
		ExpiredAt:  c.ExpiredAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		ProjectID:        t.ProjectID,
		Title:            t.Title,
		Description:      t.Description,
		Status:           string(t.Status),
		Priority:         string(t.Priority),
		EstimatedHours:   t.EstimatedHours,
		ActualHours:      t.ActualHours,
		DueDate:          t.DueDate,
		AssignedTo:       t.AssignedTo,
		AssignedInviteID: t.AssignedInviteID,
		TaskValue:        nullString(t.TaskValue),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
	}
}

// views renders amounts with each currency's minor units.
type views struct {
	units money.Units
}

func (v views) settlement(s domain.Settlement) SettlementResponse {
	return SettlementResponse{
		ID:                s.ID,
		AssociateID:       s.AssociateID,
		ProjectID:         s.ProjectID,
		TaskID:            s.TaskID,
		ExpectedAmount:    v.units.Format(s.ExpectedAmount, s.Currency),
		Currency:          s.Currency,
		PercentageCut:     s.PercentageCut.String(),
		TaskValue:         s.TaskValue.String(),
		Status:            string(s.Status),
		Method:            string(s.Method),
		TransactionRef:    s.TransactionRef,
		PayoutDestination: s.PayoutDestination,
		RailRef:           s.RailRef,
		FailureReason:     s.FailureReason,
		Notes:             s.Notes,
		SupersedesID:      s.SupersedesID,
		CreatedBy:         s.CreatedBy,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		ProcessingAt:      s.ProcessingAt,
		SettledAt:         s.SettledAt,
		FailedAt:          s.FailedAt,
	}
}

func (v views) settlements(items []domain.Settlement) []SettlementResponse {
	out := make([]SettlementResponse, 0, len(items))
	for _, s := range items {
		out = append(out, v.settlement(s))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func mapContracts(items []domain.Contract) []ContractResponse {
	out := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, contractResponse(c))
	}
	return out
}

func mapAssociates(items []domain.Associate) []AssociateResponse {
	out := make([]AssociateResponse, 0, len(items))
	for _, a := range items {
		out = append(out, associateResponse(a))
	}
	return out
}

func (v views) statusChange(c engine.StatusChange) TaskStatusResponse {
	out := TaskStatusResponse{Task: taskResponse(c.Task), SettlementCreated: c.SettlementCreated}
	if c.Settlement != nil {
		s := v.settlement(*c.Settlement)
		out.Settlement = &s
	}
	return out
}

func (v views) balances(items []engine.Balance) []BalanceResponse {
	out := make([]BalanceResponse, 0, len(items))
	for _, b := range items {
		out = append(out, BalanceResponse{Key: b.Key, Currency: b.Currency, Amount: v.units.Format(b.Amount, b.Currency), Settlements: b.Settlements})
	}
	return out
}

func (v views) totals(items []query.CurrencyTotal) []CurrencyTotalResponse {
	out := make([]CurrencyTotalResponse, 0, len(items))
	for _, t := range items {
		out = append(out, CurrencyTotalResponse{Currency: t.Currency, Amount: v.units.Format(t.Amount, t.Currency)})
	}
	return out
}

func mapActive(items []query.ActiveAssociate) []ActiveAssociateResponse {
	out := make([]ActiveAssociateResponse, 0, len(items))
	for _, a := range items {
		out = append(out, ActiveAssociateResponse{Associate: associateResponse(a.Associate), TaskIDs: a.TaskIDs})
	}
	return out
}

func (v views) grouped(items []query.AssociateSettlements) []AssociateSettlementsResponse {
	out := make([]AssociateSettlementsResponse, 0, len(items))
	for _, a := range items {
		group := AssociateSettlementsResponse{AssociateID: a.AssociateID, Totals: v.totals(a.Totals)}
		for _, p := range a.Projects {
			group.Projects = append(group.Projects, ProjectSettlementsResponse{
				ProjectID:   p.ProjectID,
				Settlements: v.settlements(p.Settlements),
				Totals:      v.totals(p.Totals),
			})
		}
		out = append(out, group)
	}
	return out
}

func (v views) history(items []query.MonthlySettlements) []MonthlySettlementsResponse {
	out := make([]MonthlySettlementsResponse, 0, len(items))
	for _, m := range items {
		out = append(out, MonthlySettlementsResponse{Month: m.Month, Count: m.Count, Totals: v.totals(m.Totals)})
	}
	return out
}

func (v views) stats(items []query.Stats) []StatsResponse {
	out := make([]StatsResponse, 0, len(items))
	for _, s := range items {
		out = append(out, StatsResponse{
			Currency:         s.Currency,
			TotalPayable:     v.units.Format(s.TotalPayable, s.Currency),
			SettledThisMonth: v.units.Format(s.SettledThisMonth, s.Currency),
			Outstanding:      v.units.Format(s.Outstanding, s.Currency),
			PendingCount:     s.PendingCount,
			SettledShare:     s.SettledShare,
		})
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
