package domain

import "github.com/shopspring/decimal"

// Project is reference data mirrored from the project service.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Currency  string        `json:"currency"`
	Status    ProjectStatus `json:"status"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// Associate is reference data mirrored from the people directory.
type Associate struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Email            string          `json:"email,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	Skills           []string        `json:"skills,omitempty"`
	Status           AssociateStatus `json:"status"`
	Rating           float64         `json:"rating"`
	PayoutCutPercent decimal.Decimal `json:"payout_cut_percent"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

type PaymentTerms struct {
	Type     PaymentType         `json:"type"`
	Rate     decimal.NullDecimal `json:"rate"`
	Amount   decimal.NullDecimal `json:"amount"`
	Currency string              `json:"currency"`
	Schedule string              `json:"schedule,omitempty"`
}

type Contract struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	AssociateID      string         `json:"associate_id"`
	Role             string         `json:"role"`
	Responsibilities []string       `json:"responsibilities"`
	Deliverables     []string       `json:"deliverables,omitempty"`
	PaymentTerms     PaymentTerms   `json:"payment_terms"`
	StartDate        string         `json:"start_date"`
	EndDate          *string        `json:"end_date,omitempty"`
	Status           ContractStatus `json:"status"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	AcceptedAt       *string        `json:"accepted_at,omitempty"`
	DeclinedAt       *string        `json:"declined_at,omitempty"`
	ExpiredAt        *string        `json:"expired_at,omitempty"`
}

type TaskInvite struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contract_id"`
	TaskID         string       `json:"task_id"`
	ProjectID      string       `json:"project_id"`
	AssociateID    string       `json:"associate_id"`
	Role           string       `json:"role"`
	Priority       Priority     `json:"priority"`
	EstimatedHours *float64     `json:"estimated_hours,omitempty"`
	Deadline       *string      `json:"deadline,omitempty"`
	Status         InviteStatus `json:"status"`
	CreatedBy      string       `json:"created_by"`
	CreatedAt      string       `json:"created_at"`
	UpdatedAt      string       `json:"updated_at"`
	AcceptedAt     *string      `json:"accepted_at,omitempty"`
	DeclinedAt     *string      `json:"declined_at,omitempty"`
}

// Task is the slice of an externally owned task that the engagement workflow needs.
type Task struct {
	ID               string              `json:"id"`
	ProjectID        string              `json:"project_id"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Status           TaskStatus          `json:"status"`
	Priority         Priority            `json:"priority"`
	EstimatedHours   float64             `json:"estimated_hours"`
	ActualHours      float64             `json:"actual_hours"`
	DueDate          *string             `json:"due_date,omitempty"`
	AssignedTo       *string             `json:"assigned_to,omitempty"`
	AssignedInviteID *string             `json:"assigned_invite_id,omitempty"`
	TaskValue        decimal.NullDecimal `json:"task_value"`
	CreatedAt        string              `json:"created_at"`
	UpdatedAt        string              `json:"updated_at"`
	CompletedAt      *string             `json:"completed_at,omitempty"`
}

// Settlement records the payout owed to an associate for one completed task.
// ExpectedAmount, Currency and PercentageCut are fixed at creation.
type Settlement struct {
	ID                string           `json:"id"`
	AssociateID       string           `json:"associate_id"`
	ProjectID         string           `json:"project_id"`
	TaskID            string           `json:"task_id"`
	ExpectedAmount    decimal.Decimal  `json:"expected_amount"`
	Currency          string           `json:"currency"`
	PercentageCut     decimal.Decimal  `json:"percentage_cut"`
	TaskValue         decimal.Decimal  `json:"task_value"`
	Status            SettlementStatus `json:"status"`
	Method            SettlementMethod `json:"method,omitempty"`
	TransactionRef    string           `json:"transaction_ref,omitempty"`
	PayoutDestination string           `json:"payout_destination,omitempty"`
	RailRef           string           `json:"rail_ref,omitempty"`
	FailureReason     string           `json:"failure_reason,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	SupersedesID      *string          `json:"supersedes_id,omitempty"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
	ProcessingAt      *string          `json:"processing_at,omitempty"`
	SettledAt         *string          `json:"settled_at,omitempty"`
	FailedAt          *string          `json:"failed_at,omitempty"`
}

// Outstanding reports true while the settlement still counts toward an unpaid balance.
func (s Settlement) Outstanding() bool {
	return s.Status == SettlementPending || s.Status == SettlementProcessing
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
