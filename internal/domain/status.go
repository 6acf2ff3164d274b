package domain

import "slices"

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectCancelled ProjectStatus = "cancelled"
)

func (s ProjectStatus) Valid() bool {
	return slices.Contains([]ProjectStatus{ProjectActive, ProjectCompleted, ProjectOnHold, ProjectCancelled}, s)
}

type AssociateStatus string

const (
	AssociateActive    AssociateStatus = "active"
	AssociateBusy      AssociateStatus = "busy"
	AssociateAvailable AssociateStatus = "available"
	AssociateInactive  AssociateStatus = "inactive"
)

func (s AssociateStatus) Valid() bool {
	return slices.Contains([]AssociateStatus{AssociateActive, AssociateBusy, AssociateAvailable, AssociateInactive}, s)
}

type PaymentType string

const (
	PaymentHourly    PaymentType = "hourly"
	PaymentFixed     PaymentType = "fixed"
	PaymentMilestone PaymentType = "milestone"
)

func (t PaymentType) Valid() bool {
	return slices.Contains([]PaymentType{PaymentHourly, PaymentFixed, PaymentMilestone}, t)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return slices.Contains([]Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}, p)
}

// Decision is a party's answer to a contract or an invite.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionDecline
}

type SettlementMethod string

const (
	MethodManual       SettlementMethod = "manual"
	MethodMobileMoney  SettlementMethod = "mobile-money"
	MethodBankTransfer SettlementMethod = "bank-transfer"
	MethodCash         SettlementMethod = "cash"
	MethodCheck        SettlementMethod = "check"
)

func (m SettlementMethod) Valid() bool {
	return slices.Contains([]SettlementMethod{MethodManual, MethodMobileMoney, MethodBankTransfer, MethodCash, MethodCheck}, m)
}

// Automatic reports whether the method can be paid through a payout rail.
func (m SettlementMethod) Automatic() bool {
	return m == MethodMobileMoney || m == MethodBankTransfer
}

type ContractStatus string

const (
	ContractPending  ContractStatus = "pending"
	ContractAccepted ContractStatus = "accepted"
	ContractDeclined ContractStatus = "declined"
	ContractExpired  ContractStatus = "expired"
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractPending:  {ContractAccepted, ContractDeclined, ContractExpired},
	ContractAccepted: nil,
	ContractDeclined: nil,
	ContractExpired:  nil,
}

func (s ContractStatus) Valid() bool { return known(contractTransitions, s) }

func (s ContractStatus) Terminal() bool { return s.Valid() && len(contractTransitions[s]) == 0 }

func (s ContractStatus) CanTransition(to ContractStatus) bool {
	return slices.Contains(contractTransitions[s], to)
}

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
)

var inviteTransitions = map[InviteStatus][]InviteStatus{
	InvitePending:  {InviteAccepted, InviteDeclined},
	InviteAccepted: nil,
	InviteDeclined: nil,
}

func (s InviteStatus) Valid() bool { return known(inviteTransitions, s) }

func (s InviteStatus) CanTransition(to InviteStatus) bool {
	return slices.Contains(inviteTransitions[s], to)
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskTodo:       {TaskInProgress, TaskBlocked},
	TaskInProgress: {TaskReview, TaskCompleted, TaskBlocked, TaskTodo},
	TaskReview:     {TaskCompleted, TaskInProgress},
	TaskBlocked:    {TaskTodo, TaskInProgress},
	TaskCompleted:  nil,
}

func (s TaskStatus) Valid() bool { return known(taskTransitions, s) }

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	return slices.Contains(taskTransitions[s], to)
}

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementPending:    {SettlementProcessing, SettlementCompleted},
	SettlementProcessing: {SettlementCompleted, SettlementFailed},
	SettlementCompleted:  nil,
	SettlementFailed:     nil,
}

func (s SettlementStatus) Valid() bool { return known(settlementTransitions, s) }

func (s SettlementStatus) Terminal() bool { return s.Valid() && len(settlementTransitions[s]) == 0 }

func (s SettlementStatus) CanTransition(to SettlementStatus) bool {
	return slices.Contains(settlementTransitions[s], to)
}

func known[S ~string](table map[S][]S, s S) bool {
	_, ok := table[s]
	return ok
}
