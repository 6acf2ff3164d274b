package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"freeflow/internal/domain"
	"freeflow/internal/events"
	"freeflow/internal/repo"
)

type InviteInput struct {
	ContractID     string
	TaskID         string
	Role           string
	Priority       domain.Priority
	EstimatedHours *float64
	Deadline       string
}

// CreateInvite invites the contract's associate onto one task. The contract
// must be accepted and the task must belong to the contract's project.
func (e Engine) CreateInvite(ctx context.Context, in InviteInput, actorID string) (domain.TaskInvite, error) {
	if err := requireActor(actorID); err != nil {
		return domain.TaskInvite{}, err
	}
	if strings.TrimSpace(in.ContractID) == "" || strings.TrimSpace(in.TaskID) == "" {
		return domain.TaskInvite{}, validationf("contract and task are required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.TaskInvite{}, validationf("priority %q must be low, medium, high or urgent", in.Priority)
	}
	if in.EstimatedHours != nil && *in.EstimatedHours < 0 {
		return domain.TaskInvite{}, validationf("estimated hours must not be negative")
	}
	deadline := optionalString(in.Deadline)
	if deadline != nil {
		if _, err := parseDate("deadline", *deadline); err != nil {
			return domain.TaskInvite{}, err
		}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.TaskInvite{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, in.ContractID)
	if err != nil {
		return domain.TaskInvite{}, lookup(err, "contract", in.ContractID)
	}
	if c.Status != domain.ContractAccepted {
		return domain.TaskInvite{}, invalidStatef("contract %s is %s; invites need an accepted contract", c.ID, c.Status)
	}
	task, err := e.Repo.GetTask(ctx, tx, in.TaskID)
	if err != nil {
		return domain.TaskInvite{}, lookup(err, "task", in.TaskID)
	}
	if task.ProjectID != c.ProjectID {
		return domain.TaskInvite{}, validationf("task %s belongs to project %s, contract %s to project %s", task.ID, task.ProjectID, c.ID, c.ProjectID)
	}
	if task.Status == domain.TaskCompleted {
		return domain.TaskInvite{}, invalidStatef("task %s is already completed", task.ID)
	}
	if existing, err := e.Repo.FindOpenInvite(ctx, tx, c.ID, task.ID); err == nil {
		return domain.TaskInvite{}, conflictf(existing, "invite %s already exists for contract %s and task %s", existing.ID, c.ID, task.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TaskInvite{}, err
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = c.Role
	}
	now := e.stamp()
	inv := domain.TaskInvite{
		ID:             newID(),
		ContractID:     c.ID,
		TaskID:         task.ID,
		ProjectID:      c.ProjectID,
		AssociateID:    c.AssociateID,
		Role:           role,
		Priority:       in.Priority,
		EstimatedHours: in.EstimatedHours,
		Deadline:       deadline,
		Status:         domain.InvitePending,
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertInvite(ctx, tx, inv); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			if existing, ferr := e.Repo.FindOpenInvite(ctx, tx, c.ID, task.ID); ferr == nil {
				return domain.TaskInvite{}, conflictf(existing, "invite %s already exists for contract %s and task %s", existing.ID, c.ID, task.ID)
			}
		}
		return domain.TaskInvite{}, err
	}
	if err := e.emit(ctx, tx, events.InviteCreated, inv.ProjectID, "invite", inv.ID, actorID, events.EventPayload{
		"contract_id":  inv.ContractID,
		"task_id":      inv.TaskID,
		"associate_id": inv.AssociateID,
		"priority":     inv.Priority,
	}); err != nil {
		return domain.TaskInvite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInvite{}, err
	}
	return inv, nil
}

// RespondToInvite records the associate's answer. Accepting binds the task to
// the associate when the task is free; if another associate already holds it
// the binding is deferred to an explicit reassignment.
func (e Engine) RespondToInvite(ctx context.Context, id string, decision domain.Decision, actorID string) (domain.TaskInvite, error) {
	if err := requireActor(actorID); err != nil {
		return domain.TaskInvite{}, err
	}
	if !decision.Valid() {
		return domain.TaskInvite{}, validationf("decision %q must be accept or decline", decision)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.TaskInvite{}, err
	}
	defer tx.Rollback()

	inv, err := e.Repo.GetInvite(ctx, tx, id)
	if err != nil {
		return domain.TaskInvite{}, lookup(err, "invite", id)
	}
	to := domain.InviteDeclined
	evt := events.InviteDeclined
	if decision == domain.DecisionAccept {
		to = domain.InviteAccepted
		evt = events.InviteAccepted
	}
	if !inv.Status.CanTransition(to) {
		return domain.TaskInvite{}, invalidStatef("invite %s is %s and can no longer be answered", id, inv.Status)
	}
	if to == domain.InviteAccepted {
		c, err := e.Repo.GetContract(ctx, tx, inv.ContractID)
		if err != nil {
			return domain.TaskInvite{}, lookup(err, "contract", inv.ContractID)
		}
		if c.Status != domain.ContractAccepted {
			return domain.TaskInvite{}, invalidStatef("contract %s is %s; invite cannot be accepted", c.ID, c.Status)
		}
	}
	now := e.stamp()
	if err := e.Repo.SetInviteStatus(ctx, tx, id, inv.Status, to, now); err != nil {
		return domain.TaskInvite{}, stale(err, "invite", id)
	}
	inv.Status = to
	inv.UpdatedAt = now
	if to == domain.InviteAccepted {
		inv.AcceptedAt = &now
	} else {
		inv.DeclinedAt = &now
	}
	if err := e.emit(ctx, tx, evt, inv.ProjectID, "invite", inv.ID, actorID, events.EventPayload{
		"task_id":      inv.TaskID,
		"associate_id": inv.AssociateID,
		"created_by":   inv.CreatedBy,
	}); err != nil {
		return domain.TaskInvite{}, err
	}
	if to == domain.InviteAccepted {
		if err := e.bindAcceptedInvite(ctx, tx, inv, actorID); err != nil {
			return domain.TaskInvite{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInvite{}, err
	}
	return inv, nil
}

func (e Engine) bindAcceptedInvite(ctx context.Context, tx *sql.Tx, inv domain.TaskInvite, actorID string) error {
	task, err := e.Repo.GetTask(ctx, tx, inv.TaskID)
	if err != nil {
		return lookup(err, "task", inv.TaskID)
	}
	var reason string
	switch {
	case task.AssignedTo != nil && *task.AssignedTo == inv.AssociateID:
		return nil
	case task.Status == domain.TaskCompleted:
		reason = "task completed"
	case task.AssignedTo != nil:
		reason = "task assigned to " + *task.AssignedTo
	default:
		_, err := e.assignTx(ctx, tx, task, inv, actorID)
		return err
	}
	return e.emit(ctx, tx, events.TaskAssignmentDeferred, task.ProjectID, "task", task.ID, actorID, events.EventPayload{
		"invite_id":    inv.ID,
		"associate_id": inv.AssociateID,
		"reason":       reason,
	})
}
