package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"freeflow/internal/domain"
	"freeflow/internal/events"
	"freeflow/internal/repo"
)

// TaskInput mirrors a task from the task service. Status is only used when the task is first seen.
type TaskInput struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	Status         domain.TaskStatus
	Priority       domain.Priority
	EstimatedHours float64
	ActualHours    float64
	DueDate        string
	TaskValue      decimal.NullDecimal
}

// UpsertTask records or refreshes a task projection. Status and assignment
// only change through SetTaskStatus and the assignment commands.
func (e Engine) UpsertTask(ctx context.Context, in TaskInput, actorID string) (domain.Task, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Task{}, err
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Task{}, validationf("task id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, validationf("task title is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Task{}, validationf("priority %q must be low, medium, high or urgent", in.Priority)
	}
	if in.EstimatedHours < 0 || in.ActualHours < 0 {
		return domain.Task{}, validationf("hours must not be negative")
	}
	if in.TaskValue.Valid && in.TaskValue.Decimal.IsNegative() {
		return domain.Task{}, validationf("task value must not be negative")
	}
	due := optionalString(in.DueDate)
	if due != nil {
		if _, err := parseDate("due date", *due); err != nil {
			return domain.Task{}, err
		}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	task, err := e.Repo.GetTask(ctx, tx, in.ID)
	switch {
	case err == nil:
		if in.ProjectID != "" && in.ProjectID != task.ProjectID {
			return domain.Task{}, validationf("task %s belongs to project %s", task.ID, task.ProjectID)
		}
		task.Title = strings.TrimSpace(in.Title)
		task.Description = strings.TrimSpace(in.Description)
		task.Priority = in.Priority
		task.EstimatedHours = in.EstimatedHours
		task.ActualHours = in.ActualHours
		task.DueDate = due
		task.TaskValue = in.TaskValue
		task.UpdatedAt = now
		if err := e.Repo.UpdateTaskDetails(ctx, tx, task); err != nil {
			return domain.Task{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
		if strings.TrimSpace(in.ProjectID) == "" {
			return domain.Task{}, validationf("project is required for a new task")
		}
		if _, err := e.Repo.GetProject(ctx, tx, in.ProjectID); err != nil {
			return domain.Task{}, lookup(err, "project", in.ProjectID)
		}
		if in.Status == "" {
			in.Status = domain.TaskTodo
		}
		if !in.Status.Valid() {
			return domain.Task{}, validationf("invalid task status %q", in.Status)
		}
		task = domain.Task{
			ID:             in.ID,
			ProjectID:      in.ProjectID,
			Title:          strings.TrimSpace(in.Title),
			Description:    strings.TrimSpace(in.Description),
			Status:         in.Status,
			Priority:       in.Priority,
			EstimatedHours: in.EstimatedHours,
			ActualHours:    in.ActualHours,
			DueDate:        due,
			TaskValue:      in.TaskValue,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if task.Status == domain.TaskCompleted {
			task.CompletedAt = &now
		}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return domain.Task{}, err
		}
	default:
		return domain.Task{}, err
	}
	payload := events.EventPayload{"title": task.Title, "status": task.Status}
	if task.TaskValue.Valid {
		payload["task_value"] = task.TaskValue.Decimal.String()
	}
	if err := e.emit(ctx, tx, events.TaskUpserted, task.ProjectID, "task", task.ID, actorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// StatusChange is the outcome of a task status transition. Settlement is set
// when the transition completed an assigned task.
type StatusChange struct {
	Task              domain.Task
	Settlement        *domain.Settlement
	SettlementCreated bool
}

// SetTaskStatus applies a status reported by the task service. Completing an
// assigned task creates its settlement in the same transaction, so a task
// whose settlement cannot be computed does not complete.
func (e Engine) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, actorID string) (StatusChange, error) {
	if err := requireActor(actorID); err != nil {
		return StatusChange{}, err
	}
	if !status.Valid() {
		return StatusChange{}, validationf("invalid task status %q", status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return StatusChange{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return StatusChange{}, lookup(err, "task", taskID)
	}
	if task.Status == status {
		return StatusChange{Task: task}, nil
	}
	if !task.Status.CanTransition(status) {
		return StatusChange{}, invalidStatef("task %s cannot move from %s to %s", task.ID, task.Status, status)
	}
	now := e.stamp()
	if err := e.Repo.SetTaskStatus(ctx, tx, task.ID, task.Status, status, now); err != nil {
		return StatusChange{}, stale(err, "task", task.ID)
	}
	from := task.Status
	task.Status = status
	task.UpdatedAt = now
	if status == domain.TaskCompleted {
		task.CompletedAt = &now
	}
	if err := e.emit(ctx, tx, events.TaskStatusChanged, task.ProjectID, "task", task.ID, actorID, events.EventPayload{"from": from, "to": status}); err != nil {
		return StatusChange{}, err
	}
	res := StatusChange{Task: task}
	if status == domain.TaskCompleted {
		res.Settlement, res.SettlementCreated, err = e.settleTx(ctx, tx, task, actorID)
		if err != nil {
			return StatusChange{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return StatusChange{}, err
	}
	return res, nil
}

// checkInvite verifies an accepted invite exists for exactly this task and associate.
func (e Engine) checkInvite(ctx context.Context, tx *sql.Tx, taskID, associateID, inviteID string) (domain.TaskInvite, error) {
	if strings.TrimSpace(associateID) == "" || strings.TrimSpace(inviteID) == "" {
		return domain.TaskInvite{}, validationf("associate and invite are required")
	}
	inv, err := e.Repo.GetInvite(ctx, tx, inviteID)
	if err != nil {
		return domain.TaskInvite{}, lookup(err, "invite", inviteID)
	}
	if inv.TaskID != taskID || inv.AssociateID != associateID {
		return domain.TaskInvite{}, preconditionf("invite %s is for task %s and associate %s", inv.ID, inv.TaskID, inv.AssociateID)
	}
	if inv.Status != domain.InviteAccepted {
		return domain.TaskInvite{}, preconditionf("invite %s is %s; assignment needs an accepted invite", inv.ID, inv.Status)
	}
	return inv, nil
}

func (e Engine) assignTx(ctx context.Context, tx *sql.Tx, task domain.Task, inv domain.TaskInvite, actorID string) (domain.Task, error) {
	now := e.stamp()
	if err := e.Repo.SetTaskAssignment(ctx, tx, task.ID, &inv.AssociateID, &inv.ID, now); err != nil {
		return domain.Task{}, lookup(err, "task", task.ID)
	}
	associateID, inviteID := inv.AssociateID, inv.ID
	task.AssignedTo = &associateID
	task.AssignedInviteID = &inviteID
	task.UpdatedAt = now
	if err := e.emit(ctx, tx, events.TaskAssigned, task.ProjectID, "task", task.ID, actorID, events.EventPayload{
		"associate_id": inv.AssociateID,
		"invite_id":    inv.ID,
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (e Engine) unassignTx(ctx context.Context, tx *sql.Tx, task domain.Task, actorID string) (domain.Task, error) {
	if task.AssignedTo == nil {
		return task, nil
	}
	now := e.stamp()
	if err := e.Repo.SetTaskAssignment(ctx, tx, task.ID, nil, nil, now); err != nil {
		return domain.Task{}, lookup(err, "task", task.ID)
	}
	previous := *task.AssignedTo
	task.AssignedTo = nil
	task.AssignedInviteID = nil
	task.UpdatedAt = now
	if err := e.emit(ctx, tx, events.TaskUnassigned, task.ProjectID, "task", task.ID, actorID, events.EventPayload{"associate_id": previous}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// AssignTask binds an associate to a task through their accepted invite.
// Assigning the current assignee again is a no-op.
func (e Engine) AssignTask(ctx context.Context, taskID, associateID, inviteID, actorID string) (domain.Task, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, lookup(err, "task", taskID)
	}
	inv, err := e.checkInvite(ctx, tx, task.ID, associateID, inviteID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status == domain.TaskCompleted {
		return domain.Task{}, invalidStatef("task %s is completed", task.ID)
	}
	if task.AssignedTo != nil {
		if *task.AssignedTo == associateID {
			return task, nil
		}
		return domain.Task{}, conflictf(task, "task %s is assigned to %s; use reassign", task.ID, *task.AssignedTo)
	}
	if task, err = e.assignTx(ctx, tx, task, inv, actorID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UnassignTask clears the task's assignee. It is always permitted and leaves settlements untouched.
func (e Engine) UnassignTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, lookup(err, "task", taskID)
	}
	if task, err = e.unassignTx(ctx, tx, task, actorID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ReassignTask unassigns and assigns atomically.
func (e Engine) ReassignTask(ctx context.Context, taskID, associateID, inviteID, actorID string) (domain.Task, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, lookup(err, "task", taskID)
	}
	inv, err := e.checkInvite(ctx, tx, task.ID, associateID, inviteID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status == domain.TaskCompleted {
		return domain.Task{}, invalidStatef("task %s is completed", task.ID)
	}
	if task.AssignedTo != nil && *task.AssignedTo == associateID {
		return task, nil
	}
	if task, err = e.unassignTx(ctx, tx, task, actorID); err != nil {
		return domain.Task{}, err
	}
	if task, err = e.assignTx(ctx, tx, task, inv, actorID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}
