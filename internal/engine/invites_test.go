package engine_test

import (
	"errors"
	"testing"

	"freeflow/internal/domain"
	"freeflow/internal/engine"
)

func TestCreateInviteRequiresAcceptedContract(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), actor)
	if err != nil {
		t.Fatal(err)
	}
	newTask(t, env, "t1", "p1", "10000")
	if _, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1"}, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state for pending contract, got %v", err)
	}
}

func TestCreateInviteRejectsTaskFromOtherProject(t *testing.T) {
	env := newTestEnv(t)
	c := acceptedContract(t, env, "p1", "a1")
	newTask(t, env, "t9", "p2", "50")
	if _, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t9"}, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDuplicateOpenInviteConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := acceptedContract(t, env, "p1", "a1")
	newTask(t, env, "t1", "p1", "10000")
	first, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1", Priority: domain.PriorityHigh}, actor)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if first.Role != c.Role || first.AssociateID != "a1" || first.Status != domain.InvitePending {
		t.Fatalf("unexpected invite %+v", first)
	}
	_, err = env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1"}, actor)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	existing, ok := engine.ExistingFrom(err)
	if !ok || existing.(domain.TaskInvite).ID != first.ID {
		t.Fatalf("conflict should carry the open invite, got %+v", existing)
	}
	if _, err := env.Engine.RespondToInvite(env.Ctx, first.ID, domain.DecisionDecline, "a1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1"}, actor); err != nil {
		t.Fatalf("re-invite after decline: %v", err)
	}
}

func TestAcceptInviteAssignsTask(t *testing.T) {
	env := newTestEnv(t)
	c := acceptedContract(t, env, "p1", "a1")
	task := assignedTask(t, env, c, "t1", "10000")
	if task.AssignedInviteID == nil {
		t.Fatalf("assigned invite should be recorded")
	}
	if types := eventTypes(t, env, "t1"); types["task.assigned"] != 1 {
		t.Fatalf("expected task.assigned event, got %v", types)
	}
	if _, err := env.Engine.RespondToInvite(env.Ctx, *task.AssignedInviteID, domain.DecisionDecline, "a1"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state answering twice, got %v", err)
	}
}

func TestAcceptInviteDefersWhenTaskTaken(t *testing.T) {
	env := newTestEnv(t)
	c1 := acceptedContract(t, env, "p1", "a1")
	c2 := acceptedContract(t, env, "p1", "a2")
	assignedTask(t, env, c1, "t1", "10000")

	inv, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c2.ID, TaskID: "t1"}, actor)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := env.Engine.RespondToInvite(env.Ctx, inv.ID, domain.DecisionAccept, "a2"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, nil, "t1")
	if *task.AssignedTo != "a1" {
		t.Fatalf("existing assignee must be kept, got %s", *task.AssignedTo)
	}
	if types := eventTypes(t, env, "t1"); types["task.assignment.deferred"] != 1 {
		t.Fatalf("expected deferred event, got %v", types)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "t1", "a2", inv.ID, actor); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict assigning a taken task, got %v", err)
	}
	task, err = env.Engine.ReassignTask(env.Ctx, "t1", "a2", inv.ID, actor)
	if err != nil || *task.AssignedTo != "a2" || *task.AssignedInviteID != inv.ID {
		t.Fatalf("reassign: %+v %v", task, err)
	}
	if types := eventTypes(t, env, "t1"); types["task.unassigned"] != 1 || types["task.assigned"] != 2 {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestAssignTaskPreconditions(t *testing.T) {
	env := newTestEnv(t)
	c := acceptedContract(t, env, "p1", "a1")
	newTask(t, env, "t1", "p1", "10000")
	inv, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1"}, actor)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "t1", "a1", inv.ID, actor); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error for pending invite, got %v", err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "t1", "a2", inv.ID, actor); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error for mismatched associate, got %v", err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "missing", "a1", inv.ID, actor); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.RespondToInvite(env.Ctx, inv.ID, domain.DecisionAccept, "a1"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.AssignTask(env.Ctx, "t1", "a1", inv.ID, actor)
	if err != nil || *task.AssignedTo != "a1" {
		t.Fatalf("assigning the current assignee should be a no-op: %v", err)
	}
	complete(t, env, "t1")
	if _, err := env.Engine.UnassignTask(env.Ctx, "t1", actor); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "t1", "a1", inv.ID, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state assigning a completed task, got %v", err)
	}
}

func TestUnassignKeepsSettlement(t *testing.T) {
	env := newTestEnv(t)
	c := acceptedContract(t, env, "p1", "a1")
	assignedTask(t, env, c, "t1", "10000")
	res := complete(t, env, "t1")
	if res.Settlement == nil {
		t.Fatalf("expected settlement")
	}
	task, err := env.Engine.UnassignTask(env.Ctx, "t1", actor)
	if err != nil || task.AssignedTo != nil {
		t.Fatalf("unassign: %+v %v", task, err)
	}
	if _, err := env.Engine.UnassignTask(env.Ctx, "t1", actor); err != nil {
		t.Fatalf("unassigning twice should succeed: %v", err)
	}
	if _, err := env.Engine.Repo.GetSettlement(env.Ctx, nil, res.Settlement.ID); err != nil {
		t.Fatalf("settlement must survive unassignment: %v", err)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	newTask(t, env, "t1", "p1", "")
	if _, err := env.Engine.SetTaskStatus(env.Ctx, "t1", domain.TaskReview, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("todo -> review should be rejected, got %v", err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, "t1", "archived", actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unknown status should be a validation error, got %v", err)
	}
	for _, s := range []domain.TaskStatus{domain.TaskInProgress, domain.TaskBlocked, domain.TaskInProgress, domain.TaskReview, domain.TaskCompleted} {
		res, err := env.Engine.SetTaskStatus(env.Ctx, "t1", s, actor)
		if err != nil || res.Task.Status != s {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, "t1", domain.TaskInProgress, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}
