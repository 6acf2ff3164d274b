package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"freeflow/internal/config"
	"freeflow/internal/db"
	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/migrate"
	"freeflow/internal/payout"
	"freeflow/internal/repo"
)

const actor = "ops"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

type fakeQueue struct {
	mu        sync.Mutex
	transfers []payout.Transfer
	err       error
}

func (q *fakeQueue) Enqueue(t payout.Transfer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.transfers = append(q.transfers, t)
	return nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := epoch
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.UpsertProject(ctx, engine.ProjectInput{ID: "p1", Name: "Riverside", Currency: "KES"}, actor); err != nil {
		t.Fatalf("project: %v", err)
	}
	if _, err := eng.UpsertProject(ctx, engine.ProjectInput{ID: "p2", Name: "Harbour", Currency: "USD"}, actor); err != nil {
		t.Fatalf("project: %v", err)
	}
	for id, cut := range map[string]int64{"a1": 70, "a2": 50} {
		if _, err := eng.UpsertAssociate(ctx, engine.AssociateInput{ID: id, Name: "Associate " + id, PayoutCutPercent: decimal.NewFromInt(cut)}, actor); err != nil {
			t.Fatalf("associate %s: %v", id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func fixedTerms() domain.PaymentTerms {
	return domain.PaymentTerms{Type: domain.PaymentFixed, Amount: decimal.NewNullDecimal(decimal.NewFromInt(10000)), Currency: "KES"}
}

func contractInput(projectID, associateID string) engine.ContractInput {
	return engine.ContractInput{
		ProjectID:        projectID,
		AssociateID:      associateID,
		Role:             "electrician",
		Responsibilities: []string{"wiring"},
		PaymentTerms:     fixedTerms(),
		StartDate:        "2024-03-04",
	}
}

func acceptedContract(t *testing.T, env testEnv, projectID, associateID string) domain.Contract {
	t.Helper()
	c, err := env.Engine.CreateContract(env.Ctx, contractInput(projectID, associateID), actor)
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	c, err = env.Engine.RespondToContract(env.Ctx, c.ID, domain.DecisionAccept, associateID)
	if err != nil {
		t.Fatalf("accept contract: %v", err)
	}
	return c
}

func newTask(t *testing.T, env testEnv, id, projectID, value string) domain.Task {
	t.Helper()
	in := engine.TaskInput{ID: id, ProjectID: projectID, Title: "Task " + id}
	if value != "" {
		in.TaskValue = decimal.NewNullDecimal(decimal.RequireFromString(value))
	}
	task, err := env.Engine.UpsertTask(env.Ctx, in, actor)
	if err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	return task
}

// assignedTask creates a task and binds it to the associate through an accepted invite.
func assignedTask(t *testing.T, env testEnv, c domain.Contract, taskID, value string) domain.Task {
	t.Helper()
	newTask(t, env, taskID, c.ProjectID, value)
	inv, err := env.Engine.CreateInvite(env.Ctx, engine.InviteInput{ContractID: c.ID, TaskID: taskID}, actor)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if _, err := env.Engine.RespondToInvite(env.Ctx, inv.ID, domain.DecisionAccept, c.AssociateID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, nil, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.AssignedTo == nil || *task.AssignedTo != c.AssociateID {
		t.Fatalf("task %s not assigned to %s", taskID, c.AssociateID)
	}
	return task
}

func complete(t *testing.T, env testEnv, taskID string) engine.StatusChange {
	t.Helper()
	if _, err := env.Engine.SetTaskStatus(env.Ctx, taskID, domain.TaskInProgress, actor); err != nil {
		t.Fatalf("start task: %v", err)
	}
	res, err := env.Engine.SetTaskStatus(env.Ctx, taskID, domain.TaskCompleted, actor)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	return res
}

func eventTypes(t *testing.T, env testEnv, entityID string) map[string]int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 200, repo.EventFilters{EntityID: entityID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	out := map[string]int{}
	for _, e := range evts {
		out[e.Type]++
	}
	return out
}

func TestContractLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.ContractPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	role := "lead electrician"
	c, err = env.Engine.UpdateContract(env.Ctx, c.ID, engine.ContractPatch{Role: &role}, actor)
	if err != nil || c.Role != role {
		t.Fatalf("update pending: %v", err)
	}
	c, err = env.Engine.RespondToContract(env.Ctx, c.ID, domain.DecisionAccept, "a1")
	if err != nil || c.Status != domain.ContractAccepted || c.AcceptedAt == nil {
		t.Fatalf("accept: %+v %v", c, err)
	}
	if _, err := env.Engine.UpdateContract(env.Ctx, c.ID, engine.ContractPatch{Role: &role}, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state editing accepted contract, got %v", err)
	}
	if _, err := env.Engine.RespondToContract(env.Ctx, c.ID, domain.DecisionDecline, "a1"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state answering twice, got %v", err)
	}
	types := eventTypes(t, env, c.ID)
	if types["contract.created"] != 1 || types["contract.updated"] != 1 || types["contract.accepted"] != 1 {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestCreateContractValidation(t *testing.T) {
	env := newTestEnv(t)
	in := contractInput("p1", "a1")
	in.Responsibilities = nil
	if _, err := env.Engine.CreateContract(env.Ctx, in, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for empty responsibilities, got %v", err)
	}
	in = contractInput("p1", "a1")
	in.PaymentTerms = domain.PaymentTerms{Type: domain.PaymentHourly, Currency: "KES"}
	if _, err := env.Engine.CreateContract(env.Ctx, in, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for hourly terms without rate, got %v", err)
	}
	in = contractInput("p1", "a1")
	in.EndDate = "2024-03-01"
	if _, err := env.Engine.CreateContract(env.Ctx, in, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for end before start, got %v", err)
	}
	if _, err := env.Engine.CreateContract(env.Ctx, contractInput("missing", "a1"), actor); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
	if _, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), ""); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error without actor, got %v", err)
	}
}

func TestPaymentTermsCurrency(t *testing.T) {
	env := newTestEnv(t)
	in := contractInput("p1", "a1")
	in.PaymentTerms.Currency = ""
	c, err := env.Engine.CreateContract(env.Ctx, in, actor)
	if err != nil {
		t.Fatalf("fixed terms without currency: %v", err)
	}
	if c.PaymentTerms.Currency != "" || c.Status != domain.ContractPending {
		t.Fatalf("unexpected contract %+v", c)
	}

	in = contractInput("p1", "a1")
	in.PaymentTerms = domain.PaymentTerms{Type: domain.PaymentHourly, Rate: decimal.NewNullDecimal(decimal.NewFromInt(500))}
	if _, err := env.Engine.CreateContract(env.Ctx, in, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for hourly terms without currency, got %v", err)
	}
	in.PaymentTerms.Currency = "kes"
	c, err = env.Engine.CreateContract(env.Ctx, in, actor)
	if err != nil {
		t.Fatalf("hourly terms: %v", err)
	}
	if c.PaymentTerms.Currency != "KES" {
		t.Fatalf("currency = %q", c.PaymentTerms.Currency)
	}

	in = contractInput("p1", "a1")
	in.PaymentTerms.Currency = "XXQ"
	if _, err := env.Engine.CreateContract(env.Ctx, in, actor); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for unknown currency, got %v", err)
	}
}

func TestExpireContract(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.ExpireContract(env.Ctx, c.ID, epoch.Add(13*24*time.Hour), actor); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error for fresh contract, got %v", err)
	}
	asOf := epoch.Add(15 * 24 * time.Hour)
	c, err = env.Engine.ExpireContract(env.Ctx, c.ID, asOf, actor)
	if err != nil || c.Status != domain.ContractExpired {
		t.Fatalf("expire: %+v %v", c, err)
	}
	if *c.ExpiredAt != asOf.Format(time.RFC3339) {
		t.Fatalf("expired_at %s, want %s", *c.ExpiredAt, asOf.Format(time.RFC3339))
	}
	if again, err := env.Engine.ExpireContract(env.Ctx, c.ID, asOf, actor); err != nil || again.Status != domain.ContractExpired {
		t.Fatalf("expiring twice should be a no-op: %v", err)
	}
	if _, err := env.Engine.RespondToContract(env.Ctx, c.ID, domain.DecisionAccept, "a1"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state accepting expired contract, got %v", err)
	}
	accepted := acceptedContract(t, env, "p1", "a2")
	if _, err := env.Engine.ExpireContract(env.Ctx, accepted.ID, asOf, actor); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state expiring accepted contract, got %v", err)
	}
}

func TestExpireStaleContractsSweep(t *testing.T) {
	env := newTestEnv(t)
	old, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), actor)
	if err != nil {
		t.Fatal(err)
	}
	env.advance(10 * 24 * time.Hour)
	fresh, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a2"), actor)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := env.Engine.ExpireStaleContracts(env.Ctx, epoch.Add(15*24*time.Hour), actor)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != old.ID {
		t.Fatalf("expected only %s expired, got %v", old.ID, expired)
	}
	got, err := env.Engine.Repo.GetContract(env.Ctx, nil, fresh.ID)
	if err != nil || got.Status != domain.ContractPending {
		t.Fatalf("fresh contract should stay pending: %+v %v", got, err)
	}
}

func TestConcurrentContractAcceptance(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContract(env.Ctx, contractInput("p1", "a1"), actor)
	if err != nil {
		t.Fatal(err)
	}
	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RespondToContract(env.Ctx, c.ID, domain.DecisionAccept, "a1")
		}(i)
	}
	wg.Wait()
	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, engine.ErrInvalidState):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accept to win, got %d", ok)
	}
	got, err := env.Engine.Repo.GetContract(env.Ctx, nil, c.ID)
	if err != nil || got.Status != domain.ContractAccepted {
		t.Fatalf("contract should be accepted: %+v %v", got, err)
	}
	if types := eventTypes(t, env, c.ID); types["contract.accepted"] != 1 {
		t.Fatalf("expected a single accepted event, got %v", types)
	}
}
