package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"freeflow/internal/db"
	"freeflow/internal/domain"
	"freeflow/internal/migrate"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	ctx := context.Background()
	if err := r.UpsertProject(ctx, nil, domain.Project{ID: "p1", Name: "Site", Currency: "KES", Status: domain.ProjectActive, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("project: %v", err)
	}
	if err := r.UpsertAssociate(ctx, nil, domain.Associate{ID: "a1", Name: "Wanjiru", Status: domain.AssociateActive,
		Skills: []string{"go", "sql"}, PayoutCutPercent: decimal.NewFromInt(70), CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if err := r.InsertTask(ctx, nil, domain.Task{ID: "t1", ProjectID: "p1", Title: "Build", Status: domain.TaskCompleted,
		Priority: domain.PriorityMedium, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("task: %v", err)
	}
	return r
}

func settlement(id string) domain.Settlement {
	return domain.Settlement{
		ID: id, AssociateID: "a1", ProjectID: "p1", TaskID: "t1",
		ExpectedAmount: decimal.RequireFromString("7000.00"), Currency: "KES",
		PercentageCut: decimal.NewFromInt(70), TaskValue: decimal.NewFromInt(10000),
		Status: domain.SettlementPending, CreatedBy: "ops", CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestOriginalSettlementIsUnique(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertSettlement(ctx, nil, settlement("s1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.InsertSettlement(ctx, nil, settlement("s2"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	got, err := r.FindOriginalSettlement(ctx, nil, "t1", "a1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "s1" || !got.ExpectedAmount.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("unexpected settlement %+v", got)
	}
}

func TestGuardedStatusUpdate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertSettlement(ctx, nil, settlement("s1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.MarkFailed(ctx, nil, "s1", "boom", "", ts); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("pending settlement cannot fail directly, got %v", err)
	}
	if err := r.MarkProcessing(ctx, nil, "s1", domain.MethodMobileMoney, "+254700000000", ts); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := r.MarkProcessing(ctx, nil, "s1", domain.MethodMobileMoney, "+254700000000", ts); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("second processing should be stale, got %v", err)
	}
}

func TestSettlementsAreNeverDeleted(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertSettlement(ctx, nil, settlement("s1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM settlements WHERE id='s1'`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE settlements SET expected_amount='1' WHERE id='s1'`); err == nil {
		t.Fatalf("expected amount update to be rejected")
	}
}

func TestAssociateRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	a, err := r.GetAssociate(context.Background(), nil, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(a.Skills) != 2 || !a.PayoutCutPercent.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected associate %+v", a)
	}
	if _, err := r.GetAssociate(context.Background(), nil, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRelayCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	cur, err := r.RelayCursor(ctx, "kafka")
	if err != nil || cur != 0 {
		t.Fatalf("initial cursor: %d %v", cur, err)
	}
	if err := r.SetRelayCursor(ctx, "kafka", 42, ts); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cur, _ := r.RelayCursor(ctx, "kafka"); cur != 42 {
		t.Fatalf("cursor: %d", cur)
	}
}
