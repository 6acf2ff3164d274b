package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"freeflow/internal/config"
	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/relay"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Fatalf("expected json record, got %s", buf.String())
	}
	if _, err := NewLogger(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestNewPublisher(t *testing.T) {
	pub, err := NewPublisher(config.RelayConfig{Sink: "none"}, nil)
	if err != nil || pub != nil {
		t.Fatalf("none sink should disable relaying: %v %v", pub, err)
	}
	pub, err = NewPublisher(config.RelayConfig{Sink: "log"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.(relay.LogPublisher); !ok {
		t.Fatalf("expected log publisher, got %T", pub)
	}
	if _, err := NewPublisher(config.RelayConfig{Sink: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

// TestSandboxTransferEndToEnd runs a transfer through the dispatcher and the sandbox rail.
func TestSandboxTransferEndToEnd(t *testing.T) {
	ws := t.TempDir()
	yml := "payout:\n  rail: sandbox\n  workers: 1\n"
	if err := os.WriteFile(filepath.Join(ws, "freeflow.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := Open(ws, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Close()

	e := rt.Engine
	mustDo := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err = e.UpsertProject(ctx, engine.ProjectInput{ID: "p1", Name: "Site"}, "ops")
	mustDo(err)
	_, err = e.UpsertAssociate(ctx, engine.AssociateInput{ID: "a1", Name: "Amina", PayoutCutPercent: decimal.NewFromInt(70)}, "ops")
	mustDo(err)
	c, err := e.CreateContract(ctx, engine.ContractInput{ProjectID: "p1", AssociateID: "a1", Role: "mason", Responsibilities: []string{"walls"},
		PaymentTerms: domain.PaymentTerms{Type: domain.PaymentMilestone, Currency: "KES"}, StartDate: "2024-03-01"}, "ops")
	mustDo(err)
	_, err = e.RespondToContract(ctx, c.ID, domain.DecisionAccept, "a1")
	mustDo(err)
	_, err = e.UpsertTask(ctx, engine.TaskInput{ID: "t1", ProjectID: "p1", Title: "Walls", TaskValue: decimal.NewNullDecimal(decimal.NewFromInt(10000))}, "ops")
	mustDo(err)
	inv, err := e.CreateInvite(ctx, engine.InviteInput{ContractID: c.ID, TaskID: "t1"}, "ops")
	mustDo(err)
	_, err = e.RespondToInvite(ctx, inv.ID, domain.DecisionAccept, "a1")
	mustDo(err)
	_, err = e.SetTaskStatus(ctx, "t1", domain.TaskInProgress, "ops")
	mustDo(err)
	res, err := e.SetTaskStatus(ctx, "t1", domain.TaskCompleted, "ops")
	mustDo(err)
	_, err = e.InitiateAutomaticTransfer(ctx, res.Settlement.ID, engine.TransferRequest{Destination: "+254700000000"}, "ops")
	mustDo(err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := e.Repo.GetSettlement(ctx, nil, res.Settlement.ID)
		mustDo(err)
		if s.Status == domain.SettlementCompleted {
			if s.RailRef == "" {
				t.Fatalf("rail reference not recorded")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("settlement still %s", s.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
