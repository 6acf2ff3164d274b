package domain

import "testing"

func TestContractTransitions(t *testing.T) {
	for _, to := range []ContractStatus{ContractAccepted, ContractDeclined, ContractExpired} {
		if !ContractPending.CanTransition(to) {
			t.Fatalf("pending -> %s should be allowed", to)
		}
	}
	for _, from := range []ContractStatus{ContractAccepted, ContractDeclined, ContractExpired} {
		if !from.Terminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range []ContractStatus{ContractPending, ContractAccepted, ContractDeclined, ContractExpired} {
			if from.CanTransition(to) {
				t.Fatalf("%s -> %s should be rejected", from, to)
			}
		}
	}
	if ContractStatus("archived").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskTodo, TaskInProgress, true},
		{TaskTodo, TaskCompleted, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskReview, TaskCompleted, true},
		{TaskBlocked, TaskInProgress, true},
		{TaskCompleted, TaskInProgress, false},
		{TaskCompleted, TaskTodo, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestSettlementTransitions(t *testing.T) {
	if !SettlementPending.CanTransition(SettlementProcessing) || !SettlementPending.CanTransition(SettlementCompleted) {
		t.Fatalf("pending should move to processing or completed")
	}
	if SettlementPending.CanTransition(SettlementFailed) {
		t.Fatalf("pending cannot fail without a transfer")
	}
	if SettlementCompleted.CanTransition(SettlementFailed) {
		t.Fatalf("completed must never be overwritten")
	}
	if !SettlementFailed.Terminal() || !SettlementCompleted.Terminal() {
		t.Fatalf("completed and failed are terminal")
	}
	s := Settlement{Status: SettlementProcessing}
	if !s.Outstanding() {
		t.Fatalf("processing settlement counts as outstanding")
	}
}

func TestMethodAutomatic(t *testing.T) {
	if !MethodMobileMoney.Automatic() || MethodCash.Automatic() {
		t.Fatalf("unexpected automatic methods")
	}
	if SettlementMethod("paypal").Valid() {
		t.Fatalf("unknown method reported valid")
	}
}
