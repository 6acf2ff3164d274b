package freeflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task":{"id":"t1","project_id":"p1","title":"Build","status":"completed"},"settlement":{"id":"s1","expected_amount":"7000.00","currency":"KES","status":"pending"},"settlement_created":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	change, err := c.SetTaskStatus(context.Background(), "t1", "completed")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v1/tasks/t1/status" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["status"] != "completed" {
		t.Fatalf("body = %v", gotBody)
	}
	if !change.SettlementCreated || change.Settlement == nil || change.Settlement.ExpectedAmount != "7000.00" {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestClientActorHeaderFallback(t *testing.T) {
	var gotActor, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor-Id")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"key":"a1","currency":"KES","amount":"7000.00","settlements":1}]`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, ActorID: "ops"}
	rows, err := c.Outstanding(context.Background(), "associate", "a1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if gotActor != "ops" {
		t.Fatalf("actor header = %q", gotActor)
	}
	if gotQuery != "group_by=associate&key=a1" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(rows) != 1 || rows[0].Amount != "7000.00" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict","message":"invite exists","details":{"existing":{"id":"i1"}}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.CreateInvite(context.Background(), Invite{ContractID: "c1", TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsCode(err, "conflict") {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
	existing, _ := apiErr.Details["existing"].(map[string]any)
	if existing["id"] != "i1" {
		t.Fatalf("details = %v", apiErr.Details)
	}
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Settlement(context.Background(), "s1")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "" || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientSettlementHistory(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"month":"2024-02","count":0,"totals":[]},{"month":"2024-03","count":2,"totals":[{"currency":"KES","amount":"3000.00"}]}]`))
	}))
	defer srv.Close()

	months, err := New(srv.URL, "tok").SettlementHistory(context.Background(), "p1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotPath != "/v1/views/settlement-history" || gotQuery != "months=2&project_id=p1" {
		t.Fatalf("request = %s?%s", gotPath, gotQuery)
	}
	if len(months) != 2 || months[1].Count != 2 || months[1].Totals[0].Amount != "3000.00" {
		t.Fatalf("months = %+v", months)
	}
}
