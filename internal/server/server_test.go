package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"freeflow/internal/config"
	"freeflow/internal/db"
	"freeflow/internal/engine"
	"freeflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func mustStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env
}

// seed creates a project, an associate on a 70% cut and a task worth 10000.
func seed(t *testing.T, srv *testServer) {
	t.Helper()
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPut, srv.URL+"/v1/projects/p1", map[string]any{"name": "Riverside", "currency": "KES"}, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, c, http.MethodPut, srv.URL+"/v1/associates/a1", map[string]any{"name": "Wanjiru", "payout_cut_percent": "70"}, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, c, http.MethodPut, srv.URL+"/v1/tasks/t1", map[string]any{"project_id": "p1", "title": "Rewire kitchen", "task_value": "10000"}, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
}

func createContract(t *testing.T, srv *testServer) ContractResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"project_id":       "p1",
		"associate_id":     "a1",
		"role":             "electrician",
		"responsibilities": []string{"wiring"},
		"payment_terms":    map[string]any{"type": "fixed", "amount": "10000", "currency": "KES"},
		"start_date":       "2024-03-04",
	}, as("ops"))
	mustStatus(t, res, data, http.StatusCreated)
	var c ContractResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	return c
}

func TestEngagementFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	contract := createContract(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+contract.ID+"/respond", map[string]any{"decision": "accept"}, as("a1"))
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites", map[string]any{"contract_id": contract.ID, "task_id": "t1"}, as("ops"))
	mustStatus(t, res, data, http.StatusCreated)
	var invite struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &invite)
	if invite.Status != "pending" {
		t.Fatalf("invite status %q", invite.Status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites/"+invite.ID+"/respond", map[string]any{"decision": "accept"}, as("a1"))
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/t1", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	if task.AssignedTo == nil || *task.AssignedTo != "a1" {
		t.Fatalf("task not assigned to a1: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/t1/status", map[string]any{"status": "in_progress"}, as("a1"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/t1/status", map[string]any{"status": "completed"}, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var done TaskStatusResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal status change: %v", err)
	}
	if !done.SettlementCreated || done.Settlement == nil {
		t.Fatalf("expected settlement on completion: %s", string(data))
	}
	if done.Settlement.ExpectedAmount != "7000.00" || done.Settlement.Currency != "KES" {
		t.Fatalf("settlement %s %s", done.Settlement.ExpectedAmount, done.Settlement.Currency)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/t1/settlement", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var again TaskStatusResponse
	_ = json.Unmarshal(data, &again)
	if again.SettlementCreated || again.Settlement == nil || again.Settlement.ID != done.Settlement.ID {
		t.Fatalf("settlement should be returned, not recreated: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/settlements/outstanding?group_by=associate&key=a1&key=a9", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var balances []BalanceResponse
	_ = json.Unmarshal(data, &balances)
	if len(balances) != 2 || balances[0].Key != "a1" || balances[0].Amount != "7000.00" || balances[1].Amount != "0.00" {
		t.Fatalf("unexpected balances: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/settlements/outstanding?group_by=associate&key=a9,a1", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	balances = nil
	_ = json.Unmarshal(data, &balances)
	if len(balances) != 2 || balances[0].Key != "a1" || balances[1].Key != "a9" {
		t.Fatalf("comma separated keys: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/settlements/"+done.Settlement.ID+"/manual", map[string]any{
		"method": "cash", "transaction_ref": "R-1",
	}, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var settled SettlementResponse
	_ = json.Unmarshal(data, &settled)
	if settled.Status != "completed" || settled.SettledAt == nil {
		t.Fatalf("manual settlement not completed: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/views/settlement-history?project_id=p1&months=2", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var history []MonthlySettlementsResponse
	_ = json.Unmarshal(data, &history)
	if len(history) != 2 || history[1].Count != 1 || len(history[1].Totals) != 1 || history[1].Totals[0].Amount != "7000.00" {
		t.Fatalf("unexpected history: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/p1/overview", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var ov OverviewResponse
	_ = json.Unmarshal(data, &ov)
	if ov.Progress.CompletionRate != 100 || len(ov.Stats) != 1 || ov.Stats[0].Outstanding != "0.00" {
		t.Fatalf("unexpected overview: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=settlement", nil, as("ops"))
	mustStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) < 2 || page.Items[0].Type != "settlement.created" {
		t.Fatalf("unexpected settlement events: %s", string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts/missing", nil, as("ops"))
	mustStatus(t, res, data, http.StatusNotFound)
	if env := errorCode(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/associates/a2", map[string]any{"name": "Otieno", "payout_cut_percent": "lots"}, as("ops"))
	mustStatus(t, res, data, http.StatusBadRequest)
	if env := errorCode(t, data); env.Error.Code != "validation_error" {
		t.Fatalf("code %q", env.Error.Code)
	}

	declined := createContract(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+declined.ID+"/respond", map[string]any{"decision": "decline"}, as("a1"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites", map[string]any{"contract_id": declined.ID, "task_id": "t1"}, as("ops"))
	mustStatus(t, res, data, http.StatusConflict)
	if env := errorCode(t, data); env.Error.Code != "invalid_state" {
		t.Fatalf("code %q", env.Error.Code)
	}

	accepted := createContract(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+accepted.ID+"/respond", map[string]any{"decision": "accept"}, as("a1"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites", map[string]any{"contract_id": accepted.ID, "task_id": "t1"}, as("ops"))
	mustStatus(t, res, data, http.StatusCreated)
	var first struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &first)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites", map[string]any{"contract_id": accepted.ID, "task_id": "t1"}, as("ops"))
	mustStatus(t, res, data, http.StatusConflict)
	env := errorCode(t, data)
	if env.Error.Code != "conflict" {
		t.Fatalf("code %q", env.Error.Code)
	}
	existing, _ := env.Error.Details["existing"].(map[string]any)
	if existing["id"] != first.ID {
		t.Fatalf("conflict should carry the existing invite: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/t1/assign", map[string]any{"associate_id": "a1", "invite_id": first.ID}, as("ops"))
	mustStatus(t, res, data, http.StatusPreconditionFailed)
	if env := errorCode(t, data); env.Error.Code != "precondition_failed" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestTransferWithoutRailIsPrecondition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/settlements/s-none/transfer", map[string]any{"destination": "+254700000001"}, as("ops"))
	mustStatus(t, res, data, http.StatusPreconditionFailed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/settlements/s-none/transfer-result", map[string]any{"status": "completed"}, as("rail"))
	mustStatus(t, res, data, http.StatusNotFound)
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	mustStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer nonsense"})
	mustStatus(t, res, data, http.StatusUnauthorized)
	if env := errorCode(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code %q", env.Error.Code)
	}

	token, err := IssueToken(testSecret, "ops")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/p9", map[string]any{"name": "Jwt"}, map[string]string{"Authorization": "Bearer " + token})
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id=p9", nil, map[string]string{"Authorization": "Bearer " + token})
	mustStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].ActorID != "ops" {
		t.Fatalf("event should record the token subject: %s", string(data))
	}

	other, _ := IssueToken("other-secret", "ops")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer " + other})
	mustStatus(t, res, data, http.StatusUnauthorized)
}

func TestOpenAPIServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/settlements/{id}/transfer-result"]; !ok {
		t.Fatalf("callback endpoint missing from openapi")
	}
}

func TestOpenAPIConcurrentFetchesAgree(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const fetches = 8
	bodies := make([][]byte, fetches)
	errs := make([]error, fetches)
	var wg sync.WaitGroup
	for i := 0; i < fetches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}

	var doc struct {
		Paths map[string]map[string]struct {
			Responses map[string]any        `json:"responses"`
			Security  []map[string][]string `json:"security"`
		} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("bearerAuth scheme missing")
	}
	get := doc.Paths["/v1/settlements/{id}"]["get"]
	if _, ok := get.Responses["default"]; !ok {
		t.Fatalf("default error response missing: %v", get.Responses)
	}
	if len(get.Security) != 1 {
		t.Fatalf("settlement lookup should require bearer auth: %v", get.Security)
	}
	if len(doc.Paths["/v1/health"]["get"].Security) != 0 {
		t.Fatalf("health should be public")
	}
}
