package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPRail posts transfers to a payout provider's JSON API.
type HTTPRail struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPRail(url, token string, timeout time.Duration) *HTTPRail {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRail{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRail) Name() string { return "http" }

type railResponse struct {
	RailRef string `json:"rail_ref"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

func (r *HTTPRail) Submit(ctx context.Context, t Transfer) (Receipt, error) {
	if strings.TrimSpace(r.URL) == "" {
		return Receipt{}, errors.New("payout rail url is not configured")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(data))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.SettlementID)
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Receipt{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out railResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return Receipt{}, fmt.Errorf("decode payout rail response: %w", err)
		}
	}
	receipt := Receipt{RailRef: out.RailRef}
	if st := Status(out.Status); st.Valid() {
		receipt.Result = &Result{SettlementID: t.SettlementID, Status: st, RailRef: out.RailRef, Reason: out.Reason}
	}
	return receipt, nil
}

// SandboxRail settles every transfer after Delay, except transfers to
// FailDestinations, which fail. It is meant for local runs and tests.
type SandboxRail struct {
	Delay            time.Duration
	FailDestinations []string
}

func (r SandboxRail) Name() string { return "sandbox" }

func (r SandboxRail) Submit(ctx context.Context, t Transfer) (Receipt, error) {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	ref := "sbx-" + uuid.NewString()
	res := &Result{SettlementID: t.SettlementID, Status: StatusCompleted, RailRef: ref}
	for _, d := range r.FailDestinations {
		if strings.EqualFold(strings.TrimSpace(d), strings.TrimSpace(t.Destination)) {
			res.Status = StatusFailed
			res.Reason = "destination rejected by sandbox"
			break
		}
	}
	return Receipt{RailRef: ref, Result: res}, nil
}
