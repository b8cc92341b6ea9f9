package runner

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"MeterVault/internal/billing"
)

func TestSubmitRun(t *testing.T) {
	var received SubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Run{ID: "run-7", Status: StatusPending, Budgets: received.Budgets})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	req := SubmitRequest{
		User:        "0x1111111111111111111111111111111111111111",
		AgentID:     3,
		RateVersion: 2,
		Budgets:     billing.Usage{LLMIn: 160_000},
		Label:       "demo",
	}
	run, err := client.SubmitRun(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID != "run-7" || run.Status != StatusPending {
		t.Fatalf("unexpected run: %+v", run)
	}
	if received.AgentID != 3 || received.RateVersion != 2 || received.Budgets.LLMIn != 160_000 {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestSubmitRunErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.SubmitRun(context.Background(), SubmitRequest{User: "0x0"})
	var apiErr *APIError
	if !stdErrors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "insufficient balance" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListRuns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]Run{
			{ID: "run-1", Status: StatusRunning},
			{ID: "run-2", Status: StatusFinalized, ContractRunID: "17"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runs, err := client.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[1].ContractRunID != "17" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestRetryRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runs/run-3/retry" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Run{ID: "run-3", Status: StatusPending})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	run, err := client.RetryRun(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if run.Status != StatusPending {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusFinalized, StatusFailed}
	inflight := []Status{StatusPending, StatusOpening, StatusRunning, StatusFinalizing, Status("mystery")}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range inflight {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
