package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantloft/orcad/internal/errkind"
)

func TestExecutePostsScriptAndParameters(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("expected /execute, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ExecuteResult{Success: true, Data: map[string]any{"revenue": 123}, ExecutionTime: 0.42})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.Execute(context.Background(), ExecuteRequest{Script: "print(1)", Parameters: map[string]any{"ticker": "AAPL"}, TimeoutSeconds: 30})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if got.Script != "print(1)" || got.Parameters["ticker"] != "AAPL" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestExecuteSandboxReportedFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExecuteResult{Success: false, Error: "division by zero"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.Execute(context.Background(), ExecuteRequest{Script: "1/0"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.Error != "division by zero" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Execute(context.Background(), ExecuteRequest{Script: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errkind.From(err) != errkind.Transient {
		t.Fatalf("expected transient, got %s", errkind.From(err))
	}
}
