package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantloft/orcad/internal/errkind"
)

func TestSavePostsDoc(t *testing.T) {
	var gotPath string
	var gotDoc Doc
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotDoc)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.Save(context.Background(), Doc{ID: "a1", Text: "AAPL revenue Q1", Metadata: map[string]any{"ticker": "AAPL"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if gotPath != "/save" {
		t.Fatalf("expected /save, got %s", gotPath)
	}
	if gotDoc.ID != "a1" {
		t.Fatalf("unexpected doc id: %q", gotDoc.ID)
	}
}

func TestSearchReturnsNeighbors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TopK != 5 {
			t.Errorf("expected top_k 5, got %d", req.TopK)
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Neighbor{
			{ID: "a1", Similarity: 0.92, Metadata: map[string]any{"ticker": "AAPL"}},
		}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	got, err := c.Search(context.Background(), "AAPL revenue", 5, 0.7)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("unexpected neighbors: %+v", got)
	}
}

func TestSearchErrorStatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Search(context.Background(), "x", 5, 0.7)
	if err == nil {
		t.Fatal("expected error")
	}
	if errkind.From(err) != errkind.Transient {
		t.Fatalf("expected transient, got %s", errkind.From(err))
	}
}
