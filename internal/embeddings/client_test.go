package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s, want /api/embeddings", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" {
			t.Errorf("model = %s", req.Model)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vec = %v, want 3 dims", vec)
	}
}

func TestClientEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	var e HashEmbedder
	a, _ := e.Embed(context.Background(), "the quick brown fox")
	b, _ := e.Embed(context.Background(), "the quick brown fox")
	if !reflect.DeepEqual(a, b) {
		t.Error("hash embedding not deterministic")
	}
	if len(a) != HashDim {
		t.Errorf("dim = %d, want %d", len(a), HashDim)
	}
}

func TestHashEmbedder_SimilarTextScoresHigher(t *testing.T) {
	var e HashEmbedder
	query, _ := e.Embed(context.Background(), "kubernetes pod networking issue")
	near, _ := e.Embed(context.Background(), "networking problem with a kubernetes pod")
	far, _ := e.Embed(context.Background(), "grandma's apple pie recipe")

	if CosineSimilarity(query, near) <= CosineSimilarity(query, far) {
		t.Error("related text should score higher than unrelated text")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, a); got < 0.999 {
		t.Errorf("self similarity = %f, want ~1", got)
	}
	if got := CosineSimilarity(a, []float32{0, 1, 0}); got != 0 {
		t.Errorf("orthogonal similarity = %f, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched dims = %f, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("zero vector = %f, want 0", got)
	}
}
