package memapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"http ok", "http://127.0.0.1:8001", false},
		{"https ok", "https://memory.internal", false},
		{"trailing slash trimmed", "http://127.0.0.1:8001/", false},
		{"file scheme rejected", "file:///etc/passwd", true},
		{"gopher scheme rejected", "gopher://host", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.baseURL, "", 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.baseURL, err, tt.wantErr)
			}
		})
	}
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s, want /health", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":             "healthy",
			"service":            "automem",
			"falkordb":           "connected",
			"qdrant":             "connected",
			"embedding_provider": "gemini:gemini-embedding-001",
			"memory_count":       123,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok123", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !doc.Live() {
		t.Error("Live() = false for healthy status")
	}
	if doc.Dependencies["falkordb"] != "connected" || doc.Dependencies["qdrant"] != "connected" {
		t.Errorf("Dependencies = %v", doc.Dependencies)
	}
	if doc.EmbeddingProvider != "gemini:gemini-embedding-001" {
		t.Errorf("EmbeddingProvider = %q", doc.EmbeddingProvider)
	}
	if _, ok := doc.Dependencies["service"]; ok {
		t.Error("metadata field leaked into Dependencies")
	}
}

func TestHealthDoc_Live(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"healthy", true},
		{"ok", true},
		{"OK", true},
		{"degraded", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			doc := &HealthDoc{Status: tt.status}
			if got := doc.Live(); got != tt.want {
				t.Errorf("Live() = %v for %q, want %v", got, tt.status, tt.want)
			}
		})
	}
}

func TestClient_StoreRecallDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/memory":
			var req StoreRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding store request: %v", err)
			}
			if req.Content == "" || len(req.Tags) == 0 {
				t.Errorf("store request incomplete: %+v", req)
			}
			json.NewEncoder(w).Encode(map[string]any{"memory_id": "mem-42", "status": "success"})
		case r.Method == http.MethodGet && r.URL.Path == "/recall":
			if r.URL.Query().Get("tags") != "synthetic-check" {
				t.Errorf("tags = %q", r.URL.Query().Get("tags"))
			}
			json.NewEncoder(w).Encode(map[string]any{
				"count": 1,
				"results": []map[string]any{
					{"id": "mem-42", "content": "probe payload"},
				},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/memory/mem-42":
			deleted = "mem-42"
			json.NewEncoder(w).Encode(map[string]any{"status": "deleted"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id, err := c.Store(ctx, StoreRequest{
		Content:    "probe payload",
		Tags:       []string{"synthetic-check"},
		Importance: 0.1,
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if id != "mem-42" {
		t.Errorf("Store() id = %q, want mem-42", id)
	}

	res, err := c.Recall(ctx, "probe payload", "synthetic-check")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if res.Count != 1 || len(res.Memories) != 1 || res.Memories[0].ID != "mem-42" {
		t.Errorf("Recall() = %+v", res)
	}

	if err := c.Delete(ctx, "mem-42"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted != "mem-42" {
		t.Error("server never saw the delete")
	}
}

func TestClient_Recall_NestedMemoryShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"memory": map[string]any{"id": "m-1", "content": "nested"}},
			},
		})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", time.Second)
	res, err := c.Recall(context.Background(), "nested", "")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if res.Count != 1 || res.Memories[0].ID != "m-1" || res.Memories[0].Content != "nested" {
		t.Errorf("Recall() = %+v", res)
	}
}

func TestClient_Store_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "wrong", time.Second)
	if _, err := c.Store(context.Background(), StoreRequest{Content: "x"}); err == nil {
		t.Error("Store() error = nil for 401 response")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Health(ctx); err == nil {
		t.Error("Health() error = nil with cancelled context")
	}
}
