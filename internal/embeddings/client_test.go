package embeddings

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "no socket path or base URL",
			config:  Config{Model: "test-model"},
			wantErr: true,
		},
		{
			name:    "empty model",
			config:  Config{SocketPath: "/tmp/test.sock", Model: ""},
			wantErr: true,
		},
		{
			name:    "socket",
			config:  Config{SocketPath: "/tmp/test.sock", Model: "test-model"},
			wantErr: false,
		},
		{
			name:    "base URL",
			config:  Config{BaseURL: "http://localhost:12434/v1", Model: "test-model"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"ai/embeddinggemma", 768},
		{"ai/snowflake-arctic-embed", 1024},
		{"ai/qwen3-embedding", 2560},
		{"gemini-embedding-001", 768},
		{"unknown-model", 768}, // default
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := Dimensions(tt.model); got != tt.want {
				t.Errorf("Dimensions(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

// serveUnix runs handler on a unix socket and returns its path.
func serveUnix(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to create Unix socket: %v", err)
	}

	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return socketPath
}

// echoEmbeddings answers every input with a vector of {len(input), index}.
func echoEmbeddings(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected application/json content type")
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		var resp embeddingResponse
		for i, in := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(len(in)), float32(i)}})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestEmbed_Success(t *testing.T) {
	socketPath := serveUnix(t, echoEmbeddings(t))

	client, err := New(Config{SocketPath: socketPath, Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	embedding, err := client.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(embedding) != 2 || embedding[0] != 9 {
		t.Errorf("Embed() = %v, want [9 0]", embedding)
	}
}

func TestEmbedBatch_KeepsOrder(t *testing.T) {
	socketPath := serveUnix(t, func(w http.ResponseWriter, r *http.Request) {
		// Out of order, as some servers do.
		w.Write([]byte(`{"data":[
			{"index":2,"embedding":[3]},
			{"index":0,"embedding":[1]},
			{"index":1,"embedding":[2]}
		]}`))
	})

	client, err := New(Config{SocketPath: socketPath, Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	for i, v := range vectors {
		if v[0] != float32(i+1) {
			t.Errorf("vectors[%d] = %v, want [%d]", i, v, i+1)
		}
	}
}

func TestEmbedBatch_TruncatesLongInput(t *testing.T) {
	socketPath := serveUnix(t, echoEmbeddings(t))

	client, err := New(Config{SocketPath: socketPath, Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	vectors, err := client.EmbedBatch(context.Background(), []string{strings.Repeat("x", MaxInputChars+500), "short"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if vectors[0][0] != MaxInputChars {
		t.Errorf("server saw %v chars, want %d", vectors[0][0], MaxInputChars)
	}
}

func TestEmbed_BaseURLWithAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		echoEmbeddings(t)(w, r)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/v1/", APIKey: "secret", Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	socketPath := serveUnix(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	})

	client, err := New(Config{SocketPath: socketPath, Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Embed(context.Background(), "test text")
	if err == nil {
		t.Error("Embed() expected error for server error response")
	}
}

func TestEmbed_EmptyResponse(t *testing.T) {
	socketPath := serveUnix(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[]}`))
	})

	client, err := New(Config{SocketPath: socketPath, Model: "test-model"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Embed(context.Background(), "test text")
	if err == nil {
		t.Error("Embed() expected error for empty response")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "ab" + "é" // 4 bytes
	if got := truncate(s, 3); got != "ab" {
		t.Errorf("truncate() = %q, want %q", got, "ab")
	}
	if got := truncate(s, 10); got != s {
		t.Errorf("truncate() = %q, want unchanged", got)
	}
}

func TestNewGenAI_RequiresKey(t *testing.T) {
	if _, err := NewGenAI(context.Background(), GenAIConfig{}); err == nil {
		t.Error("NewGenAI() without API key should fail")
	}
}

func TestNewGenAI_Dimensions(t *testing.T) {
	ctx := context.Background()

	c, err := NewGenAI(ctx, GenAIConfig{APIKey: "k", Model: "gemini-embedding-001"})
	if err != nil {
		t.Fatalf("NewGenAI() error = %v", err)
	}
	if c.Dimensions() != Dimensions("gemini-embedding-001") {
		t.Errorf("Dimensions() = %d, want model default %d", c.Dimensions(), Dimensions("gemini-embedding-001"))
	}

	c, err = NewGenAI(ctx, GenAIConfig{APIKey: "k", Model: "gemini-embedding-001", Dimensions: 1536})
	if err != nil {
		t.Fatalf("NewGenAI() error = %v", err)
	}
	if c.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want configured 1536", c.Dimensions())
	}
}

func TestGenAIClient_TaskTypes(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2,0.3]}]}`))
	}))
	defer server.Close()

	c, err := NewGenAI(context.Background(), GenAIConfig{APIKey: "k", BaseURL: server.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("NewGenAI() error = %v", err)
	}

	if _, err := c.EmbedBatch(context.Background(), []string{"a guideline"}); err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	vec, err := c.EmbedQuery(context.Background(), "a question")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("EmbedQuery() returned %d values, want 3", len(vec))
	}

	if len(bodies) != 2 {
		t.Fatalf("got %d requests, want 2", len(bodies))
	}
	if !strings.Contains(bodies[0], "RETRIEVAL_DOCUMENT") {
		t.Errorf("document request = %s, want RETRIEVAL_DOCUMENT", bodies[0])
	}
	if !strings.Contains(bodies[1], "RETRIEVAL_QUERY") {
		t.Errorf("query request = %s, want RETRIEVAL_QUERY", bodies[1])
	}
}

// Skip integration test if DMR is not available
func TestEmbed_Integration(t *testing.T) {
	socketPath := os.Getenv("DOCKER_SOCKET")
	if socketPath == "" {
		socketPath = os.ExpandEnv("$HOME/.docker/run/docker.sock")
	}

	// Check if socket exists
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Skip("Docker socket not available, skipping integration test")
	}

	client, err := New(Config{
		SocketPath: socketPath,
		Model:      "ai/embeddinggemma",
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	embedding, err := client.Embed(context.Background(), "Hello, this is a test")
	if err != nil {
		t.Skipf("DMR not available or model not pulled: %v", err)
	}

	// embeddinggemma should return 768 dimensions
	if len(embedding) != 768 {
		t.Errorf("Expected 768 dimensions, got %d", len(embedding))
	}
}
