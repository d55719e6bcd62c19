package llm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

var (
	_ Generator = (*Client)(nil)
	_ Generator = (*GenAIClient)(nil)
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"no endpoint", Config{Model: "ai/gemma3"}, true},
		{"no model", Config{SocketPath: "/tmp/x.sock"}, true},
		{"socket", Config{SocketPath: "/tmp/x.sock", Model: "ai/gemma3"}, false},
		{"base URL", Config{BaseURL: "http://localhost:8080/v1", Model: "gpt"}, false},
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

func TestGenerate_SendsSystemAndPrompt(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "llm.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to create Unix socket: %v", err)
	}

	var got chatRequest
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exp/vDD4.40/engines/llama.cpp/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"  Submit the IND 30 days before dosing.  "}}]}`))
	})}
	go server.Serve(listener)
	defer server.Close()

	client, err := New(Config{SocketPath: socketPath, Model: "ai/gemma3"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := client.Generate(context.Background(), Request{
		System:    "You are a regulatory specialist.",
		Prompt:    "When is the IND due?",
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if answer != "Submit the IND 30 days before dosing." {
		t.Errorf("answer = %q", answer)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "When is the IND due?" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.MaxTokens != 256 || got.Model != "ai/gemma3" {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusServiceUnavailable, "loading model"},
		{"api error", http.StatusOK, `{"error":{"message":"context too long"}}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"not json", http.StatusOK, `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := New(Config{BaseURL: server.URL, Model: "m"})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := client.Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
				t.Error("Generate() expected error")
			}
		})
	}
}

func TestNewGenAI_RequiresKey(t *testing.T) {
	if _, err := NewGenAI(context.Background(), GenAIConfig{}); err == nil {
		t.Error("NewGenAI() without API key should fail")
	}
}
