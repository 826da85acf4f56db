package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	gemini "github.com/nshkrdotcom/gemini-ex-sub004"
	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

// Integration tests require external services (a real Gemini API key, and
// optionally Redis) and are skipped by default. Set RUN_GEMINI_INTEGRATION=1
// to run the subset that only needs a fake backend, or RUN_GEMINI_LIVE=1 to
// hit the real API with GEMINI_API_KEY set.
func TestGenerateAgainstFakeBackend(t *testing.T) {
	if os.Getenv("RUN_GEMINI_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_GEMINI_INTEGRATION=1 to run")
	}

	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "hello from fake backend"}}}},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 4, "totalTokenCount": 7},
		})
	}))
	defer fake.Close()

	cfg := &config.Config{Auth: config.AuthDirectKey, APIKey: "test-key"}
	config.ApplyProfile(cfg, config.ProfileDev)

	client, err := gemini.New(cfg, gemini.WithBaseURL(fake.URL))
	if err != nil {
		t.Fatalf("gemini.New: %v", err)
	}
	defer client.Close()

	resp, err := client.Generate(context.Background(), "gemini-2.5-flash", []streaming.Turn{
		{Role: streaming.RoleUser, Parts: []streaming.Part{{Text: "hi"}}},
	}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello from fake backend" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello from fake backend")
	}
	if resp.Usage.PromptTokenCount != 3 || resp.Usage.CandidatesTokenCount != 4 {
		t.Errorf("Usage = %+v, want prompt=3 candidates=4", resp.Usage)
	}
}

func TestLiveAPISmoke(t *testing.T) {
	if os.Getenv("RUN_GEMINI_LIVE") != "1" {
		t.Skip("live API test skipped; set RUN_GEMINI_LIVE=1 and GEMINI_API_KEY to run")
	}
	if os.Getenv("GEMINI_API_KEY") == "" {
		t.Fatal("GEMINI_API_KEY must be set for RUN_GEMINI_LIVE=1")
	}

	cfg := config.Load()
	client, err := gemini.New(cfg)
	if err != nil {
		t.Fatalf("gemini.New: %v", err)
	}
	defer client.Close()

	resp, err := client.Generate(context.Background(), "gemini-2.5-flash", []streaming.Turn{
		{Role: streaming.RoleUser, Parts: []streaming.Part{{Text: "Say hello in one word."}}},
	}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text == "" {
		t.Error("expected non-empty response text")
	}
}
