package openrouter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/treechat/treechat/internal/adapter/openrouter"
	"github.com/treechat/treechat/internal/config"
	"github.com/treechat/treechat/internal/resilience"
)

func testConfig(baseURL string) config.OpenRouter {
	return config.OpenRouter{
		BaseURL:  baseURL,
		APIKey:   "test-key",
		Referer:  "http://localhost:3000",
		AppTitle: "AI Mind Map",
		Timeout:  5 * time.Second,
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}
		if ref := r.Header.Get("HTTP-Referer"); ref != "http://localhost:3000" {
			t.Fatalf("unexpected referer: %q", ref)
		}
		if title := r.Header.Get("X-Title"); title != "AI Mind Map" {
			t.Fatalf("unexpected title: %q", title)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model"] != "deepseek/deepseek-v3.2" {
			t.Fatalf("unexpected model: %v", req["model"])
		}
		msgs := req["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("expected system+user messages, got %d", len(msgs))
		}
		first := msgs[0].(map[string]any)
		if first["role"] != "system" {
			t.Fatalf("expected system message first, got %v", first["role"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hello there"}}]}`))
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))
	got, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "Hello there" {
		t.Fatalf("expected %q, got %q", "Hello there", got)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key"}}`))
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))
	_, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2")

	var apiErr *openrouter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", apiErr.Status)
	}
	if apiErr.Message != "Invalid API key" {
		t.Fatalf("expected message from body, got %q", apiErr.Message)
	}
}

func TestCompleteAPIErrorUnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>gateway error</html>`))
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))
	_, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2")

	var apiErr *openrouter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "Unknown error" {
		t.Fatalf("expected Unknown error fallback, got %q", apiErr.Message)
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Fatal("expected stream:true in request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo "}}]}`,
			`not-json-should-be-skipped`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`{"choices":[{"delta":{}}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))

	var fragments []string
	full, err := client.Stream(context.Background(), "hi", "deepseek/deepseek-v3.2", func(s string) {
		fragments = append(fragments, s)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if full != "Hello world" {
		t.Fatalf("expected full text %q, got %q", "Hello world", full)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %v", len(fragments), fragments)
	}
	if strings.Join(fragments, "") != full {
		t.Fatalf("fragments %v do not concatenate to %q", fragments, full)
	}
}

func TestStreamKeepsPartialOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := openrouter.NewClient(testConfig(srv.URL))

	got := make(chan struct{})
	var full string
	var err error
	go func() {
		full, err = client.Stream(ctx, "hi", "deepseek/deepseek-v3.2", func(string) {
			cancel()
		})
		close(got)
	}()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not return after cancel")
	}

	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if full != "partial" {
		t.Fatalf("expected partial content preserved, got %q", full)
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down"}}`))
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, _ = client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2")
	}

	_, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestKeyFuncOverridesConfigKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := openrouter.NewClient(testConfig(srv.URL))
	client.SetKeyFunc(func() string { return "rotated-key" })

	if _, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotAuth != "Bearer rotated-key" {
		t.Fatalf("expected rotated key in auth header, got %q", gotAuth)
	}

	// An empty dynamic key falls back to the configured one.
	client.SetKeyFunc(func() string { return "" })
	if _, err := client.Complete(context.Background(), "hi", "deepseek/deepseek-v3.2"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected config key fallback, got %q", gotAuth)
	}
}
