package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func userMessages() []Message {
	return []Message{{Role: "system", Content: "You are a trade analyst."}, {Role: "user", Content: "Any new buyers?"}}
}

func TestComplete(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"  Yes, two new buyers.\n"}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	answer, err := c.Complete(context.Background(), "openai/gpt-4o-mini", userMessages(), 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if answer != "Yes, two new buyers." {
		t.Errorf("answer = %q", answer)
	}
	if got.Model != "openai/gpt-4o-mini" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", got.Temperature)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Complete(context.Background(), "m", userMessages(), 0)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("err = %v, want ErrEmptyCompletion", err)
	}
}

func TestChat_Headers(t *testing.T) {
	var auth, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		title = r.Header.Get("X-Title")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	if _, err := NewClient("sk-or-123", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m", Messages: userMessages()}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if auth != "Bearer sk-or-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if title != "tradewatch" {
		t.Errorf("X-Title = %q", title)
	}
}

func TestChat_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m", Messages: userMessages()})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestChat_RateLimitExhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChat_StatusErrorNotRetried(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient("bad", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want *StatusError 401", err)
	}
	if attempt.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempt.Load())
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewClient("k", WithBaseURL(srv.URL)).Chat(ctx, ChatRequest{Model: "m"})
		done <- err
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat did not return promptly after cancellation")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ModelList{Data: []Model{{ID: "openai/gpt-4o-mini"}, {ID: "anthropic/claude-3.5-haiku"}}})
	}))
	defer srv.Close()

	models, err := NewClient("k", WithBaseURL(srv.URL)).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[1].ID != "anthropic/claude-3.5-haiku" {
		t.Errorf("models = %+v", models)
	}
}

func TestListModels_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":null}`)
	}))
	defer srv.Close()

	models, err := NewClient("k", WithBaseURL(srv.URL)).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if models == nil || len(models) != 0 {
		t.Errorf("models = %#v, want empty non-nil slice", models)
	}
}
