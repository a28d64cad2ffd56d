package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func newMockReviewer(t *testing.T, handler http.HandlerFunc) *OpenAIReviewer {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := openai.NewClient(
		option.WithBaseURL(ts.URL),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	return NewOpenAIReviewer(&client, "gpt-4o", 0.2, 10*time.Second)
}

func completionResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "gpt-4o",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
	}
}

func TestReview_ParsesStructuredResult(t *testing.T) {
	reviewer := newMockReviewer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionResponse(
			`{"score": 8, "summary": "Solid change", "suggestions": [{"category": "style", "severity": "", "message": "rename x"}]}`,
		))
	})

	result, err := reviewer.Review(context.Background(), ReviewRequest{
		ProjectID: "24",
		MRID:      1,
		Title:     "Fix login",
		Diffs:     []domain.FileDiff{{Path: "main.go", Patch: "+fixed\n"}},
	})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	if result.Score != 8 {
		t.Errorf("expected score 8, got %d", result.Score)
	}
	if result.Summary != "Solid change" {
		t.Errorf("unexpected summary %q", result.Summary)
	}
	if len(result.Suggestions) != 1 || result.Suggestions[0].Severity != domain.SeverityInfo {
		t.Errorf("expected defaulted severity, got %+v", result.Suggestions)
	}
	if result.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", result.Model)
	}
}

func TestReview_StripsMarkdownFences(t *testing.T) {
	reviewer := newMockReviewer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionResponse(
			"```json\n{\"score\": 12, \"summary\": \"ok\", \"suggestions\": []}\n```",
		))
	})

	result, err := reviewer.Review(context.Background(), ReviewRequest{ProjectID: "24", MRID: 1})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if result.Score != 10 {
		t.Errorf("expected score clamped to 10, got %d", result.Score)
	}
}

func TestReview_MalformedJSONYieldsZeroScore(t *testing.T) {
	reviewer := newMockReviewer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionResponse("the code looks fine to me"))
	})

	result, err := reviewer.Review(context.Background(), ReviewRequest{ProjectID: "24", MRID: 1})
	if err != nil {
		t.Fatalf("malformed reviewer output must not fail the call: %v", err)
	}
	if result.Score != 0 {
		t.Errorf("expected zero score, got %d", result.Score)
	}
}

func TestReview_RateLimitIsRetryable(t *testing.T) {
	reviewer := newMockReviewer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limit"}}`, http.StatusTooManyRequests)
	})

	_, err := reviewer.Review(context.Background(), ReviewRequest{ProjectID: "24", MRID: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsRetryable(err) {
		t.Errorf("429 must be retryable, got %v", err)
	}
}

func TestReview_AuthErrorIsNotRetryable(t *testing.T) {
	reviewer := newMockReviewer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "invalid api key"}}`, http.StatusUnauthorized)
	})

	_, err := reviewer.Review(context.Background(), ReviewRequest{ProjectID: "24", MRID: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if types.IsRetryable(err) {
		t.Errorf("401 must not be retryable, got %v", err)
	}
}

func TestBuildUserMessage(t *testing.T) {
	msg := buildUserMessage(ReviewRequest{
		ProjectID: "24",
		MRID:      1,
		Title:     "Fix login",
		Diffs: []domain.FileDiff{
			{Path: "new.go", AddedFile: true, Patch: "+package main\n"},
			{Path: "moved.go", OldPath: "old.go", RenamedFile: true, Patch: ""},
		},
		Context: "login handler history",
	})

	for _, want := range []string{"!1", "Fix login", "new.go (added)", "renamed from old.go", "login handler history"} {
		if !strings.Contains(msg, want) {
			t.Errorf("user message missing %q:\n%s", want, msg)
		}
	}
}
