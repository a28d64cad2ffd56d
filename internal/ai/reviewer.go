// Package ai calls the AI reviewer backend over an OpenAI-compatible
// chat completion API and maps its failures onto the explicit
// retryable/non-retryable split the orchestrator's retry policy needs.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ReviewRequest carries everything the reviewer needs for one call.
type ReviewRequest struct {
	ProjectID string
	MRID      int64
	Title     string
	Diffs     []domain.FileDiff
	Context   string
}

// Reviewer reviews a merge request diff and returns a structured result.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*domain.ReviewResult, error)
}

// OpenAIReviewer implements Reviewer using the official OpenAI client.
type OpenAIReviewer struct {
	client      *openai.Client
	model       string
	temperature float64
	timeout     time.Duration
}

func NewOpenAIReviewer(client *openai.Client, model string, temperature float64, timeout time.Duration) *OpenAIReviewer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIReviewer{
		client:      client,
		model:       model,
		temperature: temperature,
		timeout:     timeout,
	}
}

// Ping sends a minimal request to verify connection
func (r *OpenAIReviewer) Ping(ctx context.Context) error {
	slog.Info("checking ai reviewer connection...")
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello"),
		},
		MaxTokens: openai.Int(1),
	}
	if _, err := r.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("ai reviewer ping failed: %w", err)
	}
	slog.Info("ai reviewer connection verified")
	return nil
}

func (r *OpenAIReviewer) Review(ctx context.Context, req ReviewRequest) (*domain.ReviewResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	val := shared.NewResponseFormatJSONObjectParam()
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserMessage(req)),
		},
		Temperature: openai.Float(r.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &val,
		},
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &types.AIError{Retry: true, Err: errors.New("empty response")}
	}

	result := parseResult(resp.Choices[0].Message.Content)
	result.Model = resp.Model
	return result, nil
}

const systemPrompt = `You are a senior code reviewer. Review the merge request diff below.
Respond with a single JSON object in exactly this shape:
{
  "score": 7,
  "summary": "Overall review summary...",
  "suggestions": [
    {"category": "correctness|style|performance|security|testing", "severity": "INFO|WARNING|CRITICAL", "message": "..."}
  ]
}
The score is an integer from 0 (unmergeable) to 10 (excellent).`

func buildUserMessage(req ReviewRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Merge request !%d in project %s: %s\n\n", req.MRID, req.ProjectID, req.Title)

	for _, d := range req.Diffs {
		switch {
		case d.AddedFile:
			fmt.Fprintf(&sb, "=== %s (added) ===\n", d.Path)
		case d.DeletedFile:
			fmt.Fprintf(&sb, "=== %s (deleted) ===\n", d.Path)
		case d.RenamedFile:
			fmt.Fprintf(&sb, "=== %s (renamed from %s) ===\n", d.Path, d.OldPath)
		default:
			fmt.Fprintf(&sb, "=== %s ===\n", d.Path)
		}
		sb.WriteString(d.Patch)
		sb.WriteString("\n")
	}

	if req.Context != "" {
		sb.WriteString("\nAdditional context:\n")
		sb.WriteString(req.Context)
	}
	return sb.String()
}

// parseResult is forgiving about reviewer output: a model that answered
// but with malformed JSON is not worth another attempt, so the raw
// summary is preserved with a zero score instead of failing the review.
func parseResult(content string) *domain.ReviewResult {
	var result domain.ReviewResult

	jsonStr := cleanJSON(content)
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		slog.Error("failed to unmarshal review result", "error", err, "response_len", len(content))
		return &domain.ReviewResult{
			Score:   0,
			Summary: fmt.Sprintf("Failed to parse review result: %v", err),
		}
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 10 {
		result.Score = 10
	}
	for i := range result.Suggestions {
		if result.Suggestions[i].Severity == "" {
			result.Suggestions[i].Severity = domain.SeverityInfo
		}
	}
	return &result
}

// cleanJSON removes markdown code block markers if present
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// classifyError maps backend failures onto the explicit retry tag.
// 429 (rate limit) and 5xx are worth retrying; 4xx auth/bad-request
// failures cannot succeed on a second attempt.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		retry := code == 429 || (code >= 500 && code < 600)
		return &types.AIError{StatusCode: code, Retry: retry, Err: err}
	}

	// No API response at all: timeout or transport failure.
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &types.AIError{Retry: true, Err: err}
}
