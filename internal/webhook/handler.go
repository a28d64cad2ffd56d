// Package webhook ingests merge request events from the source-control
// host. Everything malformed or unauthenticated is rejected at this
// boundary; only validated candidates reach the orchestrator.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/metrics"
	"mr-review-orchestrator/internal/types"

	"github.com/tidwall/gjson"
)

// Enqueuer admits review candidates. Satisfied by *orchestrator.Orchestrator.
type Enqueuer interface {
	EnqueueReview(ctx context.Context, cand domain.Candidate) error
}

// Handler validates and routes merge request webhook events.
type Handler struct {
	enqueuer    Enqueuer
	secret      string
	maxBodySize int64
}

func NewHandler(enqueuer Enqueuer, secret string, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &Handler{
		enqueuer:    enqueuer,
		secret:      secret,
		maxBodySize: maxBodySize,
	}
}

// actions that produce a review candidate: a new MR or new commits on
// an existing one.
var reviewActions = map[string]bool{
	"open":   true,
	"reopen": true,
	"update": true,
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received webhook request", "method", r.Method, "content_length", r.ContentLength)
	metrics.WebhookRequests.WithLabelValues("received").Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("read body failed", "error", err)
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("error_read").Inc()
		return
	}

	if h.secret != "" {
		signature := r.Header.Get("X-Hub-Signature")
		if signature == "" {
			slog.Warn("missing signature")
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
			return
		}
		if !verifySignature(body, signature, h.secret) {
			slog.Warn("invalid signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
			return
		}
	}

	if !utf8.Valid(body) {
		slog.Warn("request body is not valid utf-8")
		http.Error(w, "Invalid encoding", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid_encoding").Inc()
		return
	}
	if !gjson.ValidBytes(body) {
		slog.Warn("request body is not valid json")
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid_payload").Inc()
		return
	}

	if kind := gjson.GetBytes(body, "object_kind").String(); kind != "merge_request" {
		slog.Debug("ignoring event", "object_kind", kind)
		metrics.WebhookRequests.WithLabelValues("ignored_event").Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Event ignored")
		return
	}
	if action := gjson.GetBytes(body, "object_attributes.action").String(); !reviewActions[action] {
		slog.Debug("ignoring merge request action", "action", action)
		metrics.WebhookRequests.WithLabelValues("ignored_event").Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Event ignored")
		return
	}

	cand, err := parseCandidate(body)
	if err != nil {
		slog.Warn("payload rejected", "error", err, "payload_preview", scrubForLog(body, 500))
		http.Error(w, err.Error(), http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid_payload").Inc()
		return
	}

	// EnqueueReview only touches the local store and a channel; it is
	// non-blocking, so the handler calls it synchronously and surfaces
	// backpressure to the sender.
	if err := h.enqueuer.EnqueueReview(r.Context(), cand); err != nil {
		if errors.Is(err, types.ErrQueueFull) {
			slog.Warn("review queue full, rejecting webhook", "project", cand.ProjectID, "mr", cand.MRID)
			metrics.WebhookRequests.WithLabelValues("dropped_backpressure").Inc()
			http.Error(w, "Server busy, please retry later", http.StatusTooManyRequests)
			return
		}
		slog.Error("enqueue failed", "project", cand.ProjectID, "mr", cand.MRID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		metrics.WebhookRequests.WithLabelValues("error_enqueue").Inc()
		return
	}

	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Merge request queued for review")
}

// parseCandidate probes the merge request event payload. Probing with
// gjson paths instead of full struct unmarshalling keeps the handler
// tolerant of host-version payload drift.
func parseCandidate(body []byte) (domain.Candidate, error) {
	cand := domain.Candidate{
		ProjectID: gjson.GetBytes(body, "project.id").String(),
		MRID:      gjson.GetBytes(body, "object_attributes.iid").Int(),
		HeadSHA:   gjson.GetBytes(body, "object_attributes.last_commit.id").String(),
		Title:     gjson.GetBytes(body, "object_attributes.title").String(),
		WebURL:    gjson.GetBytes(body, "object_attributes.url").String(),
	}

	switch {
	case cand.ProjectID == "":
		return cand, &types.ValidationError{Reason: "missing project.id"}
	case cand.MRID <= 0:
		return cand, &types.ValidationError{Reason: "missing object_attributes.iid"}
	case cand.HeadSHA == "":
		return cand, &types.ValidationError{Reason: "missing object_attributes.last_commit.id"}
	}
	return cand, nil
}

// verifySignature validates the HMAC-SHA256 signature of a webhook
// request. Expected header format: sha256=<hex-encoded-signature>.
func verifySignature(body []byte, signature, secret string) bool {
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 {
		return false
	}
	if parts[0] != "sha256" {
		slog.Warn("unsupported signature algorithm", "algorithm", parts[0])
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(parts[1]))
}
