// Package handlers implements the HTTP surface: query processing,
// health and usage statistics.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/varejotech/insights/pkg/cache"
	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/resolver"
	"github.com/varejotech/insights/pkg/telemetry"
)

// maxQueryLength bounds the accepted utterance size.
const maxQueryLength = 2000

// QueryRequest is the POST /api/query body.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`

	// ForceDirect skips the LLM tier for this request.
	ForceDirect bool `json:"force_direct,omitempty"`
}

// QueryResponse wraps the envelope with the request correlation id.
type QueryResponse struct {
	RequestID string             `json:"request_id"`
	Answer    *envelope.Envelope `json:"answer"`
}

// StatsResponse is the GET /api/stats body.
type StatsResponse struct {
	Resolver resolver.Stats `json:"resolver"`
	Cache    cache.Stats    `json:"cache"`
}

// Config holds the handler dependencies.
type Config struct {
	Logger    *slog.Logger
	Resolver  *resolver.Resolver
	Telemetry *telemetry.Recorder
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Resolver == nil {
		return errors.New("resolver is required")
	}
	if c.Telemetry == nil {
		return errors.New("telemetry recorder is required")
	}
	return nil
}

// Handler serves the API routes.
type Handler struct {
	log       *slog.Logger
	resolver  *resolver.Resolver
	telemetry *telemetry.Recorder
}

func New(cfg *Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate handler config: %w", err)
	}
	return &Handler{
		log:       cfg.Logger,
		resolver:  cfg.Resolver,
		telemetry: cfg.Telemetry,
	}, nil
}

// Query answers POST /api/query. The response is always a sanitised
// envelope; processing failures surface as error envelopes, not 5xx.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}
	if len(query) > maxQueryLength {
		http.Error(w, "Query is too long", http.StatusBadRequest)
		return
	}

	var opts []resolver.Option
	if req.ForceDirect {
		opts = append(opts, resolver.ForceDirect())
	}
	answer := h.resolver.Process(r.Context(), query, opts...)

	h.telemetry.RecordQuery(telemetry.QueryRecord{
		RequestID:   requestID,
		SessionID:   req.SessionID,
		Query:       query,
		Source:      string(answer.Source),
		Type:        answer.Type,
		TokensUsed:  answer.TokensUsed,
		TokensSaved: answer.TokensSaved,
		ElapsedMs:   int64(answer.ProcessingTime * 1000),
	})
	if answer.Type == envelope.TypeError {
		h.telemetry.RecordError(telemetry.ErrorRecord{
			RequestID: requestID,
			Query:     query,
			Message:   answer.Summary,
		})
	}

	h.log.Info("query answered",
		"request_id", requestID,
		"source", answer.Source,
		"type", answer.Type,
		"tokens_used", answer.TokensUsed,
	)
	writeJSON(w, http.StatusOK, QueryResponse{RequestID: requestID, Answer: answer})
}

// Stats answers GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Resolver: h.resolver.Stats(),
		Cache:    h.resolver.CacheStats(),
	})
}

// Healthz answers GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
