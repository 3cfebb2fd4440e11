package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/ingest"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/sample"
)

// Queue accepts analyses for asynchronous processing.
type Queue interface {
	Submit(ctx context.Context, req domain.AnalysisRequest) error
}

// sampleStart anchors generated sample ledgers so equal seeds hit the cache.
var sampleStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Handler holds dependencies for API handlers.
type Handler struct {
	config   domain.ServerConfig
	pipeline *pipeline.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	queue    Queue
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(cfg domain.ServerConfig, p *pipeline.Pipeline, ruleEngine *rules.Engine, queue Queue, version string) *Handler {
	return &Handler{
		config:   cfg,
		pipeline: p,
		repo:     p.Repository,
		cache:    p.Cache,
		bus:      p.Bus,
		engine:   ruleEngine,
		queue:    queue,
		validate: newValidator(),
		version:  version,
	}
}

// AnalyzeRequest is the request body for POST /analyze and POST /analyses/async.
// Records stay raw so one malformed record is rejected on its own.
type AnalyzeRequest struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// Analyze handles POST /analyze requests.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	txs, rejected, ok := h.readAnalyzeRequest(w, r)
	if !ok {
		return
	}
	h.run(w, r, txs, rejected)
}

// Upload handles POST /upload with a multipart CSV "file".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	parsed, err := ingest.ParseCSV(file)
	if err != nil {
		if errors.Is(err, domain.ErrMissingColumns) {
			writeError(w, http.StatusBadRequest, "bad CSV format: "+err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read CSV: "+err.Error())
		return
	}

	h.run(w, r, parsed.Transactions, parsed.Rejected)
}

// SampleData handles GET /sample-data. It analyzes a generated ledger, or
// returns it as CSV with format=csv.
func (h *Handler) SampleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := sample.Options{Seed: 42, Start: sampleStart}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed must be a non-negative integer")
			return
		}
		opts.Seed = seed
	}
	if v := q.Get("accounts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "accounts must be between 0 and 10000")
			return
		}
		opts.Accounts = n
	}

	ds := sample.Generate(opts)

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="sample.csv"`)
		if err := ingest.WriteCSV(w, ds.Transactions); err != nil {
			slog.Error("failed to write sample csv", "error", err)
		}
		return
	}

	h.run(w, r, ds.Transactions, nil)
}

// run analyzes validated records and writes the analysis response.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, txs []domain.Transaction, rejected []domain.RejectedRecord) {
	ctx := r.Context()

	a, cached, err := h.pipeline.Run(ctx, pipeline.Input{
		TenantID:     GetTenantID(ctx),
		Transactions: txs,
		Rejected:     rejected,
		Source:       pipeline.SourceSync,
	})
	if err != nil {
		resp := map[string]string{"error": "analysis failed"}
		if a != nil {
			resp["analysis_id"] = a.ID
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, a.ToResponse(cached))
}

// SubmitAnalysisResponse is the response for POST /analyses/async.
type SubmitAnalysisResponse struct {
	AnalysisID      string                  `json:"analysis_id"`
	Status          string                  `json:"status"`
	RejectedRecords []domain.RejectedRecord `json:"rejected_records"`
}

// SubmitAnalysis handles POST /analyses/async. The analysis is recorded as
// PENDING and queued; poll GET /analyses/{id} for the result.
func (h *Handler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil || h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "async analysis not available")
		return
	}

	txs, rejected, ok := h.readAnalyzeRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	a := &domain.Analysis{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
		Rejected:  rejected,
	}
	if err := h.repo.SaveAnalysis(ctx, tenantID, a); err != nil {
		slog.Error("failed to save pending analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save analysis")
		return
	}

	req := domain.AnalysisRequest{
		AnalysisID:   a.ID,
		TenantID:     tenantID,
		Transactions: txs,
		Rejected:     rejected,
		TraceID:      GetTraceID(ctx),
	}
	if err := h.queue.Submit(ctx, req); err != nil {
		slog.Error("failed to queue analysis", "analysis_id", a.ID, "error", err)
		a.Status = domain.StatusFailed
		a.Error = "failed to queue analysis"
		if err := h.repo.SaveAnalysis(ctx, tenantID, a); err != nil {
			slog.Error("failed to mark analysis failed", "analysis_id", a.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "failed to queue analysis")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitAnalysisResponse{
		AnalysisID:      a.ID,
		Status:          a.Status,
		RejectedRecords: rejected,
	})
}

func (h *Handler) readAnalyzeRequest(w http.ResponseWriter, r *http.Request) ([]domain.Transaction, []domain.RejectedRecord, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds size limit")
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, nil, false
	}

	txs, rejected := h.decodeTransactions(req.Transactions)
	return txs, rejected, true
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("event_bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListAnalyses returns the tenant's most recent analyses without reports.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx := r.Context()
	list, err := h.repo.ListAnalyses(ctx, GetTenantID(ctx), limit)
	if err != nil {
		slog.Error("failed to list analyses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": list,
		"count":    len(list),
	})
}

// GetAnalysis retrieves a stored analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAnalysis(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAnalysisTransactions returns the accepted ledger an analysis ran on.
func (h *Handler) ListAnalysisTransactions(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAnalysis(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	txs, err := h.repo.ListTransactions(ctx, a.TenantID, a.ID)
	if err != nil {
		slog.Error("failed to list analysis transactions", "id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id":  a.ID,
		"transactions": txs,
		"count":        len(txs),
	})
}

func (h *Handler) loadAnalysis(w http.ResponseWriter, r *http.Request) (*domain.Analysis, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return nil, false
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")

	a, err := h.repo.GetAnalysis(ctx, GetTenantID(ctx), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get analysis", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return nil, false
	}
	return a, true
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules returns the rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	ruleID := chi.URLParam(r, "id")
	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression" validate:"required"`
	Bands       []domain.RuleBand `json:"bands"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates a rule and saves it for every tenant. Call
// POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "rule management not available")
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, formatValidationError(err))
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), domain.GlobalTenantID, rule); err != nil {
		slog.Error("failed to save rule config", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "id", rule.ID, "version", rule.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "rule management not available")
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(r.Context(), domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
