// Package pipeline turns analyzer runs into persisted, cached and announced
// analyses. The HTTP API and the async worker share it.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/metrics"
)

var tracer = otel.Tracer("heron-pipeline")

// Sources label where an analysis was requested from.
const (
	SourceSync  = "sync"
	SourceAsync = "async"
)

// Pipeline runs analyses and records their outcome. Repository, Cache, Bus
// and Metrics are optional.
type Pipeline struct {
	Analyzer   *engine.Analyzer
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics

	// CacheTTL is how long completed analyses stay cached. 0 disables.
	CacheTTL time.Duration

	now func() time.Time
}

// New creates a pipeline around an analyzer.
func New(analyzer *engine.Analyzer) *Pipeline {
	return &Pipeline{Analyzer: analyzer, now: time.Now}
}

// Input is one analysis request. Transactions must already be validated;
// Rejected carries the records dropped while validating, indexed by their
// position in the caller's input.
type Input struct {
	TenantID     string
	AnalysisID   string
	Transactions []domain.Transaction
	Rejected     []domain.RejectedRecord
	Source       string
}

// Digest fingerprints the input under the analyzer's current policy.
func (p *Pipeline) Digest(in Input) string {
	return digest(p.Analyzer.Plan(), in)
}

func digest(plan *engine.Plan, in Input) string {
	h := sha256.New()
	h.Write([]byte(plan.Digest(in.Transactions)))
	fmt.Fprintf(h, "rejected %d\n", len(in.Rejected))
	for _, r := range in.Rejected {
		engine.WriteField(h, strconv.Itoa(r.Index))
		engine.WriteField(h, r.TransactionID)
		engine.WriteField(h, r.Reason)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run analyzes in and returns the stored analysis. cached is true when an
// identical completed analysis was served from the cache. A failed run is
// still recorded and returned alongside its error.
func (p *Pipeline) Run(ctx context.Context, in Input) (a *domain.Analysis, cached bool, err error) {
	if in.TenantID == "" {
		return nil, false, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if in.Source == "" {
		in.Source = SourceSync
	}

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("tenant_id", in.TenantID),
		attribute.String("source", in.Source),
		attribute.Int("transactions", len(in.Transactions)),
	))
	defer span.End()

	start := p.clock()
	plan := p.Analyzer.Plan()
	key := digest(plan, in)

	if hit := p.lookup(ctx, in.TenantID, key); hit != nil {
		span.SetAttributes(attribute.Bool("cached", true))
		if in.AnalysisID == "" || in.AnalysisID == hit.ID {
			return hit, true, nil
		}
		// a pre-allocated record must still be completed
		hit.ID = in.AnalysisID
		hit.CreatedAt = start.UTC()
		if err := p.persist(ctx, hit, in.Transactions); err != nil {
			span.RecordError(err)
			return hit, true, err
		}
		p.announce(ctx, hit)
		return hit, true, nil
	}

	a = &domain.Analysis{
		ID:          in.AnalysisID,
		TenantID:    in.TenantID,
		InputDigest: key,
		CreatedAt:   start.UTC(),
		Rejected:    append([]domain.RejectedRecord{}, in.Rejected...),
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("analysis_id", a.ID))

	res, err := plan.Analyze(ctx, in.Transactions)
	if err != nil {
		span.RecordError(err)
		p.fail(ctx, a, in.Source, err, start)
		return a, false, err
	}

	a.Status = domain.StatusCompleted
	a.Rejected = append(a.Rejected, res.Rejected...)
	a.Report = res.Report
	a.Report.Summary.RejectedCount = len(a.Rejected)
	a.Summary = &a.Report.Summary

	if err := p.persist(ctx, a, in.Transactions); err != nil {
		span.RecordError(err)
		return a, false, err
	}

	if p.Cache != nil && p.CacheTTL > 0 {
		if err := p.Cache.SetAnalysis(ctx, in.TenantID, key, a, p.CacheTTL); err != nil {
			slog.Warn("failed to cache analysis", "analysis_id", a.ID, "error", err)
		}
	}

	p.announce(ctx, a)
	p.observe(in.Source, a, start)

	slog.Info("analysis completed",
		"analysis_id", a.ID,
		"tenant_id", a.TenantID,
		"source", in.Source,
		"flagged", a.Report.Summary.FlaggedAccountCount,
		"rings", a.Report.Summary.RingCount,
		"rejected", len(a.Rejected),
	)

	return a, false, nil
}

func (p *Pipeline) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *Pipeline) lookup(ctx context.Context, tenantID, digest string) *domain.Analysis {
	if p.Cache == nil || p.CacheTTL <= 0 {
		return nil
	}
	hit, err := p.Cache.GetAnalysis(ctx, tenantID, digest)
	if err != nil {
		slog.Warn("analysis cache lookup failed", "tenant_id", tenantID, "error", err)
		hit = nil
	}
	if p.Metrics != nil {
		p.Metrics.ObserveCache(hit != nil)
	}
	return hit
}

func (p *Pipeline) persist(ctx context.Context, a *domain.Analysis, txs []domain.Transaction) error {
	if p.Repository == nil {
		return nil
	}
	if err := p.Repository.SaveAnalysis(ctx, a.TenantID, a); err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	if err := p.Repository.SaveTransactions(ctx, a.TenantID, a.ID, txs); err != nil {
		return fmt.Errorf("failed to save analysis transactions: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, a *domain.Analysis, source string, cause error, start time.Time) {
	a.Status = domain.StatusFailed
	a.Error = cause.Error()

	slog.Error("analysis failed",
		"analysis_id", a.ID,
		"tenant_id", a.TenantID,
		"source", source,
		"error", cause,
	)

	if p.Repository != nil {
		if err := p.Repository.SaveAnalysis(ctx, a.TenantID, a); err != nil {
			slog.Error("failed to save failed analysis", "analysis_id", a.ID, "error", err)
		}
	}
	p.announce(ctx, a)
	p.observe(source, a, start)
}

// announce publishes the lifecycle event and, on success, one event per ring.
func (p *Pipeline) announce(ctx context.Context, a *domain.Analysis) {
	if p.Bus == nil {
		return
	}

	topic := domain.TopicAnalysisFailed
	if a.Report != nil {
		topic = domain.TopicAnalysisCompleted
	}

	if err := bus.PublishJSON(ctx, p.Bus, a.TenantID, topic, a.Event()); err != nil {
		slog.Error("failed to publish analysis event", "analysis_id", a.ID, "topic", topic, "error", err)
	}

	if a.Report == nil {
		return
	}
	for _, ring := range a.Report.FraudRings {
		ev := domain.RingEvent{AnalysisID: a.ID, TenantID: a.TenantID, Ring: ring}
		if err := bus.PublishJSON(ctx, p.Bus, a.TenantID, domain.TopicRingDetected, ev); err != nil {
			slog.Error("failed to publish ring event", "analysis_id", a.ID, "ring_id", ring.RingID, "error", err)
		}
	}
}

func (p *Pipeline) observe(source string, a *domain.Analysis, start time.Time) {
	if p.Metrics != nil {
		p.Metrics.ObserveAnalysis(source, a, p.clock().Sub(start))
	}
}
