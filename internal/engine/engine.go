// Package engine runs one batch analysis pass over a transaction ledger.
//
// The pipeline is graph build, then the detectors (concurrently), then score
// aggregation, ring extraction, account rules and report assembly. A run
// either returns a complete, verified report or an error; there is no
// partial result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/detect"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/report"
	"github.com/opensource-finance/heron/internal/rings"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/scoring"
)

var tracer = otel.Tracer("heron-engine")

// Analyzer is safe for concurrent use; each call to Analyze is independent.
type Analyzer struct {
	cfg        domain.DetectionConfig
	detectors  []detect.Detector
	aggregator *scoring.Aggregator
	extractor  *rings.Extractor
	assembler  *report.Assembler
	rules      *rules.Engine
	now        func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRules attaches a rule engine whose alerts annotate the risk summary.
func WithRules(e *rules.Engine) Option {
	return func(a *Analyzer) { a.rules = e }
}

// WithClock replaces the wall clock used to time runs.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithDetectors replaces the default detector set.
func WithDetectors(ds ...detect.Detector) Option {
	return func(a *Analyzer) { a.detectors = ds }
}

// New creates an analyzer for the given detection policy.
func New(cfg domain.DetectionConfig, opts ...Option) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}

	a := &Analyzer{
		cfg:        cfg,
		detectors:  detect.Defaults(cfg),
		aggregator: scoring.NewAggregator(cfg),
		extractor:  rings.NewExtractor(cfg),
		assembler:  report.NewAssembler(cfg),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the detection policy.
func (a *Analyzer) Config() domain.DetectionConfig {
	return a.cfg
}

// Result is the outcome of a successful run.
type Result struct {
	Report   *domain.Report
	Rejected []domain.RejectedRecord
}

// Plan binds the analyzer to the account rules loaded when it was taken, so a
// digest and the run it keys see the same rule set across reloads.
type Plan struct {
	a     *Analyzer
	rules *rules.RuleSet
}

// Plan snapshots the loaded account rules.
func (a *Analyzer) Plan() *Plan {
	p := &Plan{a: a}
	if a.rules != nil {
		p.rules = a.rules.Snapshot()
	}
	return p
}

// Analyze runs the full pipeline over records with the rules loaded now.
// See Plan.Analyze.
func (a *Analyzer) Analyze(ctx context.Context, records []domain.Transaction) (*Result, error) {
	return a.Plan().Analyze(ctx, records)
}

// Analyze runs the full pipeline over records. Malformed records are skipped
// and returned in Result.Rejected. An empty ledger yields an empty report.
// Contract violations return an error wrapping domain.ErrInvariantViolation.
func (p *Plan) Analyze(ctx context.Context, records []domain.Transaction) (*Result, error) {
	a := p.a
	start := a.now()

	ctx, span := tracer.Start(ctx, "engine.analyze",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	_, buildSpan := tracer.Start(ctx, "graph.build")
	g, rejected := graph.Build(records)
	buildSpan.SetAttributes(
		attribute.Int("accounts", g.Len()),
		attribute.Int("rejected", len(rejected)),
	)
	buildSpan.End()

	results, err := a.detect(ctx, g)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	_, aggSpan := tracer.Start(ctx, "scoring.aggregate")
	board, err := a.aggregator.Aggregate(g, results)
	aggSpan.End()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	_, ringSpan := tracer.Start(ctx, "rings.extract")
	found, err := a.extractor.Extract(results, board)
	ringSpan.End()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	alerts, err := evaluateRules(ctx, p.rules, g, board, found)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	_, reportSpan := tracer.Start(ctx, "report.assemble")
	rep := a.assembler.Assemble(report.Input{
		Graph:    g,
		Board:    board,
		Rings:    found,
		Alerts:   alerts,
		Rejected: len(rejected),
		Elapsed:  a.now().Sub(start),
	})
	err = a.assembler.Verify(rep)
	reportSpan.End()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("flagged", rep.Summary.FlaggedAccountCount),
		attribute.Int("rings", rep.Summary.RingCount),
	)
	slog.Debug("analysis pass complete",
		"accounts", rep.Summary.AccountCount,
		"transactions", rep.Summary.TransactionCount,
		"rejected", len(rejected),
		"flagged", rep.Summary.FlaggedAccountCount,
		"rings", rep.Summary.RingCount,
		"processing_seconds", rep.Summary.ProcessingSeconds,
	)

	return &Result{Report: rep, Rejected: rejected}, nil
}

// detect runs every detector over g and returns their results in detector
// order. With Concurrent set the detectors run in parallel behind a barrier.
func (a *Analyzer) detect(ctx context.Context, g *graph.Graph) ([]*detect.Result, error) {
	results := make([]*detect.Result, len(a.detectors))

	run := func(i int, d detect.Detector) error {
		_, span := tracer.Start(ctx, "detect."+d.Name())
		defer span.End()

		res, err := safeDetect(d, g)
		if err != nil {
			span.RecordError(err)
			return err
		}
		span.SetAttributes(
			attribute.Int("fired", len(res.Scores)),
			attribute.Int("groups", len(res.Groups)),
		)
		results[i] = res
		return nil
	}

	if !a.cfg.Concurrent {
		for i, d := range a.detectors {
			if err := run(i, d); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	var eg errgroup.Group
	for i, d := range a.detectors {
		eg.Go(func() error { return run(i, d) })
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// safeDetect turns a detector panic into an invariant violation so that a
// defective detector fails the run instead of the process.
func safeDetect(d detect.Detector, g *graph.Graph) (res *detect.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewInvariantError("detect."+d.Name(), "panic: %v", r)
		}
	}()
	res, err = d.Detect(g)
	if err != nil {
		var inv *domain.InvariantError
		if !errors.As(err, &inv) {
			err = domain.NewInvariantError("detect."+d.Name(), "%v", err)
		}
		return nil, err
	}
	if res == nil {
		return nil, domain.NewInvariantError("detect."+d.Name(), "nil result")
	}
	return res, nil
}

func evaluateRules(ctx context.Context, set *rules.RuleSet, g *graph.Graph, board *scoring.Scoreboard, found []domain.FraudRing) (map[string][]string, error) {
	if set.Len() == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "rules.evaluate")
	defer span.End()

	ringSize := make(map[string]int)
	for _, r := range found {
		for _, m := range r.MemberIDs {
			ringSize[m] = len(r.MemberIDs)
		}
	}

	flagged := board.Flagged()
	inputs := make([]rules.AccountInput, 0, len(flagged))
	for _, acct := range flagged {
		i, _ := g.Index(acct.ID)
		inputs = append(inputs, rules.AccountInput{
			AccountID:     acct.ID,
			Score:         acct.Score,
			Flags:         acct.Flags,
			UniqueSenders: g.UniqueSenders(i),
			InDegree:      g.InDegree(i),
			OutDegree:     g.OutDegree(i),
			TotalIn:       g.TotalIn(i),
			TotalOut:      g.TotalOut(i),
			IsHub:         acct.IsHub,
			IsCycleMember: acct.IsCycleMember,
			IsPassThrough: acct.IsPassThrough,
			RingSize:      ringSize[acct.ID],
		})
	}

	results, err := set.EvaluateAll(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating account rules: %w", err)
	}
	span.SetAttributes(attribute.Int("accounts", len(inputs)))
	return rules.Alerts(results), nil
}
