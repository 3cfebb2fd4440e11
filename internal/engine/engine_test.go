package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/detect"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/sample"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func tx(from, to string, amount float64, at time.Time) domain.Transaction {
	return domain.Transaction{Sender: from, Receiver: to, Amount: amount, Timestamp: at}
}

// fixedClock advances by one second per call so processing time is stable.
func fixedClock() func() time.Time {
	now := t0
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newAnalyzer(t *testing.T, opts ...Option) *Analyzer {
	t.Helper()
	a, err := New(domain.DefaultDetectionConfig(), append([]Option{WithClock(fixedClock())}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}
	return a
}

func analyze(t *testing.T, a *Analyzer, txs ...domain.Transaction) *Result {
	t.Helper()
	res, err := a.Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	return res
}

func node(t *testing.T, r *domain.Report, id string) domain.Node {
	t.Helper()
	for _, n := range r.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not found", id)
	return domain.Node{}
}

func builtinRules(t *testing.T) *rules.Engine {
	t.Helper()
	re, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := re.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}
	return re
}

func riskEntry(r *domain.Report, id string) (domain.RiskEntry, bool) {
	for _, e := range r.RiskSummary {
		if e.ID == id {
			return e, true
		}
	}
	return domain.RiskEntry{}, false
}

func TestAnalyze_ThreeCycle(t *testing.T) {
	res := analyze(t, newAnalyzer(t),
		tx("A", "B", 5000, t0),
		tx("B", "C", 5000, t0.Add(time.Hour)),
		tx("C", "A", 5000, t0.Add(2*time.Hour)),
	)
	r := res.Report

	for _, id := range []string{"A", "B", "C"} {
		n := node(t, r, id)
		if n.Score != 50 {
			t.Errorf("%s: expected score 50, got %d", id, n.Score)
		}
		if !slices.Equal(n.Flags, []string{domain.FlagCircularWash}) {
			t.Errorf("%s: unexpected flags %v", id, n.Flags)
		}
		if !n.IsCycleMember {
			t.Errorf("%s: expected cycle member", id)
		}
		if n.ColorTier != domain.TierElevated {
			t.Errorf("%s: expected tier %s, got %s", id, domain.TierElevated, n.ColorTier)
		}
	}

	if len(r.FraudRings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(r.FraudRings))
	}
	ring := r.FraudRings[0]
	if ring.PatternType != domain.PatternCircular {
		t.Errorf("expected pattern %s, got %s", domain.PatternCircular, ring.PatternType)
	}
	if len(ring.MemberIDs) != 3 {
		t.Errorf("expected 3 members, got %v", ring.MemberIDs)
	}
	if ring.RingScore != 50.0 {
		t.Errorf("expected ring score 50, got %v", ring.RingScore)
	}

	if r.Summary.FlaggedAccountCount != 3 {
		t.Errorf("expected 3 flagged accounts, got %d", r.Summary.FlaggedAccountCount)
	}
	if r.Summary.RingCount != 1 {
		t.Errorf("expected ring count 1, got %d", r.Summary.RingCount)
	}
}

func TestAnalyze_FanIn(t *testing.T) {
	tests := []struct {
		senders int
		score   int
	}{
		{6, 5},
		{10, 25},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dSenders", tt.senders), func(t *testing.T) {
			var txs []domain.Transaction
			for i := 0; i < tt.senders; i++ {
				txs = append(txs, tx(fmt.Sprintf("S%d", i), "H", 950, t0.Add(time.Duration(i)*time.Hour)))
			}
			r := analyze(t, newAnalyzer(t), txs...).Report

			hub := node(t, r, "H")
			if hub.Score != tt.score {
				t.Errorf("expected hub score %d, got %d", tt.score, hub.Score)
			}
			if !slices.Equal(hub.Flags, []string{domain.FlagSmurfingHub}) {
				t.Errorf("unexpected hub flags %v", hub.Flags)
			}
			if !hub.IsHub {
				t.Error("expected hub")
			}

			for i := 0; i < tt.senders; i++ {
				s := node(t, r, fmt.Sprintf("S%d", i))
				if s.Score != 0 || len(s.Flags) != 0 {
					t.Errorf("sender %s: expected clean, got score %d flags %v", s.ID, s.Score, s.Flags)
				}
			}

			if len(r.RiskSummary) != 1 || r.RiskSummary[0].ID != "H" {
				t.Errorf("expected only H in risk summary, got %+v", r.RiskSummary)
			}
		})
	}
}

func TestAnalyze_Velocity(t *testing.T) {
	fast := analyze(t, newAnalyzer(t),
		tx("U", "M", 1000, t0),
		tx("M", "D", 990, t0.Add(10*time.Minute)),
	).Report
	m := node(t, fast, "M")
	if m.Score != 20 {
		t.Errorf("expected score 20, got %d", m.Score)
	}
	if !slices.Equal(m.Flags, []string{domain.FlagHighVelocity}) {
		t.Errorf("unexpected flags %v", m.Flags)
	}
	if !m.IsPassThrough {
		t.Error("expected pass-through")
	}

	slow := analyze(t, newAnalyzer(t),
		tx("U", "M", 1000, t0),
		tx("M", "D", 990, t0.Add(20*time.Minute)),
	).Report
	if score := node(t, slow, "M").Score; score != 0 {
		t.Errorf("expected slow forward to score 0, got %d", score)
	}
	if len(slow.RiskSummary) != 0 || len(slow.FraudRings) != 0 {
		t.Errorf("expected nothing flagged, got %+v and %+v", slow.RiskSummary, slow.FraudRings)
	}
}

func TestAnalyze_SelfTransfer(t *testing.T) {
	res := analyze(t, newAnalyzer(t),
		tx("M", "M", 500, t0),
		tx("M", "M", 500, t0),
		tx("U", "M", 10, t0.Add(time.Hour)),
	)
	r := res.Report

	if len(res.Rejected) != 0 {
		t.Fatalf("positive self-transfers must be kept, got %+v", res.Rejected)
	}
	if r.Summary.TransactionCount != 3 {
		t.Errorf("expected 3 transactions, got %d", r.Summary.TransactionCount)
	}
	if len(r.Links) != 3 {
		t.Errorf("expected 3 links, got %d", len(r.Links))
	}

	m := node(t, r, "M")
	if m.Score != 0 || len(m.Flags) != 0 {
		t.Errorf("self-transfers never pair with themselves: score %d flags %v", m.Score, m.Flags)
	}
	if m.IsPassThrough || m.IsCycleMember {
		t.Errorf("unexpected pattern membership: %+v", m)
	}
	if len(r.FraudRings) != 0 {
		t.Errorf("expected no rings, got %+v", r.FraudRings)
	}
}

func TestAnalyze_CycleAndVelocityIsHybrid(t *testing.T) {
	r := analyze(t, newAnalyzer(t),
		tx("A", "B", 5000, t0),
		tx("B", "C", 5000, t0.Add(5*time.Minute)),
		tx("C", "A", 5000, t0.Add(10*time.Minute)),
	).Report

	b := node(t, r, "B")
	if b.Score != 70 {
		t.Errorf("expected score 70, got %d", b.Score)
	}
	if !slices.Equal(b.Flags, []string{domain.FlagCircularWash, domain.FlagHighVelocity}) {
		t.Errorf("unexpected flags %v", b.Flags)
	}
	if b.ColorTier != domain.TierHigh {
		t.Errorf("expected tier %s, got %s", domain.TierHigh, b.ColorTier)
	}

	if len(r.FraudRings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(r.FraudRings))
	}
	if r.FraudRings[0].PatternType != domain.PatternHybrid {
		t.Errorf("expected pattern %s, got %s", domain.PatternHybrid, r.FraudRings[0].PatternType)
	}
	if r.FraudRings[0].RingScore != 63.3 {
		t.Errorf("expected ring score 63.3, got %v", r.FraudRings[0].RingScore)
	}

	// tie at 70 is broken by ascending id
	var order []string
	for _, e := range r.RiskSummary {
		order = append(order, e.ID)
	}
	if !slices.Equal(order, []string{"B", "C", "A"}) {
		t.Errorf("expected risk order [B C A], got %v", order)
	}
}

func TestAnalyze_ScoresBounded(t *testing.T) {
	// hub with 20 senders that also sits in a cycle and forwards quickly
	var txs []domain.Transaction
	for i := 0; i < 20; i++ {
		txs = append(txs, tx(fmt.Sprintf("S%02d", i), "H", 100, t0.Add(time.Duration(i)*time.Minute)))
	}
	txs = append(txs,
		tx("H", "X", 100, t0.Add(20*time.Minute)),
		tx("X", "H", 100, t0.Add(2*time.Hour)),
	)
	r := analyze(t, newAnalyzer(t), txs...).Report

	h := node(t, r, "H")
	if h.Score != 100 {
		t.Errorf("expected capped score 100, got %d", h.Score)
	}
	want := []string{domain.FlagCircularWash, domain.FlagSmurfingHub, domain.FlagHighVelocity}
	if !slices.Equal(h.Flags, want) {
		t.Errorf("expected flags %v, got %v", want, h.Flags)
	}
	for _, n := range r.Nodes {
		if n.Score < 0 || n.Score > 100 {
			t.Errorf("%s: score %d out of range", n.ID, n.Score)
		}
	}
}

func TestAnalyze_EmptyInput(t *testing.T) {
	res := analyze(t, newAnalyzer(t))
	r := res.Report

	if r.Nodes == nil || r.Links == nil || r.RiskSummary == nil || r.FraudRings == nil {
		t.Errorf("expected empty non-nil collections, got %+v", r)
	}
	if len(r.Nodes) != 0 {
		t.Errorf("expected no nodes, got %d", len(r.Nodes))
	}
	if r.Summary.FlaggedAccountCount != 0 || r.Summary.RingCount != 0 {
		t.Errorf("expected zero counts, got %+v", r.Summary)
	}
	if len(res.Rejected) != 0 {
		t.Errorf("expected no rejected records, got %d", len(res.Rejected))
	}
}

func TestAnalyze_MalformedRecordsSkipped(t *testing.T) {
	res := analyze(t, newAnalyzer(t),
		tx("A", "B", 10, t0),
		tx("A", "A", 0, t0),
		tx("", "B", 10, t0),
		tx("B", "A", 10, t0.Add(time.Hour)),
	)
	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejected records, got %+v", res.Rejected)
	}
	if res.Rejected[0].Index != 2 || res.Rejected[1].Index != 3 {
		t.Errorf("expected 1-based indexes 2 and 3, got %d and %d", res.Rejected[0].Index, res.Rejected[1].Index)
	}
	if res.Report.Summary.RejectedCount != 2 {
		t.Errorf("expected rejected count 2, got %d", res.Report.Summary.RejectedCount)
	}
	if res.Report.Summary.TransactionCount != 2 {
		t.Errorf("expected 2 transactions, got %d", res.Report.Summary.TransactionCount)
	}
	if len(res.Report.FraudRings) != 1 {
		t.Errorf("expected 1 ring, got %d", len(res.Report.FraudRings))
	}
}

func TestAnalyze_OnlyRejectedRecords(t *testing.T) {
	res := analyze(t, newAnalyzer(t), tx("A", "A", 0, t0))
	if len(res.Report.Nodes) != 0 {
		t.Errorf("expected no nodes, got %d", len(res.Report.Nodes))
	}
	if len(res.Rejected) != 1 {
		t.Errorf("expected 1 rejected record, got %d", len(res.Rejected))
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	ds := sample.Generate(sample.Options{Seed: 99, Start: t0})

	first := analyze(t, newAnalyzer(t), ds.Transactions...)
	second := analyze(t, newAnalyzer(t), ds.Transactions...)

	a, err := json.Marshal(first.Report)
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}
	b, err := json.Marshal(second.Report)
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}
	if string(a) != string(b) {
		t.Error("reports differ between identical runs")
	}
}

func TestAnalyze_ConcurrentMatchesSequential(t *testing.T) {
	ds := sample.Generate(sample.Options{Seed: 5, Start: t0})

	cfg := domain.DefaultDetectionConfig()
	cfg.Concurrent = false
	seq, err := New(cfg, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	want := analyze(t, seq, ds.Transactions...)
	got := analyze(t, newAnalyzer(t), ds.Transactions...)
	if !reflect.DeepEqual(want.Report, got.Report) {
		t.Error("concurrent report differs from sequential report")
	}
}

func TestAnalyze_SampleGroundTruth(t *testing.T) {
	ds := sample.Generate(sample.Options{Seed: 2024, Start: t0})
	r := analyze(t, newAnalyzer(t), ds.Transactions...).Report

	mule := node(t, r, ds.Mule)
	if !mule.IsHub || !slices.Contains(mule.Flags, domain.FlagSmurfingHub) {
		t.Errorf("expected mule to be a smurfing hub, got %+v", mule)
	}
	if !mule.IsPassThrough {
		t.Error("mule cashes out within the window")
	}

	for _, id := range ds.Cycle {
		n := node(t, r, id)
		if !n.IsCycleMember {
			t.Errorf("%s: expected cycle member", id)
		}
		if n.Score < 50 {
			t.Errorf("%s: expected score >= 50, got %d", id, n.Score)
		}
	}

	if r.Summary.TransactionCount != len(ds.Transactions) {
		t.Errorf("expected %d transactions, got %d", len(ds.Transactions), r.Summary.TransactionCount)
	}
	if r.Summary.RingCount <= 0 {
		t.Error("expected at least one ring")
	}
}

func TestAnalyze_RuleAlerts(t *testing.T) {
	r := analyze(t, newAnalyzer(t, WithRules(builtinRules(t))),
		tx("A", "B", 5000, t0),
		tx("B", "C", 5000, t0.Add(5*time.Minute)),
		tx("C", "A", 5000, t0.Add(10*time.Minute)),
	).Report

	b, ok := riskEntry(r, "B")
	if !ok {
		t.Fatal("B missing from risk summary")
	}
	if b.Score != 70 {
		t.Errorf("rules never change scores: got %d", b.Score)
	}
	if len(b.Alerts) == 0 {
		t.Fatal("expected alerts for B")
	}
	if !strings.Contains(b.Alerts[0], "full-pass-through") {
		t.Errorf("expected full-pass-through alert, got %v", b.Alerts)
	}
}

func TestPlan_KeepsRulesAcrossReload(t *testing.T) {
	re := builtinRules(t)
	a := newAnalyzer(t, WithRules(re))
	txs := []domain.Transaction{
		tx("A", "B", 5000, t0),
		tx("B", "C", 5000, t0.Add(5*time.Minute)),
		tx("C", "A", 5000, t0.Add(10*time.Minute)),
	}

	plan := a.Plan()
	before := plan.Digest(txs)

	if err := re.ReloadRules(nil); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if got := plan.Digest(txs); got != before {
		t.Error("plan digest changed after reload")
	}
	if a.Digest(txs) == before {
		t.Error("fresh digest should reflect the reloaded rules")
	}

	res, err := plan.Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if b, _ := riskEntry(res.Report, "B"); len(b.Alerts) == 0 {
		t.Error("plan must evaluate the rules it was digested with")
	}

	fresh := analyze(t, a, txs...)
	if b, _ := riskEntry(fresh.Report, "B"); len(b.Alerts) != 0 {
		t.Errorf("expected no alerts after reload, got %v", b.Alerts)
	}
}

func TestAnalyze_ProcessingSeconds(t *testing.T) {
	r := analyze(t, newAnalyzer(t), tx("A", "B", 1, t0)).Report
	if r.Summary.ProcessingSeconds != 1.0 {
		t.Errorf("expected 1 second, got %v", r.Summary.ProcessingSeconds)
	}
}

type brokenDetector struct{ panics bool }

func (d brokenDetector) Name() string             { return "broken" }
func (d brokenDetector) Seed() domain.PatternType { return domain.PatternCircular }
func (d brokenDetector) Detect(g *graph.Graph) (*detect.Result, error) {
	if d.panics {
		panic("boom")
	}
	return &detect.Result{
		Detector: "broken",
		Seed:     domain.PatternCircular,
		Flag:     domain.FlagCircularWash,
		Scores:   map[string]int{"A": 50},
		Groups:   []detect.Group{{Seed: domain.PatternCircular, Members: []string{"A", "ghost"}}},
	}, nil
}

func TestAnalyze_InvariantViolation(t *testing.T) {
	tests := []struct {
		name string
		d    detect.Detector
	}{
		{"RingMemberNotAnAccount", brokenDetector{}},
		{"DetectorPanic", brokenDetector{panics: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAnalyzer(t, WithDetectors(tt.d))
			res, err := a.Analyze(context.Background(), []domain.Transaction{tx("A", "B", 1, t0)})
			if err == nil {
				t.Fatal("expected error")
			}
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
			if !errors.Is(err, domain.ErrInvariantViolation) {
				t.Errorf("expected ErrInvariantViolation, got %v", err)
			}
			var inv *domain.InvariantError
			if !errors.As(err, &inv) {
				t.Errorf("expected *InvariantError, got %T", err)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.VelocityWindow = 0
	_, err := New(cfg)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDigest(t *testing.T) {
	a := newAnalyzer(t)
	txs := []domain.Transaction{tx("A", "B", 1, t0), tx("B", "C", 2, t0)}

	d := a.Digest(txs)
	if d != a.Digest(txs) {
		t.Error("digest is not stable")
	}
	if len(d) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d))
	}
	if d == a.Digest(txs[:1]) {
		t.Error("dropping a record must change the digest")
	}

	cfg := domain.DefaultDetectionConfig()
	cfg.CycleBonus = 40
	other, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}
	if d == other.Digest(txs) {
		t.Error("policy change must change the digest")
	}

	if d == newAnalyzer(t, WithRules(builtinRules(t))).Digest(txs) {
		t.Error("loaded rules must change the digest")
	}

	// same instant in another zone is the same ledger
	moved := []domain.Transaction{tx("A", "B", 1, t0.In(time.FixedZone("X", 3600))), txs[1]}
	if d != a.Digest(moved) {
		t.Error("zone change must not change the digest")
	}

	t.Run("FieldBoundaries", func(t *testing.T) {
		x := domain.Transaction{ID: "a\x1fb", Sender: "c", Receiver: "d", Amount: 1, Timestamp: t0}
		y := domain.Transaction{ID: "a", Sender: "b", Receiver: "c\x1fd", Amount: 1, Timestamp: t0}
		if a.Digest([]domain.Transaction{x}) == a.Digest([]domain.Transaction{y}) {
			t.Error("ledgers differing only in where a separator falls must not collide")
		}

		joined := domain.Transaction{ID: "ab", Sender: "c", Receiver: "d", Amount: 1, Timestamp: t0}
		split := domain.Transaction{ID: "a", Sender: "bc", Receiver: "d", Amount: 1, Timestamp: t0}
		if a.Digest([]domain.Transaction{joined}) == a.Digest([]domain.Transaction{split}) {
			t.Error("shifting bytes between fields must change the digest")
		}
	})
}
