package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/detect"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
)

const tenantID = "tenant-001"

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func cycle() []domain.Transaction {
	return []domain.Transaction{
		{ID: "TX_1", Sender: "A", Receiver: "B", Amount: 5000, Timestamp: t0},
		{ID: "TX_2", Sender: "B", Receiver: "C", Amount: 5000, Timestamp: t0.Add(5 * time.Minute)},
		{ID: "TX_3", Sender: "C", Receiver: "A", Amount: 5000, Timestamp: t0.Add(10 * time.Minute)},
	}
}

type harness struct {
	p      *Pipeline
	repo   domain.Repository
	events chan *domain.Message
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()

	fixed := func() time.Time { return t0 }
	analyzer, err := engine.New(domain.DefaultDetectionConfig(), append([]engine.Option{engine.WithClock(fixed)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "heron.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	events := make(chan *domain.Message, 64)
	for _, topic := range []string{domain.TopicAnalysisCompleted, domain.TopicAnalysisFailed, domain.TopicRingDetected} {
		_, err := eventBus.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
			events <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("failed to subscribe to %s: %v", topic, err)
		}
	}

	p := New(analyzer)
	p.Repository = repo
	p.Cache = cache.NewLRUCache(16)
	p.Bus = eventBus
	p.Metrics = metrics.New()
	p.CacheTTL = time.Hour
	p.now = fixed

	return &harness{p: p, repo: repo, events: events}
}

func (h *harness) collect(t *testing.T, n int) map[string]int {
	t.Helper()
	topics := make(map[string]int)
	for i := 0; i < n; i++ {
		select {
		case msg := <-h.events:
			topics[msg.Topic]++
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d of %d events", i, n)
		}
	}
	return topics
}

func run(t *testing.T, p *Pipeline, in Input) (*domain.Analysis, bool) {
	t.Helper()
	a, cached, err := p.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return a, cached
}

func TestRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rejected := []domain.RejectedRecord{{Index: 4, TransactionID: "TX_4", Reason: "missing sender id"}}
	a, cached := run(t, h.p, Input{TenantID: tenantID, Transactions: cycle(), Rejected: rejected})
	if cached {
		t.Error("first run must not be cached")
	}

	if a.ID == "" {
		t.Error("expected generated analysis ID")
	}
	if a.Status != domain.StatusCompleted {
		t.Errorf("expected status %s, got %s", domain.StatusCompleted, a.Status)
	}
	if !a.CreatedAt.Equal(t0) {
		t.Errorf("expected created at %v, got %v", t0, a.CreatedAt)
	}
	if a.Report == nil {
		t.Fatal("expected report")
	}
	if a.Report.Summary.FlaggedAccountCount != 3 {
		t.Errorf("expected 3 flagged accounts, got %d", a.Report.Summary.FlaggedAccountCount)
	}
	if a.Report.Summary.RejectedCount != 1 {
		t.Errorf("expected rejected count 1, got %d", a.Report.Summary.RejectedCount)
	}
	if !reflect.DeepEqual(a.Rejected, rejected) {
		t.Errorf("expected rejected %+v, got %+v", rejected, a.Rejected)
	}

	stored, err := h.repo.GetAnalysis(ctx, tenantID, a.ID)
	if err != nil {
		t.Fatalf("failed to load analysis: %v", err)
	}
	if stored.InputDigest != a.InputDigest {
		t.Errorf("stored digest %s differs from %s", stored.InputDigest, a.InputDigest)
	}
	if stored.Report.Summary.RingCount != 1 {
		t.Errorf("expected 1 stored ring, got %d", stored.Report.Summary.RingCount)
	}

	txs, err := h.repo.ListTransactions(ctx, tenantID, a.ID)
	if err != nil {
		t.Fatalf("failed to list transactions: %v", err)
	}
	if len(txs) != 3 {
		t.Errorf("expected 3 stored transactions, got %d", len(txs))
	}

	topics := h.collect(t, 2)
	if topics[domain.TopicAnalysisCompleted] != 1 || topics[domain.TopicRingDetected] != 1 {
		t.Errorf("unexpected events %v", topics)
	}
}

func TestRun_CacheHit(t *testing.T) {
	h := newHarness(t)

	first, _ := run(t, h.p, Input{TenantID: tenantID, Transactions: cycle()})
	h.collect(t, 2)

	second, cached := run(t, h.p, Input{TenantID: tenantID, Transactions: cycle()})
	if !cached {
		t.Error("identical input must be served from cache")
	}
	if second.ID != first.ID {
		t.Errorf("expected cached analysis %s, got %s", first.ID, second.ID)
	}

	// a different rejection set is a different input
	_, cached = run(t, h.p, Input{
		TenantID:     tenantID,
		Transactions: cycle(),
		Rejected:     []domain.RejectedRecord{{Index: 9, Reason: "x"}},
	})
	if cached {
		t.Error("different rejections must miss the cache")
	}

	// other tenants never share cached analyses
	_, cached = run(t, h.p, Input{TenantID: "tenant-002", Transactions: cycle()})
	if cached {
		t.Error("other tenant must miss the cache")
	}
}

func TestRun_CacheFollowsRuleReload(t *testing.T) {
	re, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := re.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	h := newHarness(t, engine.WithRules(re))

	first, _ := run(t, h.p, Input{TenantID: tenantID, Transactions: cycle()})
	if err := re.ReloadRules(nil); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	second, cached := run(t, h.p, Input{TenantID: tenantID, Transactions: cycle()})
	if cached {
		t.Error("a rule reload must not serve analyses computed under the old rules")
	}
	if second.InputDigest == first.InputDigest {
		t.Error("digest must follow the rules that produced the report")
	}
	for _, e := range second.Report.RiskSummary {
		if len(e.Alerts) != 0 {
			t.Errorf("%s: expected no alerts after reload, got %v", e.ID, e.Alerts)
		}
	}
}

func TestDigest_RejectedFieldBoundaries(t *testing.T) {
	h := newHarness(t)

	x := Input{TenantID: tenantID, Rejected: []domain.RejectedRecord{{Index: 1, TransactionID: "a\x1fb", Reason: "c"}}}
	y := Input{TenantID: tenantID, Rejected: []domain.RejectedRecord{{Index: 1, TransactionID: "a", Reason: "b\x1fc"}}}
	if h.p.Digest(x) == h.p.Digest(y) {
		t.Error("rejections differing only in where a separator falls must not collide")
	}

	joined := Input{TenantID: tenantID, Rejected: []domain.RejectedRecord{{Index: 1, TransactionID: "ab", Reason: "c"}}}
	split := Input{TenantID: tenantID, Rejected: []domain.RejectedRecord{{Index: 1, TransactionID: "a", Reason: "bc"}}}
	if h.p.Digest(joined) == h.p.Digest(split) {
		t.Error("shifting bytes between fields must change the digest")
	}

	if h.p.Digest(x) != h.p.Digest(x) {
		t.Error("digest is not stable")
	}
}

func TestRun_CacheHitCompletesPreallocatedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run(t, h.p, Input{TenantID: tenantID, Transactions: cycle()})

	pending := &domain.Analysis{ID: "async-1", TenantID: tenantID, Status: domain.StatusPending, InputDigest: "-", CreatedAt: t0}
	if err := h.repo.SaveAnalysis(ctx, tenantID, pending); err != nil {
		t.Fatalf("failed to save pending analysis: %v", err)
	}

	a, cached := run(t, h.p, Input{TenantID: tenantID, AnalysisID: "async-1", Transactions: cycle(), Source: SourceAsync})
	if !cached {
		t.Error("expected cache hit")
	}
	if a.ID != "async-1" {
		t.Errorf("expected analysis async-1, got %s", a.ID)
	}

	stored, err := h.repo.GetAnalysis(ctx, tenantID, "async-1")
	if err != nil {
		t.Fatalf("failed to load analysis: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Errorf("expected status %s, got %s", domain.StatusCompleted, stored.Status)
	}
	if stored.Report == nil {
		t.Error("expected stored report")
	}
}

type panicDetector struct{}

func (panicDetector) Name() string             { return "panic" }
func (panicDetector) Seed() domain.PatternType { return domain.PatternCircular }
func (panicDetector) Detect(g *graph.Graph) (*detect.Result, error) {
	panic("boom")
}

func TestRun_Failure(t *testing.T) {
	h := newHarness(t, engine.WithDetectors(panicDetector{}))
	ctx := context.Background()

	a, cached, err := h.p.Run(ctx, Input{TenantID: tenantID, AnalysisID: "failing", Transactions: cycle()})
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if cached {
		t.Error("failed run must not be cached")
	}
	if a == nil {
		t.Fatal("expected failed analysis record")
	}
	if a.Status != domain.StatusFailed {
		t.Errorf("expected status %s, got %s", domain.StatusFailed, a.Status)
	}
	if a.Report != nil {
		t.Error("failed analysis must not carry a report")
	}

	stored, err := h.repo.GetAnalysis(ctx, tenantID, "failing")
	if err != nil {
		t.Fatalf("failed to load analysis: %v", err)
	}
	if stored.Status != domain.StatusFailed || stored.Error == "" {
		t.Errorf("expected stored failure with message, got %+v", stored)
	}

	select {
	case msg := <-h.events:
		if msg.Topic != domain.TopicAnalysisFailed {
			t.Errorf("expected topic %s, got %s", domain.TopicAnalysisFailed, msg.Topic)
		}
		var ev domain.AnalysisEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if ev.AnalysisID != "failing" || ev.Status != domain.StatusFailed {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failed event")
	}
}

func TestRun_RequiresTenant(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.p.Run(context.Background(), Input{Transactions: cycle()})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRun_WithoutInfrastructure(t *testing.T) {
	analyzer, err := engine.New(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	a, cached := run(t, New(analyzer), Input{TenantID: tenantID, Transactions: cycle()})
	if cached {
		t.Error("no cache configured")
	}
	if a.Report.Summary.RingCount != 1 {
		t.Errorf("expected 1 ring, got %d", a.Report.Summary.RingCount)
	}
}

func TestRun_Concurrent(t *testing.T) {
	h := newHarness(t)
	h.p.CacheTTL = 0
	h.p.Repository = nil

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.p.Run(context.Background(), Input{TenantID: tenantID, Transactions: cycle()})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent run failed: %v", err)
		}
	}
	if topics := h.collect(t, 16); len(topics) != 2 {
		t.Errorf("expected completed and ring events, got %v", topics)
	}
}
