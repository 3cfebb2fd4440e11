package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/repository"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func cycle() []domain.Transaction {
	return []domain.Transaction{
		{ID: "TX_1", Sender: "A", Receiver: "B", Amount: 5000, Timestamp: t0},
		{ID: "TX_2", Sender: "B", Receiver: "C", Amount: 5000, Timestamp: t0.Add(5 * time.Minute)},
		{ID: "TX_3", Sender: "C", Receiver: "A", Amount: 5000, Timestamp: t0.Add(10 * time.Minute)},
	}
}

func setup(t *testing.T) (*bus.ChannelBus, domain.Repository, *pipeline.Pipeline) {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "heron.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	analyzer, err := engine.New(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	p := pipeline.New(analyzer)
	p.Repository = repo
	p.Bus = eventBus
	return eventBus, repo, p
}

func waitEvent(t *testing.T, ch <-chan domain.AnalysisEvent) domain.AnalysisEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for analysis event")
		return domain.AnalysisEvent{}
	}
}

func subscribeCompleted(t *testing.T, b domain.EventBus, tenantID string) <-chan domain.AnalysisEvent {
	t.Helper()
	ch := make(chan domain.AnalysisEvent, 4)
	_, err := b.Subscribe(context.Background(), tenantID, domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.AnalysisEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		ch <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus, _, p := setup(t)
		w := NewWorker(eventBus, p)

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}, WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAnalysisRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicAnalysisRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		eventBus, repo, p := setup(t)
		w := NewWorker(eventBus, p)
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}, WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		events := subscribeCompleted(t, eventBus, "tenant-test")

		ctx := context.Background()
		pending := &domain.Analysis{ID: "async-001", TenantID: "tenant-test", Status: domain.StatusPending, CreatedAt: t0}
		if err := repo.SaveAnalysis(ctx, "tenant-test", pending); err != nil {
			t.Fatalf("SaveAnalysis failed: %v", err)
		}

		req := domain.AnalysisRequest{AnalysisID: "async-001", TenantID: "tenant-test", Transactions: cycle()}
		if err := w.Submit(ctx, req); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		ev := waitEvent(t, events)
		if ev.AnalysisID != "async-001" {
			t.Errorf("expected analysis 'async-001', got '%s'", ev.AnalysisID)
		}
		if ev.RingCount != 1 {
			t.Errorf("expected 1 ring, got %d", ev.RingCount)
		}

		stored, err := repo.GetAnalysis(ctx, "tenant-test", "async-001")
		if err != nil {
			t.Fatalf("GetAnalysis failed: %v", err)
		}
		if stored.Status != domain.StatusCompleted {
			t.Errorf("expected status %s, got %s", domain.StatusCompleted, stored.Status)
		}
		if stored.Report == nil || stored.Report.Summary.FlaggedAccountCount != 3 {
			t.Error("expected stored report with 3 flagged accounts")
		}
	})

	t.Run("GlobalQueue", func(t *testing.T) {
		eventBus, _, p := setup(t)
		w := NewWorker(eventBus, p)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		events := subscribeCompleted(t, eventBus, "tenant-a")

		req := domain.AnalysisRequest{AnalysisID: "global-001", TenantID: "tenant-a", Transactions: cycle()}
		if err := w.Submit(context.Background(), req); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		ev := waitEvent(t, events)
		if ev.TenantID != "tenant-a" {
			t.Errorf("expected events under the request tenant, got '%s'", ev.TenantID)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		eventBus, _, p := setup(t)
		w := NewWorker(eventBus, p)
		if err := w.Start(Config{TenantIDs: []string{"tenant-rr"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.AnalysisRequest{AnalysisID: "rr-001", TenantID: "tenant-rr", Transactions: cycle()})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reply, err := eventBus.Request(ctx, "tenant-rr", domain.TopicAnalysisRequested, payload)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var ev domain.AnalysisEvent
		if err := json.Unmarshal(reply, &ev); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if ev.AnalysisID != "rr-001" || ev.Status != domain.StatusCompleted {
			t.Errorf("unexpected reply: %+v", ev)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		eventBus, _, p := setup(t)
		w := NewWorker(eventBus, p)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if stats := w.GetStats(); stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestHandleMessageRejects(t *testing.T) {
	eventBus, _, p := setup(t)
	w := NewWorker(eventBus, p)
	w.Start(Config{TenantIDs: []string{"tenant-a"}})

	ctx := context.Background()

	t.Run("MalformedPayload", func(t *testing.T) {
		err := w.handleMessage(ctx, &domain.Message{TenantID: "tenant-a", Payload: []byte("{")})
		if err == nil {
			t.Error("expected error for malformed payload")
		}
	})

	t.Run("ForeignTenant", func(t *testing.T) {
		payload, _ := json.Marshal(domain.AnalysisRequest{TenantID: "tenant-b"})
		err := w.handleMessage(ctx, &domain.Message{TenantID: "tenant-a", Payload: payload})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("AfterStop", func(t *testing.T) {
		w.Stop()
		payload, _ := json.Marshal(domain.AnalysisRequest{TenantID: "tenant-a"})
		err := w.handleMessage(ctx, &domain.Message{TenantID: "tenant-a", Payload: payload})
		if !errors.Is(err, ErrStopped) {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	})
}

func TestSubmitRequiresTenant(t *testing.T) {
	eventBus, _, p := setup(t)
	w := NewWorker(eventBus, p)

	err := w.Submit(context.Background(), domain.AnalysisRequest{Transactions: cycle()})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
