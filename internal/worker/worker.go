// Package worker runs queued analyses from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/pipeline"
)

// GlobalTenantID is the queue a worker started without tenants listens on.
// Requests carry their real tenant in the payload.
const GlobalTenantID = "_global"

// ErrStopped is returned for requests that arrive after Stop.
var ErrStopped = errors.New("worker stopped")

// Worker consumes analysis requests and runs them through the pipeline.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	global bool
	sem    *semaphore.Weighted

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to serve. Empty means the global queue.
	TenantIDs []string

	// WorkerCount bounds analyses running at once.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		pipeline: p,
		sem:      semaphore.NewWeighted(1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to analysis requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount > 0 {
		w.sem = semaphore.NewWeighted(int64(cfg.WorkerCount))
	}

	if len(cfg.TenantIDs) == 0 {
		w.global = true
		return w.startTenantWorker(GlobalTenantID)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"worker_count", cfg.WorkerCount,
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicAnalysisRequested,
	)
	return nil
}

// Submit queues an analysis on the topic this worker listens to.
func (w *Worker) Submit(ctx context.Context, req domain.AnalysisRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	queue := req.TenantID
	if w.global {
		queue = GlobalTenantID
	}
	return bus.PublishJSON(ctx, w.bus, queue, domain.TopicAnalysisRequested, req)
}

// handleMessage admits a request and runs it once a slot is free. The bus
// delivery goroutine only blocks while every slot is busy.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.AnalysisRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.TenantID == "" {
		req.TenantID = msg.TenantID
	}
	if req.TenantID == GlobalTenantID || (!w.global && req.TenantID != msg.TenantID) {
		return fmt.Errorf("%w: request tenant %q does not match queue %q", domain.ErrInvalidInput, req.TenantID, msg.TenantID)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.wg.Done()
		return err
	}

	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		w.process(context.WithoutCancel(ctx), msg, req)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message, req domain.AnalysisRequest) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.Metadata[bus.MetaTraceID]
	}

	slog.Debug("processing analysis request",
		"analysis_id", req.AnalysisID,
		"tenant_id", req.TenantID,
		"transactions", len(req.Transactions),
		"trace_id", traceID,
	)

	a, _, err := w.pipeline.Run(ctx, pipeline.Input{
		TenantID:     req.TenantID,
		AnalysisID:   req.AnalysisID,
		Transactions: req.Transactions,
		Rejected:     req.Rejected,
		Source:       pipeline.SourceAsync,
	})
	if err != nil {
		w.failed.Add(1)
		slog.Error("async analysis failed",
			"analysis_id", req.AnalysisID,
			"tenant_id", req.TenantID,
			"error", err,
		)
	} else {
		w.processed.Add(1)
	}
	if a == nil {
		return
	}

	payload, err := json.Marshal(a.Event())
	if err != nil {
		slog.Error("failed to encode analysis reply", "analysis_id", a.ID, "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply to analysis request",
			"analysis_id", a.ID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for running analyses to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
