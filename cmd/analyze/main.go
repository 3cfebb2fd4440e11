// Heron - Fraud ring detection over transaction graphs.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command analyze runs Heron over a CSV ledger or a generated sample, either
// in process or against a running server.
//
// Usage:
//
//	go run ./cmd/analyze -csv ledger.csv -pretty
//	go run ./cmd/analyze -sample -seed 7 -url http://localhost:8080
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/ingest"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/sample"
)

type options struct {
	csvPath    string
	useSample  bool
	seed       uint64
	accounts   int
	background int
	outPath    string
	exportCSV  string
	pretty     bool
	baseURL    string
	tenantID   string
	configPath string
	noRules    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.csvPath, "csv", "", "Path to a ledger CSV")
	flag.BoolVar(&opts.useSample, "sample", false, "Analyze a generated sample ledger")
	flag.Uint64Var(&opts.seed, "seed", 42, "Sample generator seed")
	flag.IntVar(&opts.accounts, "accounts", 50, "Sample account count")
	flag.IntVar(&opts.background, "background", 200, "Sample background transfer count")
	flag.StringVar(&opts.outPath, "out", "", "Write the report JSON here (default stdout)")
	flag.StringVar(&opts.exportCSV, "export-csv", "", "Also write the input ledger as CSV")
	flag.BoolVar(&opts.pretty, "pretty", false, "Indent the report JSON")
	flag.StringVar(&opts.baseURL, "url", "", "Send the ledger to a running server instead of analyzing locally")
	flag.StringVar(&opts.tenantID, "tenant", "cli", "Tenant ID for server requests")
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML config for detection settings")
	flag.BoolVar(&opts.noRules, "no-rules", false, "Skip the builtin account rules")
	flag.Parse()

	slog.SetDefault(config.NewLogger(domain.LoggingConfig{Level: "warn", Format: "text"}, os.Stderr))

	if (opts.csvPath == "") == !opts.useSample {
		fmt.Fprintln(os.Stderr, "exactly one of -csv or -sample is required")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	in, truth, err := loadLedger(opts)
	if err != nil {
		return err
	}

	if opts.exportCSV != "" {
		if err := writeFile(opts.exportCSV, func(w io.Writer) error { return ingest.WriteCSV(w, in.Transactions) }); err != nil {
			return fmt.Errorf("failed to export csv: %w", err)
		}
	}

	var resp *domain.AnalysisResponse
	if opts.baseURL != "" {
		resp, err = analyzeRemote(ctx, opts, in)
	} else {
		resp, err = analyzeLocal(ctx, opts, in)
	}
	if err != nil {
		return err
	}

	encode := func(w io.Writer) error {
		enc := json.NewEncoder(w)
		if opts.pretty {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(resp)
	}
	if opts.outPath != "" {
		err = writeFile(opts.outPath, encode)
	} else {
		err = encode(os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	printSummary(os.Stderr, resp, truth)
	return nil
}

func loadLedger(opts options) (pipeline.Input, *sample.Dataset, error) {
	in := pipeline.Input{TenantID: opts.tenantID}

	if opts.useSample {
		ds := sample.Generate(sample.Options{
			Seed:       opts.seed,
			Accounts:   opts.accounts,
			Background: opts.background,
		})
		in.Transactions = ds.Transactions
		return in, &ds, nil
	}

	f, err := os.Open(opts.csvPath)
	if err != nil {
		return in, nil, err
	}
	defer f.Close()

	parsed, err := ingest.ParseCSV(f)
	if err != nil {
		return in, nil, err
	}
	in.Transactions = parsed.Transactions
	in.Rejected = parsed.Rejected
	return in, nil, nil
}

func analyzeLocal(ctx context.Context, opts options, in pipeline.Input) (*domain.AnalysisResponse, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	var engineOpts []engine.Option
	if !opts.noRules {
		ruleEngine, err := rules.NewEngine(0)
		if err != nil {
			return nil, err
		}
		if err := ruleEngine.LoadRules(rules.BuiltinRules()); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithRules(ruleEngine))
	}

	analyzer, err := engine.New(cfg.Detection, engineOpts...)
	if err != nil {
		return nil, err
	}

	a, cached, err := pipeline.New(analyzer).Run(ctx, in)
	if err != nil {
		return nil, err
	}
	return a.ToResponse(cached), nil
}

// analyzeRemote uploads the original CSV, or posts a generated ledger as JSON,
// so the server applies its own validation.
func analyzeRemote(ctx context.Context, opts options, in pipeline.Input) (*domain.AnalysisResponse, error) {
	var (
		body        bytes.Buffer
		path        string
		contentType string
	)

	if opts.csvPath != "" {
		data, err := os.ReadFile(opts.csvPath)
		if err != nil {
			return nil, err
		}
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", filepath.Base(opts.csvPath))
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		path, contentType = "/upload", mw.FormDataContentType()
	} else {
		records := make([]domain.TransactionInput, len(in.Transactions))
		for i, tx := range in.Transactions {
			amount := tx.Amount
			records[i] = domain.TransactionInput{
				TransactionID: tx.ID,
				Sender:        tx.Sender,
				Receiver:      tx.Receiver,
				Amount:        &amount,
				Timestamp:     tx.Timestamp.Format(time.RFC3339Nano),
			}
		}
		if err := json.NewEncoder(&body).Encode(map[string]any{"transactions": records}); err != nil {
			return nil, err
		}
		path, contentType = "/analyze", "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.baseURL, "/")+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(api.TenantIDHeader, opts.tenantID)

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp domain.AnalysisResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, resp *domain.AnalysisResponse, truth *sample.Dataset) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Analysis:  %s", resp.AnalysisID)
	if resp.Cached {
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Rejected:  %d records\n", len(resp.RejectedRecords))
	for _, r := range resp.RejectedRecords {
		fmt.Fprintf(w, "    - %s\n", r.Error())
	}
	if resp.Report == nil {
		return
	}

	s := resp.Report.Summary
	fmt.Fprintf(w, "  Accounts:  %d analyzed, %d flagged\n", s.AccountCount, s.FlaggedAccountCount)
	fmt.Fprintf(w, "  Rings:     %d\n", s.RingCount)
	for _, ring := range resp.Report.FraudRings {
		fmt.Fprintf(w, "    %-10s %-18s score %5.1f  %s\n",
			ring.RingID, ring.PatternType, ring.RingScore, strings.Join(ring.MemberIDs, ", "))
	}

	if truth != nil {
		printGroundTruth(w, resp.Report, truth)
	}
	fmt.Fprintln(w)
}

// printGroundTruth reports how many injected accounts were flagged.
func printGroundTruth(w io.Writer, report *domain.Report, truth *sample.Dataset) {
	flagged := make(map[string]bool, len(report.RiskSummary))
	for _, entry := range report.RiskSummary {
		flagged[entry.ID] = true
	}

	injected := slices.Concat([]string{truth.Mule}, truth.Cycle)
	found := 0
	for _, id := range injected {
		if flagged[id] {
			found++
		}
	}

	fmt.Fprintf(w, "  Injected:  %d/%d mule and cycle accounts flagged\n", found, len(injected))
}
