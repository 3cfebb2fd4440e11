// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveAnalysis stores or updates an analysis run with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, a *domain.Analysis) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: analysis id is required", ErrInvalidInput)
	}

	var flagged, rings int
	var summary, report []byte
	if a.Report != nil {
		flagged = a.Report.Summary.FlaggedAccountCount
		rings = a.Report.Summary.RingCount
		summary, _ = json.Marshal(a.Report.Summary)
		report, _ = json.Marshal(a.Report)
	} else if a.Summary != nil {
		flagged = a.Summary.FlaggedAccountCount
		rings = a.Summary.RingCount
		summary, _ = json.Marshal(a.Summary)
	}
	rejected, _ := json.Marshal(a.Rejected)

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO analyses (
			id, tenant_id, status, input_digest, created_at,
			flagged_count, ring_count, summary, report, rejected, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			flagged_count = excluded.flagged_count,
			ring_count = excluded.ring_count,
			summary = excluded.summary,
			report = excluded.report,
			rejected = excluded.rejected,
			error = excluded.error
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.Status, a.InputDigest, createdAt.UTC(),
		flagged, rings, nullable(summary), nullable(report), string(rejected), a.Error,
	)
	return err
}

// GetAnalysis retrieves an analysis with its full report.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, status, input_digest, created_at, summary, report, rejected, error
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Analysis
	var summary, report, rejected, errText sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID).Scan(
		&a.ID, &a.TenantID, &a.Status, &a.InputDigest, &a.CreatedAt,
		&summary, &report, &rejected, &errText,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.CreatedAt = a.CreatedAt.UTC()
	a.Error = errText.String
	if summary.Valid && summary.String != "" {
		a.Summary = &domain.Summary{}
		if err := json.Unmarshal([]byte(summary.String), a.Summary); err != nil {
			return nil, fmt.Errorf("failed to parse analysis summary: %w", err)
		}
	}
	if report.Valid && report.String != "" {
		a.Report = &domain.Report{}
		if err := json.Unmarshal([]byte(report.String), a.Report); err != nil {
			return nil, fmt.Errorf("failed to parse analysis report: %w", err)
		}
	}
	if rejected.Valid && rejected.String != "" {
		json.Unmarshal([]byte(rejected.String), &a.Rejected)
	}

	return &a, nil
}

// ListAnalyses returns the most recent analyses without their reports.
func (r *SQLRepository) ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*domain.Analysis, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, status, input_digest, created_at, summary, error
		FROM analyses
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	analyses := make([]*domain.Analysis, 0)
	for rows.Next() {
		var a domain.Analysis
		var summary, errText sql.NullString

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.Status, &a.InputDigest, &a.CreatedAt, &summary, &errText,
		); err != nil {
			return nil, err
		}

		a.CreatedAt = a.CreatedAt.UTC()
		a.Error = errText.String
		if summary.Valid && summary.String != "" {
			a.Summary = &domain.Summary{}
			json.Unmarshal([]byte(summary.String), a.Summary)
		}
		analyses = append(analyses, &a)
	}

	return analyses, rows.Err()
}

// SaveTransactions stores the accepted ledger of an analysis in one database
// transaction. Input order is preserved through a sequence column.
func (r *SQLRepository) SaveTransactions(ctx context.Context, tenantID string, analysisID string, txs []domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if analysisID == "" {
		return fmt.Errorf("%w: analysis id is required", ErrInvalidInput)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO analysis_transactions (
			analysis_id, tenant_id, seq, tx_id, sender_id, receiver_id, amount, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, tx := range txs {
		if _, err := stmt.ExecContext(ctx,
			analysisID, tenantID, i, tx.ID, tx.Sender, tx.Receiver, tx.Amount, tx.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save transaction %d: %w", i, err)
		}
	}

	return dbtx.Commit()
}

// ListTransactions returns the stored ledger of an analysis in input order.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, analysisID string) ([]domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT tx_id, sender_id, receiver_id, amount, timestamp
		FROM analysis_transactions
		WHERE tenant_id = ? AND analysis_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.ID, &tx.Sender, &tx.Receiver, &tx.Amount, &tx.Timestamp); err != nil {
			return nil, err
		}
		tx.Timestamp = tx.Timestamp.UTC()
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var bands string
	var description sql.NullString
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &bands, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant,
// ordered by rule id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id, version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]*domain.RuleConfig, 0)
	seen := make(map[string]bool)
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Version, &cfg.Expression, &bands, &enabled,
		); err != nil {
			return nil, err
		}

		// latest version wins
		if seen[cfg.ID] {
			continue
		}
		seen[cfg.ID] = true

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
