package repository

// Schema definitions for Heron database.
// Compatible with both SQLite and PostgreSQL.

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    input_digest TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    flagged_count INTEGER NOT NULL DEFAULT 0,
    ring_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT,
    report TEXT,
    rejected TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_digest ON analyses(tenant_id, input_digest);
`

const schemaAnalysisTransactions = `
CREATE TABLE IF NOT EXISTS analysis_transactions (
    analysis_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    tx_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (analysis_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_analysis_tx_tenant ON analysis_transactions(tenant_id, analysis_id);
CREATE INDEX IF NOT EXISTS idx_analysis_tx_sender ON analysis_transactions(tenant_id, sender_id);
CREATE INDEX IF NOT EXISTS idx_analysis_tx_receiver ON analysis_transactions(tenant_id, receiver_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnalyses,
		schemaAnalysisTransactions,
		schemaRuleConfigs,
	}
}
