package domain

import "time"

// Report is the structured result of one analysis run.
type Report struct {
	Nodes       []Node      `json:"nodes"`
	Links       []Link      `json:"links"`
	RiskSummary []RiskEntry `json:"risk_summary"`
	FraudRings  []FraudRing `json:"fraud_rings"`
	Summary     Summary     `json:"summary"`
}

// Node is one account in the styled graph.
type Node struct {
	ID            string   `json:"id"`
	Score         int      `json:"score"`
	Flags         []string `json:"flags"`
	DisplaySize   float64  `json:"display_size"`
	ColorTier     string   `json:"color_tier"`
	Color         string   `json:"color"`
	IsHub         bool     `json:"is_hub"`
	IsCycleMember bool     `json:"is_cycle_member"`
	IsPassThrough bool     `json:"is_pass_through"`
	InDegree      int      `json:"in_degree"`
	OutDegree     int      `json:"out_degree"`
}

// Link mirrors one accepted transaction.
type Link struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// RiskEntry is one account on the ranked risk list.
type RiskEntry struct {
	ID     string   `json:"id"`
	Score  int      `json:"score"`
	Flags  []string `json:"flags"`
	Alerts []string `json:"alerts,omitempty"`
}

// FraudRing is a merged cluster of implicated accounts.
type FraudRing struct {
	RingID      string      `json:"ring_id"`
	PatternType PatternType `json:"pattern_type"`
	MemberIDs   []string    `json:"member_ids"`
	RingScore   float64     `json:"ring_score"`
}

// Summary aggregates the run.
type Summary struct {
	FlaggedAccountCount int     `json:"flagged_account_count"`
	RingCount           int     `json:"ring_count"`
	ProcessingSeconds   float64 `json:"processing_seconds"`
	AccountCount        int     `json:"account_count"`
	TransactionCount    int     `json:"transaction_count"`
	RejectedCount       int     `json:"rejected_count"`
}
