// Package report assembles the structured analysis result.
package report

import (
	"cmp"
	"slices"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/scoring"
)

// Assembler turns scored accounts and rings into a Report.
type Assembler struct {
	ElevatedTier int
	HighTier     int
	MaxScore     int
}

// NewAssembler creates an assembler for the given policy.
func NewAssembler(cfg domain.DetectionConfig) *Assembler {
	return &Assembler{
		ElevatedTier: cfg.ElevatedTier,
		HighTier:     cfg.HighTier,
		MaxScore:     cfg.MaxScore,
	}
}

// Input carries everything the assembler needs for one run.
type Input struct {
	Graph    *graph.Graph
	Board    *scoring.Scoreboard
	Rings    []domain.FraudRing
	Alerts   map[string][]string
	Rejected int
	Elapsed  time.Duration
}

// Assemble builds the report. Nodes follow account first-appearance order
// and links follow input order. No slice in the result is nil.
func (a *Assembler) Assemble(in Input) *domain.Report {
	g := in.Graph

	nodes := make([]domain.Node, 0, g.Len())
	for i, acct := range in.Board.Accounts {
		tier := a.Tier(acct.Score)
		nodes = append(nodes, domain.Node{
			ID:            acct.ID,
			Score:         acct.Score,
			Flags:         nonNil(acct.Flags),
			DisplaySize:   DisplaySize(acct.Score),
			ColorTier:     tier,
			Color:         domain.TierColors[tier],
			IsHub:         acct.IsHub,
			IsCycleMember: acct.IsCycleMember,
			IsPassThrough: acct.IsPassThrough,
			InDegree:      g.InDegree(i),
			OutDegree:     g.OutDegree(i),
		})
	}

	links := make([]domain.Link, 0, len(g.Transactions()))
	for _, tx := range g.Transactions() {
		links = append(links, domain.Link{
			TransactionID: tx.ID,
			Sender:        tx.Sender,
			Receiver:      tx.Receiver,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
		})
	}

	flagged := in.Board.Flagged()
	risk := make([]domain.RiskEntry, 0, len(flagged))
	for _, acct := range flagged {
		risk = append(risk, domain.RiskEntry{
			ID:     acct.ID,
			Score:  acct.Score,
			Flags:  nonNil(acct.Flags),
			Alerts: in.Alerts[acct.ID],
		})
	}
	SortRisk(risk)

	rings := in.Rings
	if rings == nil {
		rings = make([]domain.FraudRing, 0)
	}

	return &domain.Report{
		Nodes:       nodes,
		Links:       links,
		RiskSummary: risk,
		FraudRings:  rings,
		Summary: domain.Summary{
			FlaggedAccountCount: len(risk),
			RingCount:           len(rings),
			ProcessingSeconds:   in.Elapsed.Seconds(),
			AccountCount:        len(nodes),
			TransactionCount:    len(links),
			RejectedCount:       in.Rejected,
		},
	}
}

// Tier maps a score to its color tier.
func (a *Assembler) Tier(score int) string {
	switch {
	case score >= a.HighTier:
		return domain.TierHigh
	case score >= a.ElevatedTier:
		return domain.TierElevated
	default:
		return domain.TierNormal
	}
}

// DisplaySize grows with score so that unflagged nodes stay visible.
func DisplaySize(score int) float64 {
	return float64(score+1) / 10
}

// SortRisk orders entries by score descending, then id ascending.
func SortRisk(entries []domain.RiskEntry) {
	slices.SortFunc(entries, func(x, y domain.RiskEntry) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
}

func nonNil(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
