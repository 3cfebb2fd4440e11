// Package graph builds the directed transaction multigraph analyzed by Heron.
//
// Accounts live in an arena indexed by first appearance. Transactions are
// referenced by their position in the accepted ledger, so the graph holds no
// pointers between nodes and is safe for concurrent read-only use.
package graph

import (
	"math"
	"slices"

	"github.com/opensource-finance/heron/internal/domain"
)

// Graph is an immutable transaction multigraph.
type Graph struct {
	ids   []string
	index map[string]int

	txs []domain.Transaction

	// per account, transaction positions sorted by timestamp (stable)
	out [][]int
	in  [][]int

	senders    [][]int // distinct non-self senders, in incoming time order
	successors [][]int // distinct non-self receivers, in outgoing time order
}

// Build validates records and constructs the graph from the accepted ones.
// Invalid records are returned as rejections and never reach the graph.
func Build(records []domain.Transaction) (*Graph, []domain.RejectedRecord) {
	g := &Graph{
		ids:   make([]string, 0),
		index: make(map[string]int),
		txs:   make([]domain.Transaction, 0, len(records)),
	}
	rejected := make([]domain.RejectedRecord, 0)

	for i, rec := range records {
		if reason := Validate(rec); reason != "" {
			rejected = append(rejected, domain.RejectedRecord{
				Index:         i + 1,
				TransactionID: rec.ID,
				Reason:        reason,
			})
			continue
		}

		rec.Timestamp = rec.Timestamp.UTC()
		pos := len(g.txs)
		g.txs = append(g.txs, rec)

		s := g.account(rec.Sender)
		r := g.account(rec.Receiver)
		g.out[s] = append(g.out[s], pos)
		g.in[r] = append(g.in[r], pos)
	}

	byTime := func(a, b int) int {
		return g.txs[a].Timestamp.Compare(g.txs[b].Timestamp)
	}
	for i := range g.ids {
		slices.SortStableFunc(g.out[i], byTime)
		slices.SortStableFunc(g.in[i], byTime)
		g.senders[i] = g.distinct(g.in[i], i, func(tx domain.Transaction) string { return tx.Sender })
		g.successors[i] = g.distinct(g.out[i], i, func(tx domain.Transaction) string { return tx.Receiver })
	}

	return g, rejected
}

// Validate returns the reason a record is malformed, or "" if it is usable.
func Validate(tx domain.Transaction) string {
	switch {
	case tx.Sender == "":
		return "missing sender id"
	case tx.Receiver == "":
		return "missing receiver id"
	case math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0):
		return "amount is not a finite number"
	case tx.Amount < 0:
		return "amount is negative"
	case tx.Timestamp.IsZero():
		return "missing timestamp"
	case tx.IsSelfTransfer() && tx.Amount == 0:
		return "self-transfer with zero amount"
	}
	return ""
}

func (g *Graph) account(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.senders = append(g.senders, nil)
	g.successors = append(g.successors, nil)
	return i
}

// distinct collects the other endpoint of each edge once, skipping self.
func (g *Graph) distinct(edges []int, self int, endpoint func(domain.Transaction) string) []int {
	seen := make(map[int]struct{}, len(edges))
	result := make([]int, 0, len(edges))
	for _, pos := range edges {
		other := g.index[endpoint(g.txs[pos])]
		if other == self {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		result = append(result, other)
	}
	return result
}

// Len returns the number of accounts.
func (g *Graph) Len() int { return len(g.ids) }

// ID returns the account id at arena position i.
func (g *Graph) ID(i int) string { return g.ids[i] }

// IDs returns account ids in first-appearance order.
func (g *Graph) IDs() []string { return slices.Clone(g.ids) }

// Index returns the arena position of an account.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Transactions returns the accepted transactions in input order.
func (g *Graph) Transactions() []domain.Transaction { return g.txs }

// Transaction returns the accepted transaction at position pos.
func (g *Graph) Transaction(pos int) domain.Transaction { return g.txs[pos] }

// Outgoing returns transaction positions sent by account i, oldest first.
func (g *Graph) Outgoing(i int) []int { return g.out[i] }

// Incoming returns transaction positions received by account i, oldest first.
func (g *Graph) Incoming(i int) []int { return g.in[i] }

// Senders returns the distinct accounts that sent to i, excluding i itself,
// ordered by their first transfer into i.
func (g *Graph) Senders(i int) []int { return g.senders[i] }

// Successors returns the distinct accounts i sent to, excluding i itself.
func (g *Graph) Successors(i int) []int { return g.successors[i] }

// UniqueSenders returns the fan-in of account i.
func (g *Graph) UniqueSenders(i int) int { return len(g.senders[i]) }

// InDegree counts transactions received by account i.
func (g *Graph) InDegree(i int) int { return len(g.in[i]) }

// OutDegree counts transactions sent by account i.
func (g *Graph) OutDegree(i int) int { return len(g.out[i]) }

// TotalIn sums the amounts received by account i.
func (g *Graph) TotalIn(i int) float64 {
	var total float64
	for _, pos := range g.in[i] {
		total += g.txs[pos].Amount
	}
	return total
}

// TotalOut sums the amounts sent by account i.
func (g *Graph) TotalOut(i int) float64 {
	var total float64
	for _, pos := range g.out[i] {
		total += g.txs[pos].Amount
	}
	return total
}
