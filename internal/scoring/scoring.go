// Package scoring aggregates detector results into one bounded score per account.
package scoring

import (
	"slices"

	"github.com/opensource-finance/heron/internal/detect"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// AccountScore is the aggregated outcome for one account.
type AccountScore struct {
	ID            string
	Score         int
	Flags         []string
	IsHub         bool
	IsCycleMember bool
	IsPassThrough bool
}

// Scoreboard holds every account's score in first-appearance order.
type Scoreboard struct {
	Accounts []AccountScore
	index    map[string]int
}

// Get returns the score for an account.
func (s *Scoreboard) Get(id string) (AccountScore, bool) {
	i, ok := s.index[id]
	if !ok {
		return AccountScore{}, false
	}
	return s.Accounts[i], true
}

// Score returns the final score of an account, 0 if unknown.
func (s *Scoreboard) Score(id string) int {
	a, _ := s.Get(id)
	return a.Score
}

// Flagged returns the accounts with a positive score.
func (s *Scoreboard) Flagged() []AccountScore {
	flagged := make([]AccountScore, 0)
	for _, a := range s.Accounts {
		if a.Score > 0 {
			flagged = append(flagged, a)
		}
	}
	return flagged
}

// Aggregator sums detector contributions and clamps the total.
type Aggregator struct {
	MaxScore int
}

// NewAggregator creates an aggregator for the given policy.
func NewAggregator(cfg domain.DetectionConfig) *Aggregator {
	return &Aggregator{MaxScore: cfg.MaxScore}
}

// Aggregate folds detector results into a scoreboard. Results are applied in
// detector execution order regardless of the order they are passed in, so
// flags are always ordered circular, smurfing, velocity.
func (a *Aggregator) Aggregate(g *graph.Graph, results []*detect.Result) (*Scoreboard, error) {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(x, y *detect.Result) int {
		return x.Seed.Rank() - y.Seed.Rank()
	})

	board := &Scoreboard{
		Accounts: make([]AccountScore, g.Len()),
		index:    make(map[string]int, g.Len()),
	}

	for i := 0; i < g.Len(); i++ {
		id := g.ID(i)
		board.index[id] = i

		acct := AccountScore{ID: id, Flags: make([]string, 0)}
		total := 0
		for _, res := range ordered {
			points, fired := res.Scores[id]
			if !fired {
				continue
			}
			total += points
			if !slices.Contains(acct.Flags, res.Flag) {
				acct.Flags = append(acct.Flags, res.Flag)
			}
			switch res.Seed {
			case domain.PatternCircular:
				acct.IsCycleMember = true
			case domain.PatternSmurfing:
				acct.IsHub = true
			case domain.PatternLayering:
				acct.IsPassThrough = true
			}
		}
		acct.Score = a.clamp(total)
		board.Accounts[i] = acct
	}

	for _, res := range ordered {
		for id := range res.Scores {
			if _, ok := board.index[id]; !ok {
				return nil, domain.NewInvariantError("scoring", "%s scored unknown account %q", res.Detector, id)
			}
		}
	}

	return board, nil
}

func (a *Aggregator) clamp(total int) int {
	return max(0, min(a.MaxScore, total))
}
