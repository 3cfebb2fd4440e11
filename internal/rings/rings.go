// Package rings merges detector candidate groups into classified fraud rings.
package rings

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/detect"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/scoring"
)

// Extractor builds fraud rings from candidate groups.
type Extractor struct {
	MaxScore int
}

// NewExtractor creates an extractor for the given policy.
func NewExtractor(cfg domain.DetectionConfig) *Extractor {
	return &Extractor{MaxScore: cfg.MaxScore}
}

type ring struct {
	discovery int
	members   []string
	seen      map[string]struct{}
	seeds     map[domain.PatternType]struct{}
}

// Extract merges every pair of candidate groups that share an account, then
// classifies and scores the merged rings. Rings are returned sorted by ring
// score descending; ties keep discovery order. Ring ids follow discovery
// order, so they are stable for a fixed input.
func (e *Extractor) Extract(results []*detect.Result, board *scoring.Scoreboard) ([]domain.FraudRing, error) {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(x, y *detect.Result) int {
		return x.Seed.Rank() - y.Seed.Rank()
	})

	var groups []detect.Group
	for _, res := range ordered {
		for _, grp := range res.Groups {
			if len(distinct(grp.Members)) < 2 {
				continue
			}
			groups = append(groups, grp)
		}
	}

	uf := newUnionFind()
	for _, grp := range groups {
		for _, m := range grp.Members[1:] {
			uf.union(grp.Members[0], m)
		}
	}

	byRoot := make(map[string]*ring)
	var found []*ring
	for _, grp := range groups {
		root := uf.find(grp.Members[0])
		r, ok := byRoot[root]
		if !ok {
			r = &ring{
				discovery: len(found),
				seen:      make(map[string]struct{}),
				seeds:     make(map[domain.PatternType]struct{}),
			}
			byRoot[root] = r
			found = append(found, r)
		}
		r.seeds[grp.Seed] = struct{}{}
		for _, m := range grp.Members {
			if _, dup := r.seen[m]; dup {
				continue
			}
			r.seen[m] = struct{}{}
			r.members = append(r.members, m)
		}
	}

	rings := make([]domain.FraudRing, 0, len(found))
	for _, r := range found {
		fr := domain.FraudRing{
			RingID:      fmt.Sprintf("RING_%03d", r.discovery+1),
			PatternType: classify(r.seeds),
			MemberIDs:   r.members,
			RingScore:   meanScore(r.members, board),
		}
		if err := e.verify(fr); err != nil {
			return nil, err
		}
		rings = append(rings, fr)
	}

	// found is in discovery order, so a stable sort keeps ties that way
	slices.SortStableFunc(rings, func(a, b domain.FraudRing) int {
		switch {
		case a.RingScore > b.RingScore:
			return -1
		case a.RingScore < b.RingScore:
			return 1
		}
		return 0
	})

	return rings, nil
}

func (e *Extractor) verify(fr domain.FraudRing) error {
	if n := len(distinct(fr.MemberIDs)); n < 2 || n != len(fr.MemberIDs) {
		return domain.NewInvariantError("rings", "%s has %d distinct of %d members", fr.RingID, n, len(fr.MemberIDs))
	}
	if fr.RingScore < 0 || fr.RingScore > float64(e.MaxScore) {
		return domain.NewInvariantError("rings", "%s score %.1f out of range", fr.RingID, fr.RingScore)
	}
	return nil
}

// classify names a ring by the detectors that contributed to it.
func classify(seeds map[domain.PatternType]struct{}) domain.PatternType {
	if len(seeds) == 1 {
		for s := range seeds {
			return s
		}
	}
	return domain.PatternHybrid
}

// meanScore is the arithmetic mean of member scores to one decimal place.
func meanScore(members []string, board *scoring.Scoreboard) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum int64
	for _, m := range members {
		sum += int64(board.Score(m))
	}
	return decimal.NewFromInt(sum).
		Div(decimal.NewFromInt(int64(len(members)))).
		Round(1).
		InexactFloat64()
}

func distinct(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
