// Package detect implements the pattern detectors that score accounts.
//
// Each detector is a pure function of an immutable graph. Detectors never
// share state, so they may run concurrently; their results are reconciled
// by the scoring and rings packages.
package detect

import (
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// Detector finds one laundering pattern.
type Detector interface {
	// Name identifies the detector in logs, spans and metrics.
	Name() string

	// Seed is the pattern type of the candidate groups it emits.
	Seed() domain.PatternType

	// Detect scans the graph and returns its contributions.
	Detect(g *graph.Graph) (*Result, error)
}

// Group is a ring candidate: accounts implicated together by one detector.
type Group struct {
	Seed    domain.PatternType
	Members []string
}

// Result is the output of one detector run.
type Result struct {
	Detector string
	Seed     domain.PatternType
	Flag     string

	// Scores holds the contribution for every account the detector fired on.
	// A fired account is present even when its contribution is zero.
	Scores map[string]int

	Groups []Group
}

func newResult(d Detector) *Result {
	return &Result{
		Detector: d.Name(),
		Seed:     d.Seed(),
		Flag:     d.Seed().Flag(),
		Scores:   make(map[string]int),
		Groups:   make([]Group, 0),
	}
}

// Fired reports whether the detector flagged the account.
func (r *Result) Fired(id string) bool {
	_, ok := r.Scores[id]
	return ok
}

// Defaults returns the three detectors in execution order.
func Defaults(cfg domain.DetectionConfig) []Detector {
	return []Detector{
		NewCycleDetector(cfg),
		NewFanInDetector(cfg),
		NewVelocityDetector(cfg),
	}
}

// uniqueIDs maps arena positions to ids, dropping repeats.
func uniqueIDs(g *graph.Graph, positions ...int) []string {
	ids := make([]string, 0, len(positions))
	seen := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ids = append(ids, g.ID(p))
	}
	return ids
}
