package report

import (
	"github.com/opensource-finance/heron/internal/domain"
)

// Verify checks the contracts every report must satisfy. A failure means a
// defect upstream; the report must be discarded, never repaired.
func (a *Assembler) Verify(r *domain.Report) error {
	nodes := make(map[string]domain.Node, len(r.Nodes))
	for _, n := range r.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return domain.NewInvariantError("report", "account %q listed twice", n.ID)
		}
		nodes[n.ID] = n

		if n.Score < 0 || n.Score > a.MaxScore {
			return domain.NewInvariantError("report", "account %q score %d outside [0,%d]", n.ID, n.Score, a.MaxScore)
		}
		seen := make(map[string]struct{}, len(n.Flags))
		for _, f := range n.Flags {
			if !domain.IsKnownFlag(f) {
				return domain.NewInvariantError("report", "account %q carries unknown flag %q", n.ID, f)
			}
			if _, dup := seen[f]; dup {
				return domain.NewInvariantError("report", "account %q carries flag %q twice", n.ID, f)
			}
			seen[f] = struct{}{}
		}
		if n.InDegree+n.OutDegree == 0 {
			return domain.NewInvariantError("report", "account %q has no transactions", n.ID)
		}
	}

	for _, e := range r.RiskSummary {
		n, ok := nodes[e.ID]
		if !ok || n.Score != e.Score || e.Score <= 0 {
			return domain.NewInvariantError("report", "risk entry %q does not match its node", e.ID)
		}
	}

	for _, ring := range r.FraudRings {
		members := make(map[string]struct{}, len(ring.MemberIDs))
		for _, m := range ring.MemberIDs {
			if _, ok := nodes[m]; !ok {
				return domain.NewInvariantError("report", "%s member %q is not an account", ring.RingID, m)
			}
			members[m] = struct{}{}
		}
		if len(members) < 2 || len(members) != len(ring.MemberIDs) {
			return domain.NewInvariantError("report", "%s has %d distinct members", ring.RingID, len(members))
		}
		if ring.RingScore < 0 || ring.RingScore > float64(a.MaxScore) {
			return domain.NewInvariantError("report", "%s score %.1f out of range", ring.RingID, ring.RingScore)
		}
	}

	return nil
}
