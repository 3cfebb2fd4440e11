package detect

import (
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// VelocityDetector flags pass-through accounts: money that arrives and
// leaves again within the window.
type VelocityDetector struct {
	window time.Duration
	bonus  int
}

// NewVelocityDetector creates a velocity detector.
func NewVelocityDetector(cfg domain.DetectionConfig) *VelocityDetector {
	return &VelocityDetector{window: cfg.VelocityWindow, bonus: cfg.VelocityBonus}
}

func (d *VelocityDetector) Name() string             { return "velocity" }
func (d *VelocityDetector) Seed() domain.PatternType { return domain.PatternLayering }

// Match is one incoming/outgoing pair that satisfied the window.
type Match struct {
	In  int // transaction position
	Out int
}

// FirstMatch sweeps the time-sorted incoming and outgoing edges of account i
// and returns the earliest incoming transaction that is forwarded within the
// window, paired with the first outgoing transaction at or after it.
// Self-transfers are ignored on both sides. The window bound is inclusive.
func (d *VelocityDetector) FirstMatch(g *graph.Graph, i int) (Match, bool) {
	in := nonSelf(g, g.Incoming(i))
	out := nonSelf(g, g.Outgoing(i))

	j := 0
	for _, ip := range in {
		tIn := g.Transaction(ip).Timestamp
		for j < len(out) && g.Transaction(out[j]).Timestamp.Before(tIn) {
			j++
		}
		if j == len(out) {
			break
		}
		if g.Transaction(out[j]).Timestamp.Sub(tIn) <= d.window {
			return Match{In: ip, Out: out[j]}, true
		}
	}
	return Match{}, false
}

// Detect awards the bonus once per pass-through account. Its group is the
// account plus the upstream sender and downstream receiver of the first match.
func (d *VelocityDetector) Detect(g *graph.Graph) (*Result, error) {
	res := newResult(d)

	for i := 0; i < g.Len(); i++ {
		m, ok := d.FirstMatch(g, i)
		if !ok {
			continue
		}
		res.Scores[g.ID(i)] = d.bonus

		upstream, _ := g.Index(g.Transaction(m.In).Sender)
		downstream, _ := g.Index(g.Transaction(m.Out).Receiver)
		res.Groups = append(res.Groups, Group{
			Seed:    d.Seed(),
			Members: uniqueIDs(g, i, upstream, downstream),
		})
	}

	return res, nil
}

func nonSelf(g *graph.Graph, edges []int) []int {
	result := make([]int, 0, len(edges))
	for _, pos := range edges {
		if !g.Transaction(pos).IsSelfTransfer() {
			result = append(result, pos)
		}
	}
	return result
}
