package detect

import (
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// FanInDetector flags accounts that collect funds from many distinct senders.
type FanInDetector struct {
	threshold int
	perSender int
	cap       int
}

// NewFanInDetector creates a fan-in detector.
func NewFanInDetector(cfg domain.DetectionConfig) *FanInDetector {
	return &FanInDetector{
		threshold: cfg.FanInThreshold,
		perSender: cfg.FanInPerSender,
		cap:       cfg.FanInCap,
	}
}

func (d *FanInDetector) Name() string             { return "fan_in" }
func (d *FanInDetector) Seed() domain.PatternType { return domain.PatternSmurfing }

// Contribution returns the points for an account with u distinct senders,
// and whether the account counts as a hub at all.
func (d *FanInDetector) Contribution(u int) (int, bool) {
	if u <= d.threshold {
		return 0, false
	}
	return min(d.cap, d.perSender*(u-d.threshold)), true
}

// Detect scores every hub. Its group is the hub followed by its senders in
// the order they first paid in.
func (d *FanInDetector) Detect(g *graph.Graph) (*Result, error) {
	res := newResult(d)

	for i := 0; i < g.Len(); i++ {
		points, hub := d.Contribution(g.UniqueSenders(i))
		if !hub {
			continue
		}
		res.Scores[g.ID(i)] = points

		positions := append([]int{i}, g.Senders(i)...)
		res.Groups = append(res.Groups, Group{Seed: d.Seed(), Members: uniqueIDs(g, positions...)})
	}

	return res, nil
}
