package detect

import (
	"slices"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// CycleDetector flags members of strongly connected components with two or
// more accounts. Edge multiplicity, amounts and timestamps are ignored.
type CycleDetector struct {
	bonus int
}

// NewCycleDetector creates a cycle detector.
func NewCycleDetector(cfg domain.DetectionConfig) *CycleDetector {
	return &CycleDetector{bonus: cfg.CycleBonus}
}

func (d *CycleDetector) Name() string             { return "cycle" }
func (d *CycleDetector) Seed() domain.PatternType { return domain.PatternCircular }

// Detect runs Tarjan's algorithm and emits one group per component.
func (d *CycleDetector) Detect(g *graph.Graph) (*Result, error) {
	res := newResult(d)

	components := StronglyConnected(g)
	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		members := make([]string, len(comp))
		for i, p := range comp {
			members[i] = g.ID(p)
			res.Scores[members[i]] = d.bonus
		}
		res.Groups = append(res.Groups, Group{Seed: d.Seed(), Members: members})
	}

	return res, nil
}

// StronglyConnected returns every strongly connected component of g.
// Members of a component are sorted by arena position and components are
// ordered by their first member, so the output does not depend on traversal.
//
// The traversal keeps an explicit call stack; ledgers with long chains would
// otherwise recurse once per account.
func StronglyConnected(g *graph.Graph) [][]int {
	n := g.Len()
	const unvisited = -1

	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}

	type frame struct {
		node int
		next int // next successor to visit
	}

	var (
		counter    int
		stack      []int
		callStack  []frame
		components [][]int
	)

	for root := 0; root < n; root++ {
		if index[root] != unvisited {
			continue
		}

		callStack = append(callStack, frame{node: root})
		index[root], low[root] = counter, counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(callStack) > 0 {
			top := &callStack[len(callStack)-1]
			v := top.node
			succ := g.Successors(v)

			if top.next < len(succ) {
				w := succ[top.next]
				top.next++
				switch {
				case index[w] == unvisited:
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					callStack = append(callStack, frame{node: w})
				case onStack[w]:
					low[v] = min(low[v], index[w])
				}
				continue
			}

			// v is finished
			if low[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				slices.Sort(comp)
				components = append(components, comp)
			}

			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := callStack[len(callStack)-1].node
				low[parent] = min(low[parent], low[v])
			}
		}
	}

	slices.SortFunc(components, func(a, b []int) int { return a[0] - b[0] })
	return components
}
