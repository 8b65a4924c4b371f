package selection

import (
	"sort"

	"github.com/iris-network/iris/pkg/types"
)

// epsilon guards the wait-time division for nodes that declare zero TPS.
const epsilon = 0.001

// Weights holds the scoring coefficients.
type Weights struct {
	Reputation float64
	TPS        float64
	Load       float64
	Wait       float64
}

// scored pairs a candidate with its computed score for sorting.
type scored struct {
	node  types.NodeView
	score float64
}

// Pick returns up to n distinct nodes for a difficulty, best score first.
// Candidates outside the difficulty's eligible tiers, offline nodes, and
// excluded node IDs are filtered before scoring. Normalization runs over the
// surviving cohort only, so a score is meaningful relative to the nodes that
// actually competed. Results are deterministic: ties break by higher
// reputation, then lower effective load, then lexicographic node ID.
func Pick(candidates []types.NodeView, d types.Difficulty, n int, exclude map[string]bool, w Weights) []types.NodeView {
	eligible := Eligible(candidates, d, exclude)
	if len(eligible) == 0 || n <= 0 {
		return nil
	}

	repLo, repHi := bounds(eligible, func(nv types.NodeView) float64 { return nv.Reputation })
	tpsLo, tpsHi := bounds(eligible, func(nv types.NodeView) float64 { return nv.Capabilities.TokensPerSecond })

	ranked := make([]scored, 0, len(eligible))
	for _, nv := range eligible {
		ranked = append(ranked, scored{node: nv, score: score(nv, repLo, repHi, tpsLo, tpsHi, w)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.node.Reputation != b.node.Reputation {
			return a.node.Reputation > b.node.Reputation
		}
		if a.node.EffectiveLoad != b.node.EffectiveLoad {
			return a.node.EffectiveLoad < b.node.EffectiveLoad
		}
		return a.node.ID < b.node.ID
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]types.NodeView, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.node)
	}
	return out
}

// Eligible filters candidates down to the cohort allowed to serve a
// difficulty.
func Eligible(candidates []types.NodeView, d types.Difficulty, exclude map[string]bool) []types.NodeView {
	allowed := make(map[types.Tier]bool)
	for _, t := range types.EligibleTiers(d) {
		allowed[t] = true
	}

	var out []types.NodeView
	for _, nv := range candidates {
		if !nv.Online || !allowed[nv.Tier] || exclude[nv.ID] {
			continue
		}
		out = append(out, nv)
	}
	return out
}

// score computes one node's score against cohort bounds. Load and expected
// wait push the score down; reputation and throughput pull it up.
func score(nv types.NodeView, repLo, repHi, tpsLo, tpsHi float64, w Weights) float64 {
	rep := normalize(nv.Reputation, repLo, repHi)
	tps := normalize(nv.Capabilities.TokensPerSecond, tpsLo, tpsHi)
	load := float64(nv.EffectiveLoad)

	wait := load / max(nv.Capabilities.TokensPerSecond, epsilon)

	return w.Reputation*rep + w.TPS*tps - w.Load*load - w.Wait*wait
}

// normalize maps v into [0, 1] within the cohort range. A degenerate cohort
// (all equal) maps to 1 so the term neither rewards nor punishes anyone.
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

func bounds(nodes []types.NodeView, f func(types.NodeView) float64) (lo, hi float64) {
	lo, hi = f(nodes[0]), f(nodes[0])
	for _, nv := range nodes[1:] {
		v := f(nv)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
