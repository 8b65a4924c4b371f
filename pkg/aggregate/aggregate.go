package aggregate

import (
	"fmt"
	"strings"

	"github.com/iris-network/iris/pkg/types"
)

// LowConsensusNote is prepended to a consensus result when the replicas
// disagreed badly but an answer was still picked.
const LowConsensusNote = "**Note: Low consensus among nodes.**"

// maxOverlapTokens caps the suffix/prefix match search when stitching
// context windows.
const maxOverlapTokens = 256

// Subtasks concatenates completed results in subtask-index order. Failed
// subtasks leave a placeholder so the reader sees the gap; partial reports
// whether any placeholder was inserted.
func Subtasks(subs []*types.Subtask) (result string, partial bool) {
	if len(subs) == 1 && subs[0].State == types.SubtaskCompleted {
		return subs[0].Result, false
	}

	parts := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.State == types.SubtaskCompleted {
			parts = append(parts, strings.TrimSpace(s.Result))
			continue
		}
		partial = true
		parts = append(parts, fmt.Sprintf("[part %d unavailable]", s.Index+1))
	}
	return strings.Join(parts, "\n\n"), partial
}

// Consensus picks the modal answer among completed replicas. Each answer is
// scored by its average token-set similarity to the others; the highest
// average wins, and ties go to the answer from the highest-reputation
// producer. When the winning similarity is below threshold with three or
// more replicas, the result carries a low-consensus note.
func Consensus(subs []*types.Subtask, repOf func(nodeID string) float64, threshold float64) string {
	completed := completedOnly(subs)
	if len(completed) == 0 {
		return ""
	}
	if len(completed) == 1 {
		return completed[0].Result
	}

	best := completed[0]
	bestScore := -1.0
	for _, s := range completed {
		score := avgSimilarity(s, completed)
		switch {
		case score > bestScore:
			best, bestScore = s, score
		case score == bestScore && repOf != nil && repOf(s.NodeID) > repOf(best.NodeID):
			best = s
		}
	}

	if bestScore < threshold && len(completed) >= 3 {
		return LowConsensusNote + "\n\n" + best.Result
	}
	return best.Result
}

// Context stitches overlapping window outputs in index order, trimming the
// shared region from every window except the first. A failed window leaves
// a placeholder and flips partial.
func Context(subs []*types.Subtask) (result string, partial bool) {
	var b strings.Builder
	var acc []string // running token tail for overlap detection

	for _, s := range subs {
		if s.State != types.SubtaskCompleted {
			partial = true
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "[section %d unavailable]", s.Index+1)
			acc = nil
			continue
		}

		text := strings.TrimSpace(s.Result)
		tokens := strings.Fields(text)
		if len(acc) > 0 {
			trim := overlapLen(acc, tokens)
			tokens = tokens[trim:]
			text = strings.Join(tokens, " ")
		}
		if text != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(text)
		}

		if len(tokens) > maxOverlapTokens {
			acc = tokens[len(tokens)-maxOverlapTokens:]
		} else {
			acc = tokens
		}
	}
	return b.String(), partial
}

func completedOnly(subs []*types.Subtask) []*types.Subtask {
	var out []*types.Subtask
	for _, s := range subs {
		if s.State == types.SubtaskCompleted && s.Result != "" {
			out = append(out, s)
		}
	}
	return out
}

// avgSimilarity is the mean Jaccard similarity of one answer's token set
// against every other replica's answer. Identical answers count as fully
// similar, which is what makes agreement win the vote.
func avgSimilarity(s *types.Subtask, all []*types.Subtask) float64 {
	words := tokenSet(s.Result)
	var sum float64
	var n int
	for _, other := range all {
		if other == s {
			continue
		}
		sum += jaccard(words, tokenSet(other.Result))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Similarity is the Jaccard similarity of two answers' token sets.
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlapLen finds the longest k where the last k tokens of prev equal the
// first k tokens of next, capped at maxOverlapTokens.
func overlapLen(prev, next []string) int {
	limit := min(len(prev), len(next))
	limit = min(limit, maxOverlapTokens)
	for k := limit; k > 0; k-- {
		if equalTokens(prev[len(prev)-k:], next[:k]) {
			return k
		}
	}
	return 0
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
