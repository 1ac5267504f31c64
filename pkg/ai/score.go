package ai

import "time"

// ScoreFunc ranks a KV cache block for eviction: lower scores evict
// first. age is the time since last access; sparsityWeight is higher
// for denser attention blocks. The eviction protocol is fixed but the
// scoring heuristic is not, so callers may plug their own function.
type ScoreFunc func(age time.Duration, sparsityWeight float64) float64

// DefaultScore weights attention density by recency: sparse blocks
// that have not been touched recently score lowest and evict first.
func DefaultScore(age time.Duration, sparsityWeight float64) float64 {
	return sparsityWeight / (1 + age.Seconds())
}
