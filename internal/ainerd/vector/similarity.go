// Package vector scores dense embeddings against a query with cosine
// similarity. There is no persistent index: every ranking is a linear scan,
// which is fine for collections capped at a few hundred entries.
package vector

import (
	"math"
	"sort"
)

// Cosine computes the cosine similarity between two vectors in float64.
// Returns 0 if either vector is empty, the lengths differ, either has zero
// magnitude or a component is NaN or infinite. The result is clamped to
// [-1, 1] to absorb rounding.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return max(-1, min(1, sim))
}

// Finite reports whether every component of v is a finite number. Vectors
// that fail it cannot be scored or serialized as JSON.
func Finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Scored is one ranked candidate. Position is the 0-based offset of the
// candidate in the slice passed to Rank.
type Scored struct {
	Position int
	Score    float64
}

// Rank scores every candidate against query and returns at most topK results
// ordered by descending score; equal scores keep ascending Position order.
// A nil or empty query, or topK <= 0, yields nil.
func Rank(query []float32, candidates [][]float32, topK int) []Scored {
	if topK <= 0 || len(query) == 0 || len(candidates) == 0 {
		return nil
	}

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Position: i, Score: Cosine(query, c)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}
