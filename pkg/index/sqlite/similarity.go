package sqlite

import (
	"math"
	"sort"

	"github.com/mindbase/mindbase-go/pkg/index"
)

// cosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortConversationsByScore orders hits by similarity descending, ties
// broken by most recent update.
func sortConversationsByScore(hits []*index.ConversationRecord) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})
}

// sortMemoriesByScore orders hits by similarity descending, ties broken
// by most recent update.
func sortMemoriesByScore(hits []*index.MemoryRecord) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})
}
