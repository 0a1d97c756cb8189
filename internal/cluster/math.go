// Package cluster holds the pure arithmetic of the online clustering engine:
// L2 normalization, the capped-mean centroid update, and the distance to
// confidence conversion. Keeping this free of pgx and NATS lets the clusterer
// consumer stay a thin transactional shell around unit-tested math.
package cluster

import "math"

// L2Normalize returns vec scaled to unit length. A zero vector is returned
// unchanged, matching pgvector's behaviour of refusing to divide by zero.
func L2Normalize(vec []float32) []float32 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum <= 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, x := range vec {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CappedMean applies the capped-mean centroid update:
//
//	n_eff = min(effectiveCount, cap)
//	c'    = normalize((c*n_eff + x) / (n_eff + 1))
//
// Saturating n_eff at cap keeps old, heavy clusters responsive to new
// evidence instead of freezing in place.
func CappedMean(centroid, embedding []float32, effectiveCount, cap int) []float32 {
	nEff := effectiveCount
	if nEff > cap {
		nEff = cap
	}
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = float32((float64(centroid[i])*float64(nEff) + float64(embedding[i])) / float64(nEff+1))
	}
	return L2Normalize(out)
}

// SimilarityFromDistance converts a pgvector cosine distance into a
// confidence score, clamped to [-1, 1] to absorb numeric noise. With both
// centroid and embedding L2-normalized the result lies in [0, 1] in practice.
func SimilarityFromDistance(distance float64) float64 {
	sim := 1.0 - distance
	if sim > 1.0 {
		return 1.0
	}
	if sim < -1.0 {
		return -1.0
	}
	return sim
}

// DistanceThreshold derives the assignment distance cutoff from a similarity
// threshold (cosine distance = 1 - cosine similarity).
func DistanceThreshold(simThreshold float64) float64 {
	return 1.0 - simThreshold
}
