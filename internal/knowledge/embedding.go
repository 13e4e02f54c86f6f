package knowledge

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// VectorDim is the fixed dimensionality of a knowledge item's embedding
// (spec §3 "Knowledge item").
const VectorDim = 384

// Embed derives a deterministic 384-float vector from text's SHA-256
// digest, with every component in [-1, 1]. It is an identifier-quality
// embedding: equal inputs always map to equal vectors, and distinct
// inputs map to distinct vectors with SHA-256's collision resistance, but
// it carries no semantic meaning (spec §4.J).
func Embed(text string) [VectorDim]float32 {
	var vec [VectorDim]float32
	digest := sha256.Sum256([]byte(text))

	// Expand the 32-byte digest into enough pseudorandom bytes for 384
	// float32 components by hashing digest||counter for each 32-byte block.
	const bytesPerFloat = 4
	needed := VectorDim * bytesPerFloat
	stream := make([]byte, 0, needed)
	for counter := uint32(0); len(stream) < needed; counter++ {
		var block [36]byte
		copy(block[:32], digest[:])
		binary.BigEndian.PutUint32(block[32:], counter)
		h := sha256.Sum256(block[:])
		stream = append(stream, h[:]...)
	}

	for i := 0; i < VectorDim; i++ {
		chunk := stream[i*bytesPerFloat : i*bytesPerFloat+bytesPerFloat]
		u := binary.BigEndian.Uint32(chunk)
		// Map uint32 uniformly onto [-1, 1].
		vec[i] = float32(int64(u)-1<<31) / float32(1<<31)
	}
	return vec
}

// cosineDistance returns 1 - cosine_similarity(a, b), so that lower values
// indicate more similar vectors (spec §4.J "lower is more similar").
func cosineDistance(a, b [VectorDim]float32) float64 {
	var dot, normA, normB float64
	for i := 0; i < VectorDim; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - similarity
}
