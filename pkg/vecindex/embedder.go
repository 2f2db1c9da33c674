package vecindex

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// DefaultDimensions matches the offline index builder.
const DefaultDimensions = 256

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder is a deterministic bag-of-tokens embedder: each token
// hashes into a bucket and the vector is L2-normalised. It needs no
// network or model weights, so the index works offline, and the same
// implementation builds and queries the artifact.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dimensions)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for n := range vec {
		vec[n] *= scale
	}
	return vec
}
