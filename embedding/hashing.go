package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a local Embedder: lower-cased word unigrams and bigrams are
// hashed into a fixed number of signed buckets and the result is
// L2-normalised. Texts sharing words get similar vectors. Empty text maps
// to a fixed unit vector, never to zero.
type Hashing struct {
	dim   int
	model string
}

// NewHashing returns a Hashing embedder. dim <= 0 means 256.
func NewHashing(dim int, model string) *Hashing {
	if dim <= 0 {
		dim = 256
	}
	return &Hashing{dim: dim, model: model}
}

func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) Dimension() int { return h.dim }
func (h *Hashing) Model() string  { return h.model }

func (h *Hashing) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	add := func(token string, weight float32) {
		f := fnv.New64a()
		f.Write([]byte(token))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
