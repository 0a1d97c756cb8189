package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/jtownson/network-builder/internal/cluster"
)

// seedTextPrefix bounds how much text feeds the seed; messages that share
// their first 128 characters but differ later still embed identically, which
// is acceptable for a stub. Counted in runes so multi-byte text never splits
// a character at the boundary.
const seedTextPrefix = 128

// Stub is a deterministic embedding backend: a PRNG seeded from
// SHA-256(org_id :: message_id :: text[:128]) draws Dim uniforms in [-1, 1],
// L2-normalized. Redeliveries of the same message always produce the same
// vector.
type Stub struct {
	modelVersion string
	dim          int
}

// NewStub constructs a stub provider with the given model version and dim.
func NewStub(modelVersion string, dim int) *Stub {
	return &Stub{modelVersion: modelVersion, dim: dim}
}

func (s *Stub) Embed(_ context.Context, orgID, messageID, text string) ([]float32, error) {
	if runes := []rune(text); len(runes) > seedTextPrefix {
		text = string(runes[:seedTextPrefix])
	}
	h := sha256.New()
	h.Write([]byte(orgID))
	h.Write([]byte("::"))
	h.Write([]byte(messageID))
	h.Write([]byte("::"))
	h.Write([]byte(text))
	seed := binary.BigEndian.Uint64(h.Sum(nil)[:8])

	rng := rand.New(rand.NewSource(int64(seed)))
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(rng.Float64()*2 - 1)
	}
	return cluster.L2Normalize(vec), nil
}

func (s *Stub) ModelVersion() string { return s.modelVersion }
func (s *Stub) Dim() int             { return s.dim }
