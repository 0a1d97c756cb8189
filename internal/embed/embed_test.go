package embed

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jtownson/network-builder/internal/config"
)

func vecNorm(vec []float32) float64 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// ── Stub ──────────────────────────────────────────────────────────────────

func TestStub_DeterministicAndNormalized(t *testing.T) {
	s := NewStub("stub-768-v1", 768)

	a, err := s.Embed(context.Background(), "org-1", "msg-1", "hello world")
	require.NoError(t, err)
	b, err := s.Embed(context.Background(), "org-1", "msg-1", "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same inputs must embed identically across redeliveries")
	assert.Len(t, a, 768)
	assert.InDelta(t, 1.0, vecNorm(a), 1e-6)
}

func TestStub_SeedVariesPerInput(t *testing.T) {
	s := NewStub("stub-768-v1", 16)

	base, _ := s.Embed(context.Background(), "org-1", "msg-1", "hello")
	otherOrg, _ := s.Embed(context.Background(), "org-2", "msg-1", "hello")
	otherMsg, _ := s.Embed(context.Background(), "org-1", "msg-2", "hello")
	otherText, _ := s.Embed(context.Background(), "org-1", "msg-1", "goodbye")

	assert.NotEqual(t, base, otherOrg)
	assert.NotEqual(t, base, otherMsg)
	assert.NotEqual(t, base, otherText)
}

func TestStub_SeedUsesTextPrefixOnly(t *testing.T) {
	s := NewStub("stub-768-v1", 8)
	long := strings.Repeat("x", 200)
	a, _ := s.Embed(context.Background(), "org-1", "msg-1", long)
	b, _ := s.Embed(context.Background(), "org-1", "msg-1", long+"tail")
	assert.Equal(t, a, b, "only the first 128 characters feed the seed")
}

func TestStub_SeedPrefixCountsRunes(t *testing.T) {
	// The prefix is 128 characters, not bytes: multi-byte text that agrees on
	// the first 128 runes embeds identically, and a difference inside the
	// prefix still changes the seed even when the first 128 bytes agree.
	s := NewStub("stub-768-v1", 8)

	long := strings.Repeat("é", 200)
	a, _ := s.Embed(context.Background(), "org-1", "msg-1", long)
	b, _ := s.Embed(context.Background(), "org-1", "msg-1", strings.Repeat("é", 128)+"suffix")
	assert.Equal(t, a, b)

	// 127 two-byte runes exceed 128 bytes; rune 128 must still be seeded.
	prefix := strings.Repeat("é", 127)
	c, _ := s.Embed(context.Background(), "org-1", "msg-1", prefix+"a"+strings.Repeat("x", 200))
	d, _ := s.Embed(context.Background(), "org-1", "msg-1", prefix+"b"+strings.Repeat("x", 200))
	assert.NotEqual(t, c, d)
}

// ── Remote ────────────────────────────────────────────────────────────────

func TestRemote_FlatResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		w.Write([]byte(`[3, 4, 0, 0]`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "bge-base@remote", 4, time.Second)
	vec, err := remote.Embed(context.Background(), "org", "msg", "text")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
	assert.InDelta(t, 1.0, vecNorm(vec), 1e-6)
}

func TestRemote_BatchResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[0, 1, 0, 0]]`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "bge-base@remote", 4, time.Second)
	vec, err := remote.Embed(context.Background(), "org", "msg", "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)
}

func TestRemote_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 0]`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "bge-base@remote", 4, time.Second)
	_, err := remote.Embed(context.Background(), "org", "msg", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")

	// A wrong-length vector never fixes itself on retry.
	var pe *PermanentError
	assert.True(t, errors.As(err, &pe))
}

func TestRemote_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "bge-base@remote", 4, time.Second)
	_, err := remote.Embed(context.Background(), "org", "msg", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	// Outages are transient: redelivery (or the stub fallback) may succeed.
	var pe *PermanentError
	assert.False(t, errors.As(err, &pe))
}

func TestRemote_UnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding": [1, 0]}`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "bge-base@remote", 2, time.Second)
	_, err := remote.Embed(context.Background(), "org", "msg", "text")
	require.Error(t, err)
	var pe *PermanentError
	assert.True(t, errors.As(err, &pe))
}

// ── Fallback wiring ───────────────────────────────────────────────────────

func TestNew_RemoteWithFallbackDegradesToStub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := &config.Config{
		EmbedProvider:       config.ProviderRemote,
		EmbedModelVersion:   "bge-base@remote",
		EmbedDim:            8,
		RemoteEmbedURL:      srv.URL,
		RemoteEmbedTimeout:  time.Second,
		EmbedFallbackToStub: true,
	}
	p := New(cfg, zaptest.NewLogger(t))

	vec, err := p.Embed(context.Background(), "org-1", "msg-1", "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 8)

	// The fallback is the deterministic stub.
	stub := NewStub("bge-base@remote", 8)
	want, _ := stub.Embed(context.Background(), "org-1", "msg-1", "hello")
	assert.Equal(t, want, vec)
}

func TestNew_FallbackDoesNotMaskPermanentErrors(t *testing.T) {
	// A misconfigured backend (wrong dimension) must surface even with the
	// stub fallback on, so the event is dropped instead of silently embedded.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 0]`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		EmbedProvider:       config.ProviderRemote,
		EmbedModelVersion:   "bge-base@remote",
		EmbedDim:            8,
		RemoteEmbedURL:      srv.URL,
		RemoteEmbedTimeout:  time.Second,
		EmbedFallbackToStub: true,
	}
	p := New(cfg, zaptest.NewLogger(t))

	_, err := p.Embed(context.Background(), "org-1", "msg-1", "hello")
	require.Error(t, err)
	var pe *PermanentError
	assert.True(t, errors.As(err, &pe))
}

func TestNew_RemoteWithoutFallbackSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := &config.Config{
		EmbedProvider:      config.ProviderRemote,
		EmbedModelVersion:  "bge-base@remote",
		EmbedDim:           8,
		RemoteEmbedURL:     srv.URL,
		RemoteEmbedTimeout: time.Second,
	}
	p := New(cfg, zaptest.NewLogger(t))

	_, err := p.Embed(context.Background(), "org-1", "msg-1", "hello")
	require.Error(t, err)
}

func TestNew_StubSelected(t *testing.T) {
	cfg := &config.Config{
		EmbedProvider:     config.ProviderStub,
		EmbedModelVersion: "stub-768-v1",
		EmbedDim:          16,
	}
	p := New(cfg, zaptest.NewLogger(t))
	assert.Equal(t, "stub-768-v1", p.ModelVersion())
	assert.Equal(t, 16, p.Dim())
}
