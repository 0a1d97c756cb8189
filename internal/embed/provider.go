// Package embed produces L2-normalized embedding vectors for message text.
//
// Two backends exist: a remote HTTP model service and a deterministic stub
// whose output depends only on (org_id, message_id, text), which makes
// pipeline tests reproducible and gives the remote backend a degraded-mode
// fallback.
package embed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/config"
)

// PermanentError marks an embedding failure no retry can fix, such as the
// backend returning a vector of the wrong length or an unparseable body.
// Consumers route it to the drop path instead of redelivering, and the stub
// fallback does not mask it.
type PermanentError struct{ msg string }

func (e *PermanentError) Error() string { return e.msg }

func permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{msg: fmt.Sprintf(format, args...)}
}

// Provider computes one embedding per message text.
type Provider interface {
	// Embed returns an L2-normalized vector of length Dim for the text.
	// org and message ids participate in the stub's seed so the same text
	// from different messages yields distinct vectors.
	Embed(ctx context.Context, orgID, messageID, text string) ([]float32, error)
	ModelVersion() string
	Dim() int
}

// New builds the provider selected by EMBED_PROVIDER. The remote provider is
// wrapped with a stub fallback when EMBED_FALLBACK_TO_STUB is on.
func New(cfg *config.Config, logger *zap.Logger) Provider {
	stub := NewStub(cfg.EmbedModelVersion, cfg.EmbedDim)
	if cfg.EmbedProvider == config.ProviderStub {
		return stub
	}

	remote := NewRemote(cfg.RemoteEmbedURL, cfg.EmbedModelVersion, cfg.EmbedDim, cfg.RemoteEmbedTimeout)
	if !cfg.EmbedFallbackToStub {
		return remote
	}
	return &fallbackProvider{primary: remote, fallback: stub, logger: logger}
}

// fallbackProvider tries the primary backend and degrades to the stub on any
// failure, logging the switch.
type fallbackProvider struct {
	primary  Provider
	fallback Provider
	logger   *zap.Logger
}

func (p *fallbackProvider) Embed(ctx context.Context, orgID, messageID, text string) ([]float32, error) {
	vec, err := p.primary.Embed(ctx, orgID, messageID, text)
	if err == nil {
		return vec, nil
	}
	// Permanent failures (wrong dimension, garbage response) surface so the
	// consumer drops the event; the stub only covers transient outages.
	var pe *PermanentError
	if errors.As(err, &pe) {
		return nil, err
	}
	p.logger.Warn("remote embed failed, falling back to stub",
		zap.String("org_id", orgID),
		zap.String("message_id", messageID),
		zap.Error(err),
	)
	return p.fallback.Embed(ctx, orgID, messageID, text)
}

func (p *fallbackProvider) ModelVersion() string { return p.primary.ModelVersion() }
func (p *fallbackProvider) Dim() int             { return p.primary.Dim() }
