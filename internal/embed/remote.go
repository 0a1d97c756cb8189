package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jtownson/network-builder/internal/cluster"
)

// Remote calls an HTTP embedding model service (TEI-compatible): POST
// {"inputs": text} to <base>/embed, response is either a flat float array or
// a batch of one.
type Remote struct {
	baseURL      string
	modelVersion string
	dim          int
	client       *http.Client
}

// NewRemote constructs a remote provider. timeout bounds the whole request.
func NewRemote(baseURL, modelVersion string, dim int, timeout time.Duration) *Remote {
	return &Remote{
		baseURL:      baseURL,
		modelVersion: modelVersion,
		dim:          dim,
		client:       &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Inputs string `json:"inputs"`
}

func (r *Remote) Embed(ctx context.Context, _, _, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: text})
	if err != nil {
		return nil, fmt.Errorf("remote embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote embed: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote embed: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	vec, err := parseVectorResponse(raw)
	if err != nil {
		return nil, err
	}
	if len(vec) != r.dim {
		return nil, permanentf("remote embed: dimension mismatch: expected %d, got %d", r.dim, len(vec))
	}
	return cluster.L2Normalize(vec), nil
}

// parseVectorResponse accepts both [float] and [[float]] response shapes;
// batch responses take the first row.
func parseVectorResponse(raw []byte) ([]float32, error) {
	var batch [][]float32
	if err := json.Unmarshal(raw, &batch); err == nil {
		if len(batch) == 0 {
			return nil, permanentf("remote embed: empty batch response")
		}
		return batch[0], nil
	}

	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	return nil, permanentf("remote embed: unexpected response format")
}

func (r *Remote) ModelVersion() string { return r.modelVersion }
func (r *Remote) Dim() int             { return r.dim }
