package consumer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/jtownson/network-builder/internal/embed"
	"github.com/jtownson/network-builder/internal/events"
)

// isPoisonPill reports whether an error can never succeed on redelivery:
// malformed events and permanent embedding-backend failures (wrong dimension,
// unparseable response). These are terminated; everything else is NAKed.
func isPoisonPill(err error) bool {
	var me *events.MalformedEventError
	if errors.As(err, &me) {
		return true
	}
	var pe *embed.PermanentError
	return errors.As(err, &pe)
}

func newVector(vec []float32) pgvector.Vector {
	return pgvector.NewVector(vec)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
