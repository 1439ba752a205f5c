// Package uuid generates lease owner tokens and request IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed so
// operators can tell which process holds a claim.
type Generator struct {
	prefix string
}

// New creates a Generator. An empty prefix yields bare UUIDs.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns "<prefix>-<uuid7>" or a bare UUID7.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil || g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
