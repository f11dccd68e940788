// Package scriptstore is the script store collaborator (§6):
// read_script/write_script/list_scripts, backed by the same persistent
// store connection as C1 rather than a separate service — a generated
// script is just another durable row next to sessions and analyses.
package scriptstore

import (
	"context"
	"fmt"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/store"
)

// Store is the script store collaborator handle.
type Store struct {
	backend store.Store
}

// New wraps a persistent store connection as a script store.
func New(backend store.Store) *Store {
	return &Store{backend: backend}
}

// Write persists name with the given content and metadata, creating or
// overwriting it (§6: write_script(name, text, metadata) -> bool).
func (s *Store) Write(ctx context.Context, name, content string, metadata map[string]any) error {
	if name == "" {
		return fmt.Errorf("scriptstore: name is required")
	}
	return s.backend.WriteScript(ctx, name, content, metadata)
}

// Read returns the named script (§6: read_script(name) -> text).
func (s *Store) Read(ctx context.Context, name string) (*models.Script, error) {
	return s.backend.ReadScript(ctx, name)
}

// List returns every script name currently stored (§6: list_scripts() -> [name]).
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.ListScripts(ctx)
}
