// Package testutil provides shared test helpers for setting up vaults and
// seeding adapters.
package testutil

import (
	"context"
	"testing"

	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/storage"
)

// TestVault creates a vault in a temporary directory that is closed when the
// test ends.
func TestVault(t *testing.T) *storage.Vault {
	t.Helper()
	v, err := storage.OpenVault(t.TempDir(), storage.VaultOptions{Create: true})
	if err != nil {
		t.Fatalf("OpenVault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

// SeedSystem saves system s1 "Work" with one project per name, with ids p1,
// p2 and so on.
func SeedSystem(t *testing.T, store storage.Adapter, projects ...string) *models.System {
	t.Helper()
	sys := &models.System{ID: "s1", Name: "Work", Tags: []string{}}
	for i, name := range projects {
		sys.Projects = append(sys.Projects, models.Project{
			ID:       "p" + string(rune('1'+i)),
			SystemID: "s1",
			Name:     name,
			Tags:     []string{},
		})
	}
	if err := store.SaveSystem(context.Background(), sys); err != nil {
		t.Fatalf("SaveSystem: %v", err)
	}
	return sys
}
