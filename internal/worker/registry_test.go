package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

func TestLoadRegistryFromYAML(t *testing.T) {
	yaml := `workers:
  - id: claude-dev
    name: Claude Developer
    provider: claude
    model: sonnet
    roles: [developer, reviewer]
  - id: codex-dev
    name: Codex Developer
    provider: codex
    model: gpt
    roles: [developer]
`
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Len(t, reg.All(), 2)

	w, ok := reg.Get("claude-dev")
	require.True(t, ok)
	assert.Equal(t, "Claude Developer", w.Name)
	assert.True(t, w.HasRole("reviewer"))

	devs := reg.ForRole("developer")
	assert.Len(t, devs, 2)
	reviewers := reg.ForRole("reviewer")
	assert.Len(t, reviewers, 1)

	names := reg.Names()
	assert.Equal(t, "Codex Developer", names["codex-dev"])
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry([]types.Worker{{Name: "no id", Roles: []string{"developer"}}})
	assert.Error(t, err)

	_, err = NewRegistry([]types.Worker{{ID: "w1", Name: "no roles"}})
	assert.Error(t, err)

	_, err = NewRegistry([]types.Worker{
		{ID: "w1", Roles: []string{"developer"}},
		{ID: "w1", Roles: []string{"reviewer"}},
	})
	assert.Error(t, err)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
