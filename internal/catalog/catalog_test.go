package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad_EmbeddedDefault(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)
	require.NotEmpty(t, cat.Profiles)

	for _, id := range []string{"core", "archive", "indexer", "explorer", "stratum", "metrics"} {
		_, ok := cat.Profile(id)
		assert.True(t, ok, "default catalog should declare profile %q", id)
	}

	core, _ := cat.Profile("core")
	require.Len(t, core.Services, 1)
	assert.Equal(t, "dag-node", core.Services[0].Name)
	assert.Equal(t, "core", core.Services[0].Profile)
	require.NotNil(t, core.Services[0].HealthCheck)
	assert.True(t, core.Services[0].HealthCheck.Node)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read catalog")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeCatalog(t, "profiles: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse catalog")
}

func TestLoad_RejectsMissingID(t *testing.T) {
	path := writeCatalog(t, `
profiles:
  - name: Anonymous
    services: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no id")
}

func TestLoad_RejectsDuplicateID(t *testing.T) {
	path := writeCatalog(t, `
profiles:
  - id: core
    name: One
  - id: core
    name: Two
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate profile id "core"`)
}

func TestLoad_RejectsUnknownDependency(t *testing.T) {
	path := writeCatalog(t, `
profiles:
  - id: a
    name: A
    depends_on: [ghost]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `depends on unknown profile "ghost"`)
}

func TestLoad_RejectsUnknownConflict(t *testing.T) {
	path := writeCatalog(t, `
profiles:
  - id: a
    name: A
    conflicts_with: [ghost]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflicts with unknown profile "ghost"`)
}

func TestService_FirstDeclarationWins(t *testing.T) {
	path := writeCatalog(t, `
profiles:
  - id: first
    name: First
    services:
      - name: shared-db
        container: first-db
        image: postgres:16-alpine
  - id: second
    name: Second
    services:
      - name: shared-db
        container: second-db
        image: postgres:16-alpine
`)
	cat, err := Load(path)
	require.NoError(t, err)

	spec, ok := cat.Service("shared-db")
	require.True(t, ok)
	assert.Equal(t, "first-db", spec.Container)
	assert.Equal(t, "first", spec.Profile)

	_, ok = cat.Service("missing")
	assert.False(t, ok)
}
