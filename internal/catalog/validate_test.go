package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddition_ConflictBlocks(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateAddition("archive", []string{"core"})
	assert.False(t, res.CanAdd)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "conflicts")
}

func TestValidateAddition_ConflictIsSymmetric(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateAddition("core", []string{"archive"})
	assert.False(t, res.CanAdd)
}

func TestValidateAddition_MissingDependency(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateAddition("explorer", []string{"core"})
	assert.False(t, res.CanAdd)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], `requires profile "indexer"`)
}

func TestValidateAddition_SyncedNodeIsWarningOnly(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateAddition("stratum", []string{"core"})
	assert.True(t, res.CanAdd)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "synced")
}

func TestValidateAddition_AlreadyInstalled(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateAddition("core", []string{"core"})
	assert.False(t, res.CanAdd)
}

func TestValidateRemoval_DependentProfileBlocks(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	// explorer depends on indexer: indexer cannot be removed while
	// explorer stays installed.
	res := cat.ValidateRemoval("indexer", []string{"core", "indexer", "explorer"})
	assert.False(t, res.CanRemove)
	assert.Equal(t, []string{"explorer"}, res.Impact.DependentProfiles)
}

func TestValidateRemoval_TransitiveDependentBlocks(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	// explorer reaches core through indexer.
	res := cat.ValidateRemoval("core", []string{"core", "indexer", "explorer"})
	assert.False(t, res.CanRemove)
	assert.ElementsMatch(t, []string{"indexer", "explorer"}, res.Impact.DependentProfiles)
}

func TestValidateRemoval_SharedServiceIsWarning(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	// index-db is declared by both indexer and explorer; removing explorer
	// keeps it alive and only warns.
	res := cat.ValidateRemoval("explorer", []string{"core", "indexer", "explorer"})
	assert.True(t, res.CanRemove)
	assert.Equal(t, []string{"index-db"}, res.Impact.SharedServices)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "shared")
}

func TestValidateRemoval_NotInstalled(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	res := cat.ValidateRemoval("metrics", []string{"core"})
	assert.False(t, res.CanRemove)
}

func TestDependentServicesOf_Closure(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	// dag-node is owned by core; indexer and explorer both reach core.
	deps := cat.DependentServicesOf("dag-node", []string{"core", "indexer", "explorer", "metrics"})
	assert.ElementsMatch(t, []string{"index-db", "dag-indexer", "explorer-api", "explorer-web"}, deps)
}

func TestDependentServicesOf_NoDependents(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	deps := cat.DependentServicesOf("dag-node", []string{"core", "metrics"})
	assert.Empty(t, deps)
}

func TestServicesFor_DeduplicatesSharedServices(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)

	specs := cat.ServicesFor([]string{"indexer", "explorer"})

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"index-db", "dag-indexer", "explorer-api", "explorer-web"}, names)
}
