package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagstack/internal/catalog"
	"dagstack/internal/state"
	"dagstack/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *testutil.FakeRuntime, *state.Store) {
	t.Helper()

	cat, err := catalog.Load("")
	require.NoError(t, err)

	store := state.NewStore(filepath.Join(t.TempDir(), "installation.json"))
	require.NoError(t, store.AcquireWriterLock())
	t.Cleanup(store.ReleaseWriterLock)

	rt := testutil.NewFakeRuntime()
	return NewManager(cat, rt, store, nil), rt, store
}

func serviceEntryNames(st *state.InstallationState) []string {
	names := make([]string, 0, len(st.Services))
	for _, s := range st.Services {
		names = append(names, s.Name)
	}
	return names
}

func TestInstall_BringsUpDependencyClosure(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"explorer"}))

	st, err := store.Read()
	require.NoError(t, err)

	assert.Equal(t, state.PhaseComplete, st.Phase)
	assert.False(t, st.OperatorBusy)
	assert.Equal(t, []string{"core", "indexer", "explorer"}, st.Profiles)

	// index-db is declared by both indexer and explorer but must be
	// brought up once.
	assert.Equal(t,
		[]string{"dag-node", "index-db", "dag-indexer", "explorer-api", "explorer-web"},
		serviceEntryNames(st))

	for _, entry := range st.Services {
		assert.True(t, entry.Exists, entry.Name)
		assert.True(t, entry.Running, entry.Name)

		c, err := rt.FindContainerByName(ctx, entry.ContainerName)
		require.NoError(t, err)
		require.NotNil(t, c, entry.Name)
		assert.Equal(t, "running", c.Status)
		assert.Equal(t, "true", c.Labels["dagstack.managed"])
		assert.Equal(t, entry.Name, c.Labels["dagstack.service"])
	}

	assert.Contains(t, rt.PulledImages(), "dagstack/dag-node:latest")
	assert.Contains(t, rt.PulledImages(), "postgres:16-alpine")
}

func TestInstall_ReusesExistingStoppedContainer(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	id := rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "exited")

	require.NoError(t, mgr.Install(ctx, []string{"core"}))

	running, err := rt.IsContainerRunning(ctx, id)
	require.NoError(t, err)
	assert.True(t, running, "existing container should have been started")

	// No create, so no pull either.
	assert.Empty(t, rt.PulledImages())

	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, st.Phase)
}

func TestInstall_FailurePersistsErrorPhase(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	rt.FailWith = errors.New("daemon stopped responding")

	err := mgr.Install(ctx, []string{"core"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dag-node")

	st, rerr := store.Read()
	require.NoError(t, rerr)
	assert.Equal(t, state.PhaseError, st.Phase)
	assert.False(t, st.OperatorBusy)
}

func TestAdd_SkipsSharedServiceAlreadyUp(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"indexer"}))
	require.NoError(t, mgr.Add(ctx, "explorer"))

	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "indexer", "explorer"}, st.Profiles)
	assert.Equal(t,
		[]string{"dag-node", "index-db", "dag-indexer", "explorer-api", "explorer-web"},
		serviceEntryNames(st))

	// index-db was already running from the indexer profile; adding the
	// explorer must not pull or create it again.
	pulls := 0
	for _, img := range rt.PulledImages() {
		if img == "postgres:16-alpine" {
			pulls++
		}
	}
	assert.Equal(t, 1, pulls)
}

func TestAdd_RejectsConflictingProfile(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"core"}))

	err := mgr.Add(ctx, "archive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot add profile "archive"`)
}

func TestRemove_TearsDownOwnedKeepsShared(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"explorer"}))
	require.NoError(t, mgr.Remove(ctx, "explorer"))

	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "indexer"}, st.Profiles)
	assert.Equal(t, []string{"dag-node", "index-db", "dag-indexer"}, serviceEntryNames(st))

	// Explorer-only containers are gone, the shared database is not.
	for _, name := range []string{"dagstack-explorer-api", "dagstack-explorer-web"} {
		c, err := rt.FindContainerByName(ctx, name)
		require.NoError(t, err)
		assert.Nil(t, c, name)
	}
	c, err := rt.FindContainerByName(ctx, "dagstack-index-db")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "running", c.Status)
}

func TestRemove_BlockedByDependentProfile(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"explorer"}))

	err := mgr.Remove(ctx, "indexer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot remove profile "indexer"`)
}

func TestRemove_ReassignsSharedServiceOwner(t *testing.T) {
	yaml := `
profiles:
  - id: alpha
    name: Alpha
    services:
      - name: shared-db
        container: test-shared-db
        image: postgres:16-alpine
      - name: alpha-api
        container: test-alpha-api
        image: example/alpha:latest
  - id: beta
    name: Beta
    services:
      - name: shared-db
        container: test-shared-db
        image: postgres:16-alpine
`
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)

	store := state.NewStore(filepath.Join(dir, "installation.json"))
	require.NoError(t, store.AcquireWriterLock())
	t.Cleanup(store.ReleaseWriterLock)

	rt := testutil.NewFakeRuntime()
	mgr := NewManager(cat, rt, store, nil)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"alpha", "beta"}))
	require.NoError(t, mgr.Remove(ctx, "alpha"))

	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, st.Profiles)

	entry, ok := st.ServiceByName("shared-db")
	require.True(t, ok)
	assert.Equal(t, "beta", entry.Profile)

	c, err := rt.FindContainerByName(ctx, "test-alpha-api")
	require.NoError(t, err)
	assert.Nil(t, c)
	c, err = rt.FindContainerByName(ctx, "test-shared-db")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestRefresh_UpdatesContainerFlags(t *testing.T) {
	mgr, rt, store := newTestManager(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, mgr.Install(ctx, []string{"core"}))

	c, err := rt.FindContainerByName(ctx, "dagstack-node")
	require.NoError(t, err)
	require.NotNil(t, c)
	rt.SetStatus(c.ID, "exited")

	require.NoError(t, mgr.Refresh(ctx))

	st, err := store.Read()
	require.NoError(t, err)
	entry, ok := st.ServiceByName("dag-node")
	require.True(t, ok)
	assert.True(t, entry.Exists)
	assert.False(t, entry.Running)
}

func TestTailLogs_StreamsContainerLogs(t *testing.T) {
	mgr, rt, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	id := rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "running")
	rt.SetLogs(id, "accepted block abc123\n")

	reader, err := mgr.TailLogs(ctx, "dag-node")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "accepted block abc123\n", string(data))
}

func TestTailLogs_UnknownService(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.TailLogs(testutil.TestContext(t), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown service "nonexistent"`)
}

func TestTailLogs_NoContainer(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.TailLogs(testutil.TestContext(t), "dag-node")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no container found")
}

func TestDiagnostics_ReportsStateAndLogs(t *testing.T) {
	mgr, rt, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	id := rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "exited")
	rt.SetLogs(id, "panic: database locked\n")

	report, err := mgr.Diagnostics(ctx, "dag-node")
	require.NoError(t, err)
	assert.Contains(t, report, "container: dagstack-node")
	assert.Contains(t, report, "status: exited")
	assert.Contains(t, report, "panic: database locked")
}

func TestDiagnostics_MissingContainer(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	report, err := mgr.Diagnostics(testutil.TestContext(t), "dag-node")
	require.NoError(t, err)
	assert.Contains(t, report, "container dagstack-node does not exist")
}

func TestDiagnostics_RuntimeUnavailable(t *testing.T) {
	mgr, rt, _ := newTestManager(t)
	rt.FailWith = fmt.Errorf("socket refused")

	_, err := mgr.Diagnostics(testutil.TestContext(t), "dag-node")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container runtime unavailable")
}
