package health

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagstack/internal/catalog"
	"dagstack/internal/probe"
	"dagstack/internal/testutil"
	"dagstack/pkg/runtime"
)

func testCatalog(t *testing.T, yaml string) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)
	return cat
}

// fakeNode serves the DAG-info RPC on a loopback port and returns that
// port.
func fakeNode(t *testing.T, synced bool) int {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":1,"result":{"networkName":"dagstack-mainnet","blockCount":1000,"isSynced":%t}}`, synced)
	}))
	t.Cleanup(ts.Close)

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// fakePeerPort opens a plain TCP listener standing in for the node's p2p
// port.
func fakePeerPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

const nodeCatalogYAML = `
profiles:
  - id: core
    name: Core
    services:
      - name: dag-node
        container: dagstack-node
        image: dagstack/dag-node:latest
        health:
          node: true
`

func TestChecker_UnknownService(t *testing.T) {
	cat := testCatalog(t, nodeCatalogYAML)
	checker := NewChecker(cat, testutil.NewFakeRuntime(), probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "nope")
	assert.Equal(t, StatusNotFound, v.Status)
	assert.NotEmpty(t, v.Warnings)
}

func TestChecker_MissingContainer(t *testing.T) {
	cat := testCatalog(t, nodeCatalogYAML)
	checker := NewChecker(cat, testutil.NewFakeRuntime(), probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusNotFound, v.Status)
}

func TestChecker_RuntimeUnavailableDegrades(t *testing.T) {
	cat := testCatalog(t, nodeCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.FailWith = fmt.Errorf("socket gone")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusNotFound, v.Status)
	require.NotEmpty(t, v.Warnings)
	assert.Contains(t, v.Warnings[0], "runtime unavailable")
}

func TestChecker_StoppedContainer(t *testing.T) {
	cat := testCatalog(t, nodeCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "exited")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusStopped, v.Status)
}

func TestChecker_NodeHealthyWhenRPCAndPeerUp(t *testing.T) {
	rpcPort := fakeNode(t, true)
	peerPort := fakePeerPort(t)

	cat := testCatalog(t, nodeCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "running")

	rpc := probe.NewRPCClient("127.0.0.1")
	prober := probe.NewProber([]int{rpcPort}, rpc.ProbePort, 0)
	checker := NewChecker(cat, rt, rpc, prober, peerPort)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusHealthy, v.Status)
	require.NotNil(t, v.SubChecks)
	assert.True(t, v.SubChecks.RPCReachable)
	assert.True(t, v.SubChecks.PeerReachable)
	assert.True(t, v.SubChecks.Synced)
	assert.Empty(t, v.Warnings)
}

func TestChecker_NodeSyncingIsWarningNotFailure(t *testing.T) {
	rpcPort := fakeNode(t, false)
	peerPort := fakePeerPort(t)

	cat := testCatalog(t, nodeCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "running")

	rpc := probe.NewRPCClient("127.0.0.1")
	prober := probe.NewProber([]int{rpcPort}, rpc.ProbePort, 0)
	checker := NewChecker(cat, rt, rpc, prober, peerPort)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusHealthy, v.Status)
	assert.False(t, v.SubChecks.Synced)
	require.NotEmpty(t, v.Warnings)
	assert.Contains(t, v.Warnings[0], "syncing")
}

func TestChecker_NodeUnhealthyWhenRPCDown(t *testing.T) {
	peerPort := fakePeerPort(t)

	cat := testCatalog(t, nodeCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-node", "dagstack/dag-node:latest", "running")

	rpc := probe.NewRPCClient("127.0.0.1")
	// Port 1 is never listening.
	prober := probe.NewProber([]int{1}, rpc.ProbePort, 0)
	checker := NewChecker(cat, rt, rpc, prober, peerPort)

	v := checker.Status(testutil.TestContext(t), "dag-node")
	assert.Equal(t, StatusUnhealthy, v.Status)
	assert.False(t, v.SubChecks.RPCReachable)
	assert.True(t, v.SubChecks.PeerReachable)
}

func TestChecker_EndpointHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)

	cat := testCatalog(t, fmt.Sprintf(`
profiles:
  - id: indexer
    name: Indexer
    services:
      - name: dag-indexer
        container: dagstack-indexer
        image: dagstack/indexer:latest
        health:
          endpoint: %s/health
`, healthy.URL))

	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-indexer", "dagstack/indexer:latest", "running")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "dag-indexer")
	assert.Equal(t, StatusHealthy, v.Status)
}

func TestChecker_EndpointNon2xxIsUnhealthy(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(failing.Close)

	cat := testCatalog(t, fmt.Sprintf(`
profiles:
  - id: indexer
    name: Indexer
    services:
      - name: dag-indexer
        container: dagstack-indexer
        image: dagstack/indexer:latest
        health:
          endpoint: %s/health
`, failing.URL))

	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-indexer", "dagstack/indexer:latest", "running")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "dag-indexer")
	assert.Equal(t, StatusUnhealthy, v.Status)
	assert.NotEmpty(t, v.Warnings)
}

const plainCatalogYAML = `
profiles:
  - id: metrics
    name: Metrics
    services:
      - name: grafana
        container: dagstack-grafana
        image: grafana/grafana:latest
`

func TestChecker_DockerHealthcheckFallback(t *testing.T) {
	cat := testCatalog(t, plainCatalogYAML)
	rt := testutil.NewFakeRuntime()
	id := rt.AddContainer("dagstack-grafana", "grafana/grafana:latest", "running")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	for reported, want := range map[string]Status{
		"healthy":   StatusHealthy,
		"starting":  StatusStarting,
		"unhealthy": StatusUnhealthy,
	} {
		rt.SetHealth(id, runtime.HealthState{HasHealthcheck: true, Status: reported})
		v := checker.Status(testutil.TestContext(t), "grafana")
		assert.Equal(t, want, v.Status, "docker health %q", reported)
	}
}

func TestChecker_RunningWithoutChecksIsHealthy(t *testing.T) {
	cat := testCatalog(t, plainCatalogYAML)
	rt := testutil.NewFakeRuntime()
	rt.AddContainer("dagstack-grafana", "grafana/grafana:latest", "running")
	checker := NewChecker(cat, rt, probe.NewRPCClient("127.0.0.1"), probe.NewProber(nil, nil, 0), 0)

	v := checker.Status(testutil.TestContext(t), "grafana")
	assert.Equal(t, StatusHealthy, v.Status)
}
