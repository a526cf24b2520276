// Package health classifies the status of installed services, combining
// container-runtime state with declared health endpoints and, for node
// services, RPC-level sub-checks.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dagstack/internal/catalog"
	"dagstack/internal/probe"
	"dagstack/pkg/runtime"
)

// Status is the classified health of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusNotFound  Status = "not_found"
)

// SubChecks holds the node-specific conjunction of checks. Sync is soft:
// its absence is a warning, not a failure, so dependents are not blocked
// on full historical sync.
type SubChecks struct {
	RPCReachable  bool `json:"rpcReachable"`
	PeerReachable bool `json:"peerReachable"`
	Synced        bool `json:"synced"`
}

// Verdict is the outcome of a single health check.
type Verdict struct {
	Service   string     `json:"service"`
	Status    Status     `json:"status"`
	CheckedAt time.Time  `json:"checkedAt"`
	Warnings  []string   `json:"warnings,omitempty"`
	SubChecks *SubChecks `json:"subChecks,omitempty"`
}

// Healthy reports whether the verdict counts as healthy.
func (v Verdict) Healthy() bool {
	return v.Status == StatusHealthy
}

const endpointTimeout = 5 * time.Second

// Checker evaluates service health. All state it needs is injected; there
// is no package-level registry, so independent instances do not interfere.
type Checker struct {
	catalog *catalog.Catalog
	runtime runtime.Runtime
	rpc     *probe.RPCClient
	prober  *probe.Prober
	p2pPort int
	client  *http.Client
}

// NewChecker creates a checker over the given catalog and container
// runtime. The prober supplies the node's current RPC candidate state.
func NewChecker(cat *catalog.Catalog, rt runtime.Runtime, rpc *probe.RPCClient, prober *probe.Prober, p2pPort int) *Checker {
	return &Checker{
		catalog: cat,
		runtime: rt,
		rpc:     rpc,
		prober:  prober,
		p2pPort: p2pPort,
		client: &http.Client{
			Timeout: endpointTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Status classifies the named service. A declared health check determines
// healthy/unhealthy; a service without one falls back to "container exists
// and is running". Absence of the container runtime itself degrades to
// not_found with a warning, never a crash.
func (c *Checker) Status(ctx context.Context, service string) Verdict {
	v := Verdict{Service: service, CheckedAt: time.Now().UTC()}

	spec, ok := c.catalog.Service(service)
	if !ok {
		v.Status = StatusNotFound
		v.Warnings = append(v.Warnings, fmt.Sprintf("service %q is not in the catalog", service))
		return v
	}

	ctx, cancel := context.WithTimeout(ctx, endpointTimeout)
	defer cancel()

	container, err := c.runtime.FindContainerByName(ctx, spec.Container)
	if err != nil {
		v.Status = StatusNotFound
		v.Warnings = append(v.Warnings, fmt.Sprintf("container runtime unavailable: %v", err))
		return v
	}
	if container == nil {
		v.Status = StatusNotFound
		return v
	}

	if container.Status != "running" {
		v.Status = StatusStopped
		return v
	}

	if spec.HealthCheck != nil && spec.HealthCheck.Node {
		c.nodeChecks(ctx, &v)
		return v
	}

	if spec.HealthCheck != nil && spec.HealthCheck.Endpoint != "" {
		if err := c.probeEndpoint(ctx, spec.HealthCheck.Endpoint); err != nil {
			v.Status = StatusUnhealthy
			v.Warnings = append(v.Warnings, err.Error())
		} else {
			v.Status = StatusHealthy
		}
		return v
	}

	// No declared check: defer to the runtime's own health reporting,
	// falling back to "running means healthy".
	hs, err := c.runtime.GetContainerHealth(ctx, container.ID)
	if err == nil && hs.HasHealthcheck {
		switch hs.Status {
		case "healthy":
			v.Status = StatusHealthy
		case "starting":
			v.Status = StatusStarting
		default:
			v.Status = StatusUnhealthy
		}
		return v
	}

	v.Status = StatusHealthy
	return v
}

// nodeChecks evaluates the foundational node: RPC reachable, peer port
// reachable, and (soft) synchronization progress.
func (c *Checker) nodeChecks(ctx context.Context, v *Verdict) {
	sub := &SubChecks{}
	v.SubChecks = sub

	res := c.prober.Connect(ctx)
	sub.RPCReachable = res.Connected

	if err := c.rpc.PeerReachable(ctx, c.p2pPort); err == nil {
		sub.PeerReachable = true
	} else {
		v.Warnings = append(v.Warnings, err.Error())
	}

	if res.Connected {
		if info, err := c.rpc.DAGInfo(ctx, res.Port); err == nil {
			sub.Synced = info.IsSynced
		}
	}

	if sub.RPCReachable && sub.PeerReachable {
		v.Status = StatusHealthy
	} else {
		v.Status = StatusUnhealthy
	}
	if !sub.Synced {
		v.Warnings = append(v.Warnings, "node is still syncing; dependent services may lag")
	}
}

func (c *Checker) probeEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
