package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultRPCTimeout bounds every health-facing RPC call so a hung node
// cannot block the monitor loop.
const DefaultRPCTimeout = 5 * time.Second

// DAGInfo is the subset of the node's DAG-info response the monitor cares
// about. The query is read-only.
type DAGInfo struct {
	NetworkName     string `json:"networkName"`
	BlockCount      uint64 `json:"blockCount"`
	HeaderCount     uint64 `json:"headerCount"`
	VirtualDAAScore uint64 `json:"virtualDaaScore"`
	IsSynced        bool   `json:"isSynced"`
}

type rpcRequest struct {
	ID     int               `json:"id"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

// RPCClient speaks the node's JSON request/response protocol over HTTP.
type RPCClient struct {
	host    string
	client  *http.Client
	timeout time.Duration
}

// NewRPCClient creates a client for a node on the given host.
func NewRPCClient(host string) *RPCClient {
	return &RPCClient{
		host:    host,
		timeout: DefaultRPCTimeout,
		client: &http.Client{
			Timeout: DefaultRPCTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// DAGInfo issues the read-only DAG-info query against the given port.
func (c *RPCClient) DAGInfo(ctx context.Context, port int) (*DAGInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{ID: 1, Method: "getBlockDagInfo", Params: map[string]string{}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode RPC request: %w", err)
	}

	url := fmt.Sprintf("http://%s/", net.JoinHostPort(c.host, fmt.Sprint(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("RPC request to port %d failed: %w", port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("RPC port %d returned status %d", port, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error: %s", rpcResp.Error.Message)
	}

	var info DAGInfo
	if err := json.Unmarshal(rpcResp.Result, &info); err != nil {
		return nil, fmt.Errorf("failed to decode DAG info: %w", err)
	}
	return &info, nil
}

// ProbePort is the ProbeFunc for RPC candidates: the port counts as
// reachable when the DAG-info query round-trips.
func (c *RPCClient) ProbePort(ctx context.Context, port int) error {
	_, err := c.DAGInfo(ctx, port)
	return err
}

// PeerReachable checks the node's peer/transport port with a plain TCP
// dial.
func (c *RPCClient) PeerReachable(ctx context.Context, port int) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("peer port %d unreachable: %w", port, err)
	}
	conn.Close()
	return nil
}
