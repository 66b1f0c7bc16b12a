package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"pow-ledger/block"
	"pow-ledger/logger"
	"pow-ledger/protocol"
	"strings"
	"time"
)

// DefaultClientTimeout leaves room for mining at high difficulty.
const DefaultClientTimeout = 2 * time.Minute

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to a Server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type clientResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

func nodePath(nodeID string, rest ...string) string {
	parts := append([]string{"/api/nodes", url.PathEscape(nodeID)}, rest...)
	return strings.Join(parts, "/")
}

// do sends body (JSON encoded unless it is already []byte) and decodes the
// response envelope's data into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.WithFields(logger.Fields{
		"method": method,
		"url":    req.URL.String(),
	}).Debug("Sending API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	var envelope clientResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	if !envelope.Success || resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (NodesResponse, error) {
	var nodes NodesResponse
	err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &nodes)
	return nodes, err
}

func (c *Client) GetChain(ctx context.Context, nodeID string) (protocol.ChainResponse, error) {
	var chain protocol.ChainResponse
	err := c.do(ctx, http.MethodGet, nodePath(nodeID, "chain"), nil, &chain)
	return chain, err
}

func (c *Client) Append(ctx context.Context, nodeID, data string) (block.Block, error) {
	var resp protocol.BlockResponse
	err := c.do(ctx, http.MethodPost, nodePath(nodeID, "blocks"), protocol.AppendRequest{Data: data}, &resp)
	return resp.Block, err
}

func (c *Client) Tamper(ctx context.Context, nodeID string, index int, data string) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID, "tamper"), protocol.TamperRequest{Index: index, Data: data}, nil)
}

func (c *Client) RewriteHistory(ctx context.Context, nodeID string, index int, data string) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID, "rewrite"), protocol.TamperRequest{Index: index, Data: data}, nil)
}

// Sync makes targetID adopt sourceID's chain.
func (c *Client) Sync(ctx context.Context, targetID, sourceID string) error {
	return c.do(ctx, http.MethodPost, nodePath(targetID, "sync"), protocol.SyncRequest{Source: sourceID}, nil)
}

func (c *Client) ResolveConsensus(ctx context.Context) (protocol.ConsensusResponse, error) {
	var result protocol.ConsensusResponse
	err := c.do(ctx, http.MethodPost, "/api/consensus", nil, &result)
	return result, err
}

// Export returns the node's chain in the portable form.
func (c *Client) Export(ctx context.Context, nodeID string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, nodePath(nodeID, "export"), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Import(ctx context.Context, nodeID string, data []byte) error {
	return c.do(ctx, http.MethodPut, nodePath(nodeID, "import"), data, nil)
}

func (c *Client) Checkpoint(ctx context.Context, nodeID, name string) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID, "checkpoints", url.PathEscape(name)), nil, nil)
}

func (c *Client) Restore(ctx context.Context, nodeID, name string) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID, "checkpoints", url.PathEscape(name), "restore"), nil, nil)
}

func (c *Client) Checkpoints(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, "/api/checkpoints", nil, &names)
	return names, err
}
