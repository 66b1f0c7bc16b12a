package api

import (
	"context"
	"pow-ledger/block"
	"pow-ledger/consensus"
	"pow-ledger/protocol"
)

// LedgerNetwork is the set of node operations the server exposes.
// *network.Network implements it.
type LedgerNetwork interface {
	Nodes() []string
	Difficulty() uint
	Append(nodeID, data string) (block.Block, error)
	Tamper(nodeID string, index int, data string) error
	RewriteHistory(nodeID string, index int, data string) error
	Sync(targetID, sourceID string) error
	GetChain(nodeID string) (block.Chain, error)
	Status() ([]protocol.NodeStatus, error)
	ResolveConsensus() (consensus.Result, error)
	Export(nodeID string) ([]byte, error)
	Import(nodeID string, data []byte) error
	Checkpoint(ctx context.Context, nodeID, name string) error
	Restore(ctx context.Context, nodeID, name string) error
	Checkpoints(ctx context.Context) ([]string, error)
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// NodesResponse is the body of GET /api/nodes
type NodesResponse struct {
	Nodes      []protocol.NodeStatus `json:"nodes"`
	NodeCount  int                   `json:"node_count"`
	Difficulty uint                  `json:"difficulty"`
}
