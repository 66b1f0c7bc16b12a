package protocol

import (
	"pow-ledger/block"
	"pow-ledger/consensus"
)

// AppendRequest asks a node to mine and append one block
type AppendRequest struct {
	Data string `json:"data"`
}

// TamperRequest targets one block of a node's chain, used by both the
// corrupt and the rewrite-history endpoints
type TamperRequest struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

// SyncRequest makes the addressed node adopt the chain held by Source
type SyncRequest struct {
	Source string `json:"source"`
}

// BlockResponse carries the block produced by an append
type BlockResponse struct {
	NodeID string      `json:"node_id"`
	Block  block.Block `json:"block"`
}

// ChainResponse is a full snapshot of one node's chain
type ChainResponse struct {
	NodeID     string      `json:"node_id"`
	Difficulty uint        `json:"difficulty"`
	Length     int         `json:"length"`
	Valid      bool        `json:"valid"`
	Blocks     block.Chain `json:"blocks"`
}

// NodeStatus summarizes one node. BrokenIndex is -1 for a valid chain.
type NodeStatus struct {
	NodeID      string `json:"node_id"`
	Length      int    `json:"length"`
	TipHash     string `json:"tip_hash"`
	Valid       bool   `json:"valid"`
	BrokenIndex int    `json:"broken_index"`
	Reason      string `json:"reason,omitempty"`
}

// GroupView is one set of nodes holding an identical chain
type GroupView struct {
	Fingerprint []string `json:"fingerprint"`
	Members     []string `json:"members"`
}

// ConsensusResponse reports the outcome of a consensus round
type ConsensusResponse struct {
	Winner  []string            `json:"winner"`
	Members []string            `json:"members"`
	Groups  []GroupView         `json:"groups"`
	Adopted map[string][]string `json:"adopted"`
}

// CheckpointResponse names a checkpoint that was saved or restored
type CheckpointResponse struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

func NewConsensusResponse(result consensus.Result) ConsensusResponse {
	response := ConsensusResponse{
		Winner:  result.Winner,
		Members: result.Members,
		Groups:  make([]GroupView, 0, len(result.Groups)),
		Adopted: make(map[string][]string, len(result.Adopted)),
	}
	for _, g := range result.Groups {
		response.Groups = append(response.Groups, GroupView{
			Fingerprint: g.Fingerprint,
			Members:     g.Members,
		})
	}
	for id, fp := range result.Adopted {
		response.Adopted[id] = fp
	}
	return response
}
