package registry

import (
	"errors"
	"fmt"
	"pow-ledger/block"
	"pow-ledger/ledger"
	"pow-ledger/logger"
)

var log = logger.Logger

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrEmptyNodeID   = errors.New("empty node id")
	ErrNoNodes       = errors.New("registry needs at least one node")
)

// Registry maps node IDs to their ledgers. Membership is fixed at
// construction and iteration always follows registration order.
type Registry struct {
	ids     []string
	ledgers map[string]*ledger.Ledger
}

// NodeChain is one node's chain captured by Snapshots.
type NodeChain struct {
	NodeID string
	Chain  block.Chain
}

// New creates one freshly mined ledger per node ID.
func New(difficulty uint, nodeIDs []string, opts ...ledger.Option) (*Registry, error) {
	if len(nodeIDs) == 0 {
		return nil, ErrNoNodes
	}
	if err := block.CheckDifficulty(difficulty); err != nil {
		return nil, err
	}

	r := &Registry{
		ids:     make([]string, 0, len(nodeIDs)),
		ledgers: make(map[string]*ledger.Ledger, len(nodeIDs)),
	}

	for _, id := range nodeIDs {
		if id == "" {
			return nil, ErrEmptyNodeID
		}
		if _, exists := r.ledgers[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}

		l, err := ledger.New(difficulty, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger for node %s: %w", id, err)
		}
		r.ids = append(r.ids, id)
		r.ledgers[id] = l

		log.WithFields(logger.Fields{
			"nodeID":      id,
			"difficulty":  difficulty,
			"genesisHash": l.Fingerprint()[0],
		}).Info("Node ledger created")
	}

	return r, nil
}

// Get returns the ledger owned by id.
func (r *Registry) Get(id string) (*ledger.Ledger, error) {
	l, ok := r.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return l, nil
}

// IDs returns the node IDs in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r *Registry) Len() int {
	return len(r.ids)
}

// ForEach calls fn for every node in registration order.
func (r *Registry) ForEach(fn func(id string, l *ledger.Ledger)) {
	for _, id := range r.ids {
		fn(id, r.ledgers[id])
	}
}

// Snapshots copies every node's chain at a single instant, in registration order.
func (r *Registry) Snapshots() []NodeChain {
	ledgers := make([]*ledger.Ledger, len(r.ids))
	for i, id := range r.ids {
		ledgers[i] = r.ledgers[id]
	}

	chains := ledger.SnapshotAll(ledgers...)
	snapshots := make([]NodeChain, len(r.ids))
	for i, id := range r.ids {
		snapshots[i] = NodeChain{NodeID: id, Chain: chains[i]}
	}
	return snapshots
}
