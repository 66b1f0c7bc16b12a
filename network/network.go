package network

import (
	"context"
	"errors"
	"fmt"
	"pow-ledger/block"
	"pow-ledger/config"
	"pow-ledger/consensus"
	"pow-ledger/ledger"
	"pow-ledger/logger"
	"pow-ledger/protocol"
	"pow-ledger/registry"
	"pow-ledger/store"
	"pow-ledger/timesync"
	"sync"
)

var log = logger.Logger

var ErrClosed = errors.New("network is closed")

// Network is the request facade over the node registry. Every request holds
// one mutex for its whole duration, so requests never interleave.
type Network struct {
	mutex             sync.Mutex
	registry          *registry.Registry
	store             store.SnapshotStore
	clock             timesync.Clock
	difficulty        uint
	broadcastOnAppend bool
	stopClock         context.CancelFunc
	closed            bool
}

type Option func(*Network)

// WithStore overrides the checkpoint store selected by the config.
func WithStore(s store.SnapshotStore) Option {
	return func(n *Network) {
		n.store = s
	}
}

// WithClock overrides the clock used to timestamp mined blocks.
func WithClock(clock timesync.Clock) Option {
	return func(n *Network) {
		n.clock = clock
	}
}

// New builds one ledger per configured node, each starting from its own
// freshly mined genesis block.
func New(cfg config.Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Network{
		difficulty:        cfg.Difficulty,
		broadcastOnAppend: cfg.BroadcastOnAppend,
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.clock == nil {
		if cfg.Time.NTP {
			ntpClock := timesync.NewNTPClock(cfg.Time.Servers, cfg.Time.SyncInterval.Duration)
			ctx, cancel := context.WithCancel(context.Background())
			ntpClock.Start(ctx)
			n.clock = ntpClock
			n.stopClock = cancel
		} else {
			n.clock = timesync.SystemClock{}
		}
	}

	if n.store == nil {
		s, err := store.Open(cfg.Store)
		if err != nil {
			n.shutdownClock()
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		n.store = s
	}

	reg, err := registry.New(cfg.Difficulty, cfg.Nodes, ledger.WithClock(n.clock))
	if err != nil {
		n.shutdownClock()
		n.store.Close()
		return nil, err
	}
	n.registry = reg

	log.WithFields(logger.Fields{
		"nodes":             cfg.Nodes,
		"difficulty":        cfg.Difficulty,
		"broadcastOnAppend": cfg.BroadcastOnAppend,
		"store":             cfg.Store.Backend,
		"ntp":               cfg.Time.NTP,
	}).Info("Network initialized")
	return n, nil
}

func (n *Network) shutdownClock() {
	if n.stopClock != nil {
		n.stopClock()
		n.stopClock = nil
	}
}

// node looks up a ledger. Callers hold n.mutex.
func (n *Network) node(id string) (*ledger.Ledger, error) {
	if n.closed {
		return nil, ErrClosed
	}
	return n.registry.Get(id)
}

func (n *Network) Nodes() []string {
	return n.registry.IDs()
}

func (n *Network) Difficulty() uint {
	return n.difficulty
}

// Append mines data onto nodeID's chain. With broadcast on append enabled
// the resulting chain is then synced to every other node.
func (n *Network) Append(nodeID, data string) (block.Block, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	l, err := n.node(nodeID)
	if err != nil {
		return block.Block{}, err
	}

	mined, err := l.Append(data)
	if err != nil {
		return block.Block{}, fmt.Errorf("failed to append to node %s: %w", nodeID, err)
	}

	log.WithFields(logger.Fields{
		"nodeID": nodeID,
		"hash":   mined.Hash,
		"nonce":  mined.Nonce,
	}).Info("Block appended")

	if n.broadcastOnAppend {
		if err := consensus.Broadcast(n.registry, nodeID); err != nil {
			return mined, err
		}
	}
	return mined, nil
}

// Tamper corrupts one block in place without repairing the chain.
func (n *Network) Tamper(nodeID string, index int, data string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	l, err := n.node(nodeID)
	if err != nil {
		return err
	}
	if err := l.Corrupt(index, data); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"nodeID": nodeID,
		"index":  index,
	}).Warn("Block corrupted")
	return nil
}

// RewriteHistory changes one block and re-mines everything after it, leaving
// a chain that verifies but no longer matches its peers.
func (n *Network) RewriteHistory(nodeID string, index int, data string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	l, err := n.node(nodeID)
	if err != nil {
		return err
	}
	if err := l.RewriteHistory(index, data); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"nodeID":      nodeID,
		"index":       index,
		"chainLength": l.Len(),
	}).Warn("History rewritten")
	return nil
}

// Sync makes targetID hold a copy of sourceID's chain.
func (n *Network) Sync(targetID, sourceID string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	target, err := n.node(targetID)
	if err != nil {
		return err
	}
	source, err := n.node(sourceID)
	if err != nil {
		return err
	}

	snapshot := source.Snapshot()
	consensus.SyncFrom(target, snapshot)

	log.WithFields(logger.Fields{
		"targetID":    targetID,
		"sourceID":    sourceID,
		"chainLength": len(snapshot),
	}).Info("Node synced from source")
	return nil
}

func (n *Network) GetChain(nodeID string) (block.Chain, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	l, err := n.node(nodeID)
	if err != nil {
		return nil, err
	}
	return l.Snapshot(), nil
}

// Status reports every node in registry order.
func (n *Network) Status() ([]protocol.NodeStatus, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return nil, ErrClosed
	}

	snapshots := n.registry.Snapshots()
	statuses := make([]protocol.NodeStatus, 0, len(snapshots))
	for _, s := range snapshots {
		statuses = append(statuses, nodeStatus(s.NodeID, s.Chain))
	}
	return statuses, nil
}

func nodeStatus(id string, chain block.Chain) protocol.NodeStatus {
	status := protocol.NodeStatus{
		NodeID:      id,
		Length:      len(chain),
		Valid:       true,
		BrokenIndex: -1,
	}
	if len(chain) > 0 {
		status.TipHash = chain.Tip().Hash
	}

	var chainErr *block.ChainError
	if err := chain.Verify(); errors.As(err, &chainErr) {
		status.Valid = false
		status.BrokenIndex = chainErr.Index
		status.Reason = chainErr.Reason
	}
	return status
}

// ResolveConsensus runs one majority round across all nodes.
func (n *Network) ResolveConsensus() (consensus.Result, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return consensus.Result{}, ErrClosed
	}
	return consensus.Resolve(n.registry), nil
}

// Export encodes nodeID's chain in the portable form.
func (n *Network) Export(nodeID string) ([]byte, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return n.export(nodeID)
}

func (n *Network) export(nodeID string) ([]byte, error) {
	l, err := n.node(nodeID)
	if err != nil {
		return nil, err
	}
	return l.ToPortable()
}

// Import replaces nodeID's chain with a portable document. Like a sync it
// does not validate the chain; a malformed document leaves the node untouched.
func (n *Network) Import(nodeID string, data []byte) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return n.importChain(nodeID, data)
}

func (n *Network) importChain(nodeID string, data []byte) error {
	l, err := n.node(nodeID)
	if err != nil {
		return err
	}

	difficulty, chain, err := ledger.DecodeChain(data)
	if err != nil {
		return err
	}
	if difficulty != l.Difficulty() {
		log.WithFields(logger.Fields{
			"nodeID":             nodeID,
			"nodeDifficulty":     l.Difficulty(),
			"importedDifficulty": difficulty,
		}).Warn("Imported chain was mined at a different difficulty")
	}

	l.ReplaceChain(chain)
	log.WithFields(logger.Fields{
		"nodeID":      nodeID,
		"chainLength": len(chain),
	}).Info("Chain imported")
	return nil
}

// Checkpoint saves nodeID's chain under name.
func (n *Network) Checkpoint(ctx context.Context, nodeID, name string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	data, err := n.export(nodeID)
	if err != nil {
		return err
	}
	if err := n.store.Save(ctx, name, data); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"nodeID":     nodeID,
		"checkpoint": name,
	}).Info("Checkpoint saved")
	return nil
}

// Restore loads the checkpoint called name into nodeID. The checkpoint may
// have been taken from any node.
func (n *Network) Restore(ctx context.Context, nodeID, name string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if _, err := n.node(nodeID); err != nil {
		return err
	}
	data, err := n.store.Load(ctx, name)
	if err != nil {
		return err
	}
	if err := n.importChain(nodeID, data); err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", name, err)
	}

	log.WithFields(logger.Fields{
		"nodeID":     nodeID,
		"checkpoint": name,
	}).Info("Checkpoint restored")
	return nil
}

func (n *Network) Checkpoints(ctx context.Context) ([]string, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	return n.store.List(ctx)
}

// Close stops the clock and releases the store. Later requests fail with ErrClosed.
func (n *Network) Close() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	n.shutdownClock()

	log.Info("Network closed")
	return n.store.Close()
}
