package consensus

import (
	"fmt"
	"pow-ledger/block"
	"pow-ledger/ledger"
	"pow-ledger/logger"
	"pow-ledger/registry"
)

// SyncFrom makes target hold a copy of source, discarding whatever target had.
// It never merges and never validates: the last sync wins.
func SyncFrom(target *ledger.Ledger, source block.Chain) {
	target.ReplaceChain(source.Clone())
}

// Broadcast pushes the chain held by sourceID to every other node.
func Broadcast(reg *registry.Registry, sourceID string) error {
	source, err := reg.Get(sourceID)
	if err != nil {
		return fmt.Errorf("failed to broadcast: %w", err)
	}

	snapshot := source.Snapshot()
	synced := 0
	reg.ForEach(func(id string, l *ledger.Ledger) {
		if id == sourceID {
			return
		}
		SyncFrom(l, snapshot)
		synced++
	})

	log.WithFields(logger.Fields{
		"sourceID":    sourceID,
		"syncedNodes": synced,
		"chainLength": len(snapshot),
		"tipHash":     tipHash(snapshot),
	}).Info("Chain synced from source to all nodes")
	return nil
}

func tipHash(chain block.Chain) string {
	if len(chain) == 0 {
		return ""
	}
	return chain.Tip().Hash
}
