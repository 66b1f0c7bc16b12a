package consensus

import (
	"pow-ledger/block"
	"pow-ledger/ledger"
	"pow-ledger/logger"
	"pow-ledger/registry"
)

var log = logger.Logger

// Group is a set of nodes whose chains have identical fingerprints.
type Group struct {
	Fingerprint block.Fingerprint
	Members     []string
	chain       block.Chain
}

// Result describes one consensus round.
type Result struct {
	// Winner is the fingerprint every node holds after the round.
	Winner block.Fingerprint
	// Members are the nodes that already held Winner when the vote was taken.
	Members []string
	// Groups lists every distinct chain seen, in order of first appearance.
	Groups []Group
	// Adopted maps each node to the fingerprint it holds after adoption.
	Adopted map[string]block.Fingerprint
}

// GroupByFingerprint buckets node chains by exact fingerprint equality.
// Groups and their members keep the order of the input.
func GroupByFingerprint(snapshots []registry.NodeChain) []Group {
	var groups []Group
	index := make(map[string]int)

	for _, snapshot := range snapshots {
		fp := snapshot.Chain.Fingerprint()
		key := fp.Key()

		if i, ok := index[key]; ok {
			groups[i].Members = append(groups[i].Members, snapshot.NodeID)
			continue
		}

		index[key] = len(groups)
		groups = append(groups, Group{
			Fingerprint: fp,
			Members:     []string{snapshot.NodeID},
			chain:       snapshot.Chain,
		})
	}
	return groups
}

// SelectMajority returns the index of the largest group. A tie goes to the
// group that appeared first, which for registry snapshots means the group
// containing the earliest registered node.
func SelectMajority(groups []Group) int {
	winner := -1
	for i, g := range groups {
		if winner < 0 || len(g.Members) > len(groups[winner].Members) {
			winner = i
		}
	}
	return winner
}

// Resolve runs one round of majority-of-identical-chains consensus: every
// node's chain is read at one instant, nodes are grouped by fingerprint, and
// the largest group's chain is synced into every node, members included.
// Chains are not validated before they are counted.
func Resolve(reg *registry.Registry) Result {
	snapshots := reg.Snapshots()
	groups := GroupByFingerprint(snapshots)
	winner := groups[SelectMajority(groups)]

	log.WithFields(logger.Fields{
		"nodes":       len(snapshots),
		"groups":      len(groups),
		"majority":    len(winner.Members),
		"members":     winner.Members,
		"chainLength": len(winner.chain),
		"tipHash":     tipHash(winner.chain),
	}).Info("Consensus majority selected")

	result := Result{
		Winner:  winner.Fingerprint,
		Members: append([]string(nil), winner.Members...),
		Groups:  groups,
		Adopted: make(map[string]block.Fingerprint, len(snapshots)),
	}

	reg.ForEach(func(id string, l *ledger.Ledger) {
		SyncFrom(l, winner.chain)
		result.Adopted[id] = l.Fingerprint()
	})

	log.WithField("adoptedNodes", len(result.Adopted)).Info("Consensus chain adopted by all nodes")
	return result
}
