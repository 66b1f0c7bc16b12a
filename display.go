package main

import (
	"fmt"
	"pow-ledger/block"
	"pow-ledger/protocol"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
)

const shortHashLength = 12

func shortHash(hash string) string {
	if len(hash) <= shortHashLength {
		return hash
	}
	return hash[:shortHashLength] + "…"
}

func validLabel(valid bool) string {
	if valid {
		return pterm.LightGreen("valid")
	}
	return pterm.LightRed("INVALID")
}

// renderChainTable shows one row per block, flagging blocks whose stored hash
// or prev hash no longer checks out.
func renderChainTable(nodeID string, chain block.Chain) (string, error) {
	data := pterm.TableData{{"#", "Timestamp", "Data", "Nonce", "Prev hash", "Hash", "Check"}}

	for i, b := range chain {
		check := pterm.LightGreen("ok")
		if b.ComputeHash() != b.Hash {
			check = pterm.LightRed("hash mismatch")
		} else if i > 0 && b.PrevHash != chain[i-1].Hash {
			check = pterm.LightRed("broken link")
		}

		data = append(data, []string{
			strconv.Itoa(i),
			strconv.FormatFloat(b.Timestamp, 'f', 3, 64),
			b.Data,
			strconv.FormatUint(b.Nonce, 10),
			shortHash(b.PrevHash),
			shortHash(b.Hash),
			check,
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("Node %s: %d blocks, %s", nodeID, len(chain), validLabel(chain.IsValid()))
	return title + "\n" + table, nil
}

func renderStatusTable(statuses []protocol.NodeStatus) (string, error) {
	data := pterm.TableData{{"Node", "Length", "Tip", "State", "First broken block"}}

	for _, s := range statuses {
		broken := "-"
		if !s.Valid {
			broken = fmt.Sprintf("%d (%s)", s.BrokenIndex, s.Reason)
		}
		data = append(data, []string{
			s.NodeID,
			strconv.Itoa(s.Length),
			shortHash(s.TipHash),
			validLabel(s.Valid),
			broken,
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
}

func renderConsensusPanel(result protocol.ConsensusResponse) string {
	var lines []string
	for i, g := range result.Groups {
		tip := ""
		if len(g.Fingerprint) > 0 {
			tip = shortHash(g.Fingerprint[len(g.Fingerprint)-1])
		}
		lines = append(lines, fmt.Sprintf("group %d: %s (%d blocks, tip %s)",
			i+1, strings.Join(g.Members, ", "), len(g.Fingerprint), tip))
	}
	lines = append(lines, "",
		fmt.Sprintf("majority: %s", pterm.LightCyan(strings.Join(result.Members, ", "))),
		fmt.Sprintf("adopted by: %d nodes", len(result.Adopted)))

	box := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)
	return box.WithTitle(pterm.LightYellow("|CONSENSUS|")).WithTitleTopCenter().Sprint(strings.Join(lines, "\n"))
}
