package main

import (
	"errors"
	"fmt"
	"os"
	"pow-ledger/api"
	"pow-ledger/config"
	"pow-ledger/logger"
	"pow-ledger/network"
	"pow-ledger/protocol"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

var log = logger.Logger

const defaultServer = "http://localhost:8080"

func newApp() *cli.App {
	return &cli.App{
		Name:  "pow-ledger",
		Usage: "Proof-of-work ledger client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   defaultServer,
				Usage:   "Base URL of a running pow-ledger-api",
				EnvVars: []string{"POW_LEDGER_SERVER"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			return logger.Configure(logger.Options{Level: c.String("log-level")})
		},
		Commands: []*cli.Command{
			{
				Name:  "demo",
				Usage: "Run the three node tamper and consensus walkthrough in-process",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a TOML config file"},
					&cli.UintFlag{Name: "difficulty", Aliases: []string{"d"}, Usage: "Override the configured difficulty"},
				},
				Action: runDemo,
			},
			{
				Name:   "status",
				Usage:  "Show length, tip and validity of every node",
				Action: runStatus,
			},
			{
				Name:      "chain",
				Usage:     "Show every block held by a node",
				ArgsUsage: "<node>",
				Action:    runChain,
			},
			{
				Name:      "append",
				Usage:     "Mine data onto a node's chain",
				ArgsUsage: "<node> <data>",
				Action:    runAppend,
			},
			{
				Name:      "tamper",
				Usage:     "Corrupt one block without repairing the chain",
				ArgsUsage: "<node> <index> <data>",
				Action:    runTamper,
			},
			{
				Name:      "rewrite",
				Usage:     "Change one block and re-mine everything after it",
				ArgsUsage: "<node> <index> <data>",
				Action:    runRewrite,
			},
			{
				Name:      "sync",
				Usage:     "Make target adopt source's chain",
				ArgsUsage: "<target> <source>",
				Action:    runSync,
			},
			{
				Name:   "consensus",
				Usage:  "Adopt the majority chain on every node",
				Action: runConsensus,
			},
			{
				Name:      "export",
				Usage:     "Print a node's chain in the portable JSON form",
				ArgsUsage: "<node>",
				Action:    runExport,
			},
			{
				Name:      "import",
				Usage:     "Replace a node's chain with a portable JSON file",
				ArgsUsage: "<node> <file>",
				Action:    runImport,
			},
			{
				Name:      "checkpoint",
				Usage:     "Save a node's chain under a name",
				ArgsUsage: "<node> <name>",
				Action:    runCheckpoint,
			},
			{
				Name:      "restore",
				Usage:     "Load a named checkpoint into a node",
				ArgsUsage: "<node> <name>",
				Action:    runRestore,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *api.Client {
	return api.NewClient(c.String("server"))
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s expects %d arguments: %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func indexArg(c *cli.Context, pos int) (int, error) {
	index, err := strconv.Atoi(c.Args().Get(pos))
	if err != nil {
		return 0, fmt.Errorf("invalid block index %q", c.Args().Get(pos))
	}
	return index, nil
}

func printStatus(statuses []protocol.NodeStatus) error {
	table, err := renderStatusTable(statuses)
	if err != nil {
		return err
	}
	pterm.Println(table)
	return nil
}

func runStatus(c *cli.Context) error {
	nodes, err := client(c).Status(c.Context)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%d nodes at difficulty %d", nodes.NodeCount, nodes.Difficulty)
	return printStatus(nodes.Nodes)
}

func runChain(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	resp, err := client(c).GetChain(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	table, err := renderChainTable(resp.NodeID, resp.Blocks)
	if err != nil {
		return err
	}
	pterm.Println(table)
	return nil
}

func runAppend(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	mined, err := client(c).Append(c.Context, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Mined block with nonce %d, hash %s", mined.Nonce, mined.Hash)
	return nil
}

func runTamper(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	index, err := indexArg(c, 1)
	if err != nil {
		return err
	}
	if err := client(c).Tamper(c.Context, c.Args().Get(0), index, c.Args().Get(2)); err != nil {
		return err
	}
	pterm.Warning.Printfln("Block %d of node %s corrupted", index, c.Args().Get(0))
	return nil
}

func runRewrite(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	index, err := indexArg(c, 1)
	if err != nil {
		return err
	}
	if err := client(c).RewriteHistory(c.Context, c.Args().Get(0), index, c.Args().Get(2)); err != nil {
		return err
	}
	pterm.Warning.Printfln("History of node %s rewritten from block %d", c.Args().Get(0), index)
	return nil
}

func runSync(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	if err := client(c).Sync(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	pterm.Success.Printfln("Node %s now holds the chain of node %s", c.Args().Get(0), c.Args().Get(1))
	return nil
}

func runConsensus(c *cli.Context) error {
	result, err := client(c).ResolveConsensus(c.Context)
	if err != nil {
		return err
	}
	pterm.Println(renderConsensusPanel(result))
	return nil
}

func runExport(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	data, err := client(c).Export(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}

func runImport(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}
	if err := client(c).Import(c.Context, c.Args().Get(0), data); err != nil {
		return err
	}
	pterm.Success.Printfln("Chain imported into node %s", c.Args().Get(0))
	return nil
}

func runCheckpoint(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	if err := client(c).Checkpoint(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	pterm.Success.Printfln("Checkpoint %s saved from node %s", c.Args().Get(1), c.Args().Get(0))
	return nil
}

func runRestore(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	if err := client(c).Restore(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	pterm.Success.Printfln("Checkpoint %s restored into node %s", c.Args().Get(1), c.Args().Get(0))
	return nil
}

// runDemo walks through the classroom scenario on the first three configured
// nodes: two nodes agree, one diverges and is tampered with, consensus repairs it.
func runDemo(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("difficulty") {
		cfg.Difficulty = c.Uint("difficulty")
	}
	cfg.BroadcastOnAppend = false
	if len(cfg.Nodes) < 3 {
		return errors.New("the demo needs at least three nodes")
	}

	nodes, err := network.New(cfg)
	if err != nil {
		return err
	}
	defer nodes.Close()

	a, b, cNode := cfg.Nodes[0], cfg.Nodes[1], cfg.Nodes[2]

	pterm.DefaultSection.Println("Shared history")
	for _, id := range cfg.Nodes {
		if id == b {
			continue
		}
		if err := nodes.Sync(id, b); err != nil {
			return err
		}
	}
	if _, err := nodes.Append(b, "alice pays bob 5"); err != nil {
		return err
	}
	if err := nodes.Sync(cNode, b); err != nil {
		return err
	}
	if err := showDemoStatus(nodes); err != nil {
		return err
	}

	pterm.DefaultSection.Printfln("Node %s diverges and is tampered with", a)
	if _, err := nodes.Append(a, "bob pays carol 7"); err != nil {
		return err
	}
	if err := nodes.Tamper(a, 1, "alice pays mallory 500"); err != nil {
		return err
	}
	chain, err := nodes.GetChain(a)
	if err != nil {
		return err
	}
	table, err := renderChainTable(a, chain)
	if err != nil {
		return err
	}
	pterm.Println(table)
	if err := showDemoStatus(nodes); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Consensus")
	result, err := nodes.ResolveConsensus()
	if err != nil {
		return err
	}
	pterm.Println(renderConsensusPanel(protocol.NewConsensusResponse(result)))
	if err := showDemoStatus(nodes); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"majority": result.Members,
		"length":   len(result.Winner),
	}).Debug("Demo finished")
	pterm.Success.Println("Every node holds the majority chain again")
	return nil
}

func showDemoStatus(nodes *network.Network) error {
	statuses, err := nodes.Status()
	if err != nil {
		return err
	}
	return printStatus(statuses)
}
