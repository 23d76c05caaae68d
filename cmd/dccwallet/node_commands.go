package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/node"
	"github.com/urfave/cli/v2"
)

func nodeCommands() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Query a network's node directly",
		Subcommands: []*cli.Command{
			scriptInfoCommand(),
			txStatusCommand(),
			waitCommand(),
			broadcastCommand(),
		},
	}
}

func nodeFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		networkFlag(),
		&cli.StringFlag{
			Name:    "node-url",
			Usage:   "Override the network's node URL",
			EnvVars: []string{"DCC_NODE_URL"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per-request timeout",
			Value: 10 * time.Second,
		},
	}, extra...)
}

// nodeTarget resolves the network and builds a node client from the node
// flags.
func nodeTarget(c *cli.Context) (network.Descriptor, *node.Client, error) {
	d, err := network.Lookup(c.String("network"))
	if err != nil {
		return network.Descriptor{}, nil, err
	}
	if u := c.String("node-url"); u != "" {
		d.RPCEndpoint = u
	}
	cl := node.NewClient(node.Config{Timeout: c.Duration("timeout")}, nil, cliLogger(c))
	return d, cl, nil
}

func scriptInfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "script-info",
		Usage:     "Show whether an account has a script attached",
		ArgsUsage: "ADDRESS",
		Flags:     nodeFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			d, cl, err := nodeTarget(c)
			if err != nil {
				return err
			}
			info, err := cl.ScriptInfo(c.Context, d, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get script info: %w", err)
			}
			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Address:     %s\n", info.Address)
				fmt.Fprintf(w, "Smart:       %t\n", info.HasScript())
				if info.HasScript() {
					fmt.Fprintf(w, "Complexity:  %d\n", info.Complexity)
					fmt.Fprintf(w, "Extra Fee:   %d\n", info.ExtraFee)
				}
			})
		},
	}
}

func txStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx-status",
		Usage:     "Show a transaction's status",
		ArgsUsage: "TX_ID",
		Flags:     nodeFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction id is required")
			}
			d, cl, err := nodeTarget(c)
			if err != nil {
				return err
			}
			st, err := cl.TransactionStatus(c.Context, d, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction status: %w", err)
			}
			return output(c, st, func(w io.Writer) { printTxStatus(w, d, st) })
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until a transaction is in a block",
		ArgsUsage: "TX_ID",
		Flags: nodeFlags(
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Polling interval",
				Value: time.Second,
			},
			&cli.DurationFlag{
				Name:  "for",
				Usage: "How long to wait",
				Value: 2 * time.Minute,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction id is required")
			}
			d, cl, err := nodeTarget(c)
			if err != nil {
				return err
			}
			id := c.Args().First()

			if !jsonOutput(c) {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for %s on %s...\n", id, d.Name)
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("for"))
			defer cancel()

			st, err := pollStatus(ctx, cl, d, id, c.Duration("interval"))
			if err != nil {
				return err
			}
			if err := output(c, st, func(w io.Writer) { printTxStatus(w, d, st) }); err != nil {
				return err
			}
			if st.ScriptFailed() {
				return fmt.Errorf("transaction %s: script execution failed", id)
			}
			return nil
		},
	}
}

// pollStatus asks for the status until the transaction is in a block or ctx
// is done. Transient lookup errors are retried.
func pollStatus(ctx context.Context, cl *node.Client, d network.Descriptor, id string, interval time.Duration) (node.TxStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := cl.TransactionStatus(ctx, d, id)
		if err == nil && st.Terminal() {
			return st, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return node.TxStatus{}, fmt.Errorf("timed out waiting for %s: %w", id, lastErr)
			}
			return node.TxStatus{}, fmt.Errorf("timed out waiting for %s", id)
		case <-ticker.C:
		}
	}
}

func broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:      "broadcast",
		Usage:     "Broadcast a signed transaction (file or - for stdin)",
		ArgsUsage: "[FILE]",
		Flags:     nodeFlags(),
		Action: func(c *cli.Context) error {
			payload, err := readPayload(c)
			if err != nil {
				return err
			}
			d, cl, err := nodeTarget(c)
			if err != nil {
				return err
			}
			res, err := cl.Broadcast(c.Context, d, payload)
			if err != nil {
				return fmt.Errorf("failed to broadcast: %w", err)
			}
			link := network.TxLink(d, res.ID)
			return output(c, map[string]any{"id": res.ID, "explorer_link": link}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Broadcast %s\n", res.ID)
				if link != "" {
					fmt.Fprintf(w, "  %s\n", link)
				}
			})
		},
	}
}

func printTxStatus(w io.Writer, d network.Descriptor, st node.TxStatus) {
	fmt.Fprintf(w, "ID:             %s\n", st.ID)
	fmt.Fprintf(w, "Status:         %s\n", st.Status)
	if st.Height > 0 {
		fmt.Fprintf(w, "Height:         %d\n", st.Height)
		fmt.Fprintf(w, "Confirmations:  %d\n", st.Confirmations)
	}
	if st.ApplicationStatus != "" {
		fmt.Fprintf(w, "Application:    %s\n", st.ApplicationStatus)
	}
	if link := network.TxLink(d, st.ID); link != "" && st.Terminal() {
		fmt.Fprintf(w, "Explorer:       %s\n", link)
	}
}
