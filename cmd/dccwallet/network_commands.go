package main

import (
	"fmt"
	"io"

	"github.com/brojonat/dccwallet/service/network"
	"github.com/urfave/cli/v2"
)

func networkCommands() *cli.Command {
	return &cli.Command{
		Name:  "network",
		Usage: "Inspect supported networks and addresses (offline)",
		Subcommands: []*cli.Command{
			networkListCommand(),
			networkResolveCommand(),
			explorerLinkCommand(),
			addressCommand(),
			checkAddressCommand(),
		},
	}
}

func networkListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List supported networks",
		Action: func(c *cli.Context) error {
			networks := network.All()
			return output(c, networks, func(w io.Writer) {
				fmt.Fprintf(w, "%-4s %-5s %-10s %s\n", "BYTE", "CODE", "NAME", "NODE")
				for _, d := range networks {
					fmt.Fprintf(w, "%-4d %-5s %-10s %s\n", d.ID, d.Code, d.Name, d.RPCEndpoint)
				}
			})
		},
	}
}

func networkResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a network by byte, code or name",
		ArgsUsage: "NETWORK",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("network is required (e.g. 63, ?, mainnet)")
			}
			d, err := network.Lookup(c.Args().First())
			if err != nil {
				return err
			}
			return output(c, d, func(w io.Writer) { printNetwork(w, d) })
		},
	}
}

func explorerLinkCommand() *cli.Command {
	return &cli.Command{
		Name:      "explorer-link",
		Usage:     "Build an explorer link for a transaction or address",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			networkFlag(),
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Resource kind: tx or address",
				Value: network.ResourceTx,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction id or address is required")
			}
			d, err := network.Lookup(c.String("network"))
			if err != nil {
				return err
			}
			kind := c.String("kind")
			if kind != network.ResourceTx && kind != network.ResourceAddress {
				return fmt.Errorf("unknown kind %q (want tx or address)", kind)
			}
			link := network.ExplorerLink(d, kind, c.Args().First())
			if link == "" {
				return fmt.Errorf("%s has no explorer", d.Name)
			}
			return output(c, map[string]string{"link": link}, func(w io.Writer) {
				fmt.Fprintln(w, link)
			})
		},
	}
}

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:      "address",
		Usage:     "Derive the address of a base58 public key",
		ArgsUsage: "PUBLIC_KEY",
		Flags:     []cli.Flag{networkFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("public key is required")
			}
			d, err := network.Lookup(c.String("network"))
			if err != nil {
				return err
			}
			addr, err := network.AddressFromPublicKey(c.Args().First(), d.ID)
			if err != nil {
				return err
			}
			return output(c, map[string]string{"address": addr, "network": d.Name}, func(w io.Writer) {
				fmt.Fprintln(w, addr)
			})
		},
	}
}

func checkAddressCommand() *cli.Command {
	return &cli.Command{
		Name:      "check-address",
		Usage:     "Validate an address and report its network",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			chainID, err := network.AddressChainID(c.Args().First())
			if err != nil {
				return err
			}
			result := map[string]any{"address": c.Args().First(), "network_byte": chainID}
			d, err := network.Resolve(chainID)
			if err == nil {
				result["network"] = d.Name
			}
			return output(c, result, func(w io.Writer) {
				if d.Name != "" {
					fmt.Fprintf(w, "✓ Valid %s address\n", d.Name)
				} else {
					fmt.Fprintf(w, "✓ Valid address for unsupported network byte %d\n", chainID)
				}
			})
		},
	}
}

func networkFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "network",
		Aliases: []string{"n"},
		Usage:   "Network byte, code or name",
		Value:   "mainnet",
		EnvVars: []string{"DCC_NETWORK"},
	}
}

func printNetwork(w io.Writer, d network.Descriptor) {
	fmt.Fprintf(w, "Name:      %s\n", d.Name)
	fmt.Fprintf(w, "Byte:      %d\n", d.ID)
	fmt.Fprintf(w, "Code:      %s\n", d.Code)
	fmt.Fprintf(w, "Node:      %s\n", d.RPCEndpoint)
	if d.ExplorerOrigin != "" {
		fmt.Fprintf(w, "Explorer:  %s\n", d.ExplorerOrigin)
	}
	if d.SignerOrigin != "" {
		fmt.Fprintf(w, "Signer:    %s\n", d.SignerOrigin)
	}
}
