package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/dccwallet/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the dccwallet daemon",
		Subcommands: []*cli.Command{
			stateCommand(),
			loginCommand(),
			logoutCommand(),
			sendCommand(),
			signCommand(),
			notificationsCommand(),
			streamCommand(),
		},
	}
}

func newClient(c *cli.Context, timeout time.Duration) *client.Client {
	var httpClient *http.Client
	if timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client.NewClient(c.String("server-url"), httpClient, cliLogger(c))
}

// readPayload reads a JSON document from the FILE argument, or stdin when
// the argument is "-" or missing.
func readPayload(c *cli.Context) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch path := c.Args().First(); path {
	case "", "-":
		data, err = io.ReadAll(c.App.Reader)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("transaction is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the connection state",
		Action: func(c *cli.Context) error {
			st, err := newClient(c, 0).State(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get state: %w", err)
			}
			return output(c, st, func(w io.Writer) { printState(w, st) })
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in with the connector's active account",
		Action: func(c *cli.Context) error {
			st, err := newClient(c, 0).Login(c.Context)
			if client.IsKind(err, "authorization_pending") && !jsonOutput(c) {
				fmt.Fprintln(c.App.ErrWriter, "Approve this site in the connector, then run login again.")
			}
			if err != nil {
				return fmt.Errorf("failed to log in: %w", err)
			}
			return output(c, st, func(w io.Writer) {
				fmt.Fprintln(w, "✓ Logged in")
				printState(w, st)
			})
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the connected account",
		Action: func(c *cli.Context) error {
			st, err := newClient(c, 0).Logout(c.Context)
			if err != nil {
				return fmt.Errorf("failed to log out: %w", err)
			}
			return output(c, st, func(w io.Writer) {
				fmt.Fprintln(w, "✓ Logged out")
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Sign and broadcast a transaction (file or - for stdin)",
		ArgsUsage: "[FILE]",
		Description: `Submit a transaction through the connector. The user approves it in the
extension; with --wait the command blocks until the transaction is confirmed,
fails, is rejected or times out.

Example:
  echo '{"type":4,"data":{"amount":100,"recipient":"3P..."}}' | dccwallet client send --wait`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Wait for the terminal outcome",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the daemon",
			},
		},
		Action: func(c *cli.Context) error {
			payload, err := readPayload(c)
			if err != nil {
				return err
			}

			wait := c.Bool("wait")
			if wait && !jsonOutput(c) {
				fmt.Fprintln(c.App.ErrWriter, "Waiting for approval and confirmation...")
			}

			// add a buffer beyond the daemon's own confirmation timeout
			timeout := c.Duration("timeout")
			out, err := newClient(c, timeout+30*time.Second).SendTransaction(c.Context, payload, wait)
			if err != nil {
				return fmt.Errorf("failed to send transaction: %w", err)
			}
			if err := output(c, out, func(w io.Writer) { printOutcome(w, out) }); err != nil {
				return err
			}
			switch out.Status {
			case "submitted", "confirmed":
				return nil
			default:
				return fmt.Errorf("transaction %s", out.Status)
			}
		},
	}
}

func signCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Sign a transaction without publishing it (file or - for stdin)",
		ArgsUsage: "[FILE]",
		Action: func(c *cli.Context) error {
			payload, err := readPayload(c)
			if err != nil {
				return err
			}
			tx, err := newClient(c, 5*time.Minute).SignTransaction(c.Context, payload)
			if err != nil {
				return fmt.Errorf("failed to sign transaction: %w", err)
			}
			return output(c, tx, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Signed %s\n", tx.ID)
				fmt.Fprintln(w, string(tx.Raw))
			})
		},
	}
}

func notificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "Show recent notifications",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
				Usage:   "Maximum number of notifications",
			},
		},
		Action: func(c *cli.Context) error {
			ns, err := newClient(c, 0).RecentNotifications(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to get notifications: %w", err)
			}
			return output(c, ns, func(w io.Writer) {
				if len(ns) == 0 {
					fmt.Fprintln(w, "No notifications")
				}
				for _, n := range ns {
					printNotification(w, n)
				}
			})
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream notifications via SSE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "filter",
				Aliases: []string{"f"},
				Usage:   `jq expression evaluated by the daemon, e.g. '.type == "error"'`,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !jsonOutput(c) {
				fmt.Fprintf(c.App.ErrWriter, "Streaming notifications from %s... (Ctrl+C to stop)\n\n", c.String("server-url"))
			}

			err := newClient(c, 0).StreamNotifications(ctx, c.String("filter"), func(n client.Notification) error {
				if jsonOutput(c) {
					return writeJSON(c.App.Writer, n, c.String("jq"))
				}
				printNotification(c.App.Writer, n)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("stream failed: %w", err)
			}
			return nil
		},
	}
}

func printState(w io.Writer, st *client.State) {
	fmt.Fprintf(w, "Connection:  %s\n", st.Connection)
	if st.Browser != "" {
		fmt.Fprintf(w, "Browser:     %s\n", st.Browser)
	}
	if st.Account != nil {
		fmt.Fprintf(w, "Address:     %s\n", st.Account.Address)
		if st.Account.Name != "" {
			fmt.Fprintf(w, "Name:        %s\n", st.Account.Name)
		}
		fmt.Fprintf(w, "Network:     %s\n", st.Account.Network.Name)
		fmt.Fprintf(w, "Smart:       %t\n", st.Account.IsSmartAccount)
	}
}

func printOutcome(w io.Writer, out *client.Outcome) {
	fmt.Fprintf(w, "Status:    %s\n", out.Status)
	if out.ID != "" {
		fmt.Fprintf(w, "ID:        %s\n", out.ID)
	}
	if out.Network != "" {
		fmt.Fprintf(w, "Network:   %s\n", out.Network)
	}
	if out.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", out.Reason)
	}
	if out.ExplorerLink != "" {
		fmt.Fprintf(w, "Explorer:  %s\n", out.ExplorerLink)
	}
}

func printNotification(w io.Writer, n client.Notification) {
	ts := n.CreatedAt.Local().Format(time.TimeOnly)
	if n.Title != "" {
		fmt.Fprintf(w, "[%s] %-7s %s: %s\n", ts, n.Type, n.Title, n.Message)
	} else {
		fmt.Fprintf(w, "[%s] %-7s %s\n", ts, n.Type, n.Message)
	}
	if n.Link != "" {
		fmt.Fprintf(w, "           %s\n", n.Link)
	}
}
