package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if err := newClient(c, c.Duration("timeout")).Health(ctx); err != nil {
				return fmt.Errorf("server is unhealthy: %w", err)
			}

			return output(c, map[string]string{"status": "ok", "url": serverURL}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Server is healthy\n")
				fmt.Fprintf(w, "  URL: %s\n", serverURL)
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			info := map[string]string{"version": version, "commit": commit, "built": date}
			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "dccwallet CLI\n")
				fmt.Fprintf(w, "  Version: %s\n", version)
				fmt.Fprintf(w, "  Commit:  %s\n", commit)
				fmt.Fprintf(w, "  Built:   %s\n", date)
			})
		},
	}
}
