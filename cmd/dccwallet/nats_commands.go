package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/dccwallet/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand follows wallet events published by the daemon.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to wallet events",
		ArgsUsage: "[notifications|tx|all]",
		Description: `Subscribe to events the daemon publishes to NATS JetStream.

Notifications are published to wallet.notifications.{type} and terminal
transaction outcomes to wallet.tx.{status}.

Example:
  dccwallet nats subscribe tx --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "dccwallet-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := subjectFor(c.Args().First())
			if err != nil {
				return err
			}
			return streamEvents(c, subject, c.Bool("durable"), c.String("consumer-name"))
		},
	}
}

// subjectFor maps a subscribe argument to a subject filter.
func subjectFor(which string) (string, error) {
	switch which {
	case "", "all":
		return natspkg.StreamSubjects, nil
	case "notifications":
		return natspkg.NotificationSubjectPrefix + ".>", nil
	case "tx":
		return natspkg.OutcomeSubjectPrefix + ".>", nil
	default:
		return "", fmt.Errorf("unknown event kind %q (want notifications, tx or all)", which)
	}
}

// streamEvents connects to NATS and prints events until interrupted.
func streamEvents(c *cli.Context, subject string, durable bool, consumerName string) error {
	natsURL := c.String("nats-url")
	jsonOut := jsonOutput(c)

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOut {
		fmt.Fprintf(c.App.ErrWriter, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(c.App.ErrWriter, "   NATS: %s\n", natsURL)
		if durable {
			fmt.Fprintf(c.App.ErrWriter, "   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Fprintf(c.App.ErrWriter, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			if err := printEvent(c, msg.Subject(), msg.Data()); err != nil {
				fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
			} else {
				count++
			}
			msg.Ack()

		case <-ctx.Done():
			if !jsonOut {
				fmt.Fprintf(c.App.ErrWriter, "\n\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

// printEvent decodes an event by its subject and prints it.
func printEvent(c *cli.Context, subject string, data []byte) error {
	switch {
	case strings.HasPrefix(subject, natspkg.NotificationSubjectPrefix+"."):
		var event natspkg.NotificationEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		return output(c, event, func(w io.Writer) {
			fmt.Fprintf(w, "[%s] notification %-7s %s\n", event.PublishedAt.Local().Format(time.TimeOnly), event.Type, event.Message)
			if event.Link != "" {
				fmt.Fprintf(w, "           %s\n", event.Link)
			}
		})

	case strings.HasPrefix(subject, natspkg.OutcomeSubjectPrefix+"."):
		var event natspkg.OutcomeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		return output(c, event, func(w io.Writer) {
			fmt.Fprintf(w, "[%s] tx %-10s %s\n", event.PublishedAt.Local().Format(time.TimeOnly), event.Status, event.TxID)
			if event.Reason != "" {
				fmt.Fprintf(w, "           %s\n", event.Reason)
			}
			if event.ExplorerLink != "" {
				fmt.Fprintf(w, "           %s\n", event.ExplorerLink)
			}
		})

	default:
		return fmt.Errorf("unexpected subject %q", subject)
	}
}

// inspectStreamCommand shows information about the wallet JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the WALLET JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}
