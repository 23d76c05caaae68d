// Package txpipeline drives a transaction through signing, broadcast and
// confirmation, and classifies how it ended.
package txpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/node"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/walleterr"
)

// Mode selects the connector call shape used to submit a transaction.
type Mode string

const (
	// ModeAuto uses ModeCombined when the connector supports it.
	ModeAuto Mode = "auto"
	// ModeCombined signs and publishes in one connector call.
	ModeCombined Mode = "combined"
	// ModeSplit signs with the connector and broadcasts through the node.
	ModeSplit Mode = "split"
)

// ParseMode validates a mode name. Empty means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeCombined, ModeSplit:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown transaction mode %q (want auto, combined or split)", s)
	}
}

// Status of a transaction. Everything but StatusSubmitted is terminal.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s will not change again.
func (s Status) Terminal() bool {
	return s != StatusSubmitted
}

// Notification texts.
const (
	MsgScriptExecutionFailed = "Script execution failed"
	MsgSuccess               = "Success"
	MsgViewTransaction       = "View transaction"
	MsgRejected              = "Transaction was not signed"
	MsgTimedOut              = "Transaction is not confirmed yet. It may still be confirmed later; check the explorer before retrying"
	MsgBroadcastFailed       = "The node did not accept the transaction"
)

// Intent is a transaction to submit. Payload is opaque to the pipeline.
type Intent struct {
	Payload json.RawMessage    `json:"payload"`
	Network network.Descriptor `json:"network"`
}

// Outcome is the state of one submitted transaction.
type Outcome struct {
	ID           string `json:"id,omitempty"`
	Status       Status `json:"status"`
	ExplorerLink string `json:"explorer_link,omitempty"`
	Network      string `json:"network,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Signer is the slice of the connector the pipeline uses.
type Signer interface {
	SignTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)
	SignAndPublishTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)
	Capabilities() connector.Capabilities
}

// NodeAPI is the slice of the node client the pipeline uses.
type NodeAPI interface {
	TransactionStatus(ctx context.Context, d network.Descriptor, id string) (node.TxStatus, error)
	Broadcast(ctx context.Context, d network.Descriptor, signedTx json.RawMessage) (node.BroadcastResult, error)
}

// Config tunes the pipeline.
type Config struct {
	Mode         Mode
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultConfig polls every second for up to two minutes.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeAuto,
		PollInterval: time.Second,
		Timeout:      2 * time.Minute,
	}
}

// Pipeline submits transactions. Calls are independent; the same intent
// submitted twice becomes two transactions.
type Pipeline struct {
	signer  Signer
	node    NodeAPI
	sink    notify.Sink
	clock   clock.Clock
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	observers []func(Outcome)
}

// New creates a pipeline. A nil clock uses the wall clock; zero config values
// fall back to DefaultConfig.
func New(signer Signer, nodeAPI NodeAPI, sink notify.Sink, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		signer:  signer,
		node:    nodeAPI,
		sink:    sink,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "tx_pipeline"),
	}
}

// OnOutcome registers fn to see every outcome the pipeline emits.
func (p *Pipeline) OnOutcome(fn func(Outcome)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// SignAndBroadcast submits intent in the background. The channel yields
// StatusSubmitted (once an id is known) followed by exactly one terminal
// outcome, then closes.
func (p *Pipeline) SignAndBroadcast(ctx context.Context, intent Intent) <-chan Outcome {
	out := make(chan Outcome, 2)
	go func() {
		defer close(out)
		p.run(ctx, intent, func(o Outcome) { out <- o })
	}()
	return out
}

// Run submits intent and blocks until the transaction is terminal. The error
// is nil for StatusConfirmed and StatusFailed: a failed script is a valid
// result, not a pipeline error.
func (p *Pipeline) Run(ctx context.Context, intent Intent) (Outcome, error) {
	return p.run(ctx, intent, func(Outcome) {})
}

func (p *Pipeline) run(ctx context.Context, intent Intent, emit func(Outcome)) (Outcome, error) {
	id, err := p.submit(ctx, intent)
	if err != nil {
		o := p.reject(ctx, intent, err)
		p.publish(emit, o)
		return o, err
	}

	p.submitted(ctx, intent.Network, id, emit)
	o, err := p.confirm(ctx, intent.Network, id)
	p.publish(emit, o)
	return o, err
}

// publish hands o to the caller's emit func and then to every observer.
func (p *Pipeline) publish(emit func(Outcome), o Outcome) {
	emit(o)
	p.mu.Lock()
	observers := append([]func(Outcome){}, p.observers...)
	p.mu.Unlock()
	for _, fn := range observers {
		fn(o)
	}
}

func (p *Pipeline) submitted(ctx context.Context, d network.Descriptor, id string, emit func(Outcome)) {
	p.logger.InfoContext(ctx, "transaction submitted",
		"tx_id", id,
		"network", d.Name,
	)
	n := notify.New(notify.TypeInfo, fmt.Sprintf("Transaction sent: %s", id))
	n.TxID = id
	notify.Emit(ctx, p.sink, n, p.logger)
	p.publish(emit, Outcome{ID: id, Status: StatusSubmitted, Network: d.Name})
}

// submit signs and publishes, returning the transaction id.
func (p *Pipeline) submit(ctx context.Context, intent Intent) (string, error) {
	if !json.Valid(intent.Payload) {
		return "", walleterr.New(walleterr.TransactionRejected, "transaction payload is not valid JSON")
	}

	if p.resolveMode() == ModeCombined {
		var raw json.RawMessage
		err := connector.Guard(p.metrics, "SignAndPublishTransaction", func() error {
			var err error
			raw, err = p.signer.SignAndPublishTransaction(ctx, intent.Payload)
			return err
		})
		if err != nil {
			return "", connector.Classify(walleterr.TransactionRejected, err, MsgRejected)
		}
		tx, err := connector.ParseSignedTx(raw)
		if err != nil {
			return "", walleterr.Wrap(walleterr.ConnectorCallFailed, err, "connector returned an unreadable transaction")
		}
		return tx.ID, nil
	}

	tx, err := p.Sign(ctx, intent)
	if err != nil {
		return "", err
	}
	res, err := p.node.Broadcast(ctx, intent.Network, tx.Raw)
	if err != nil {
		return "", broadcastError(err)
	}
	if res.ID != tx.ID {
		p.logger.WarnContext(ctx, "node echoed a different transaction id",
			"signed_id", tx.ID,
			"broadcast_id", res.ID,
		)
	}
	return res.ID, nil
}

func (p *Pipeline) resolveMode() Mode {
	switch p.cfg.Mode {
	case ModeCombined, ModeSplit:
		return p.cfg.Mode
	}
	if p.signer.Capabilities().SignAndPublish {
		return ModeCombined
	}
	return ModeSplit
}

// Sign asks the connector to sign intent without publishing it.
func (p *Pipeline) Sign(ctx context.Context, intent Intent) (connector.SignedTx, error) {
	if !json.Valid(intent.Payload) {
		return connector.SignedTx{}, walleterr.New(walleterr.TransactionRejected, "transaction payload is not valid JSON")
	}
	var raw json.RawMessage
	err := connector.Guard(p.metrics, "SignTransaction", func() error {
		var err error
		raw, err = p.signer.SignTransaction(ctx, intent.Payload)
		return err
	})
	if err != nil {
		return connector.SignedTx{}, connector.Classify(walleterr.TransactionRejected, err, MsgRejected)
	}
	tx, err := connector.ParseSignedTx(raw)
	if err != nil {
		return connector.SignedTx{}, walleterr.Wrap(walleterr.ConnectorCallFailed, err, "connector returned an unreadable transaction")
	}
	return tx, nil
}

// Broadcast publishes an already signed transaction through the node and
// waits for it like Run does. Observers see the same outcomes as for Run.
func (p *Pipeline) Broadcast(ctx context.Context, d network.Descriptor, tx connector.SignedTx) (Outcome, error) {
	noop := func(Outcome) {}
	res, err := p.node.Broadcast(ctx, d, tx.Raw)
	if err != nil {
		we := broadcastError(err)
		o := p.reject(ctx, Intent{Network: d}, we)
		p.publish(noop, o)
		return o, we
	}

	p.submitted(ctx, d, res.ID, noop)
	o, err := p.confirm(ctx, d, res.ID)
	p.publish(noop, o)
	return o, err
}

func (p *Pipeline) reject(ctx context.Context, intent Intent, err error) Outcome {
	we := connector.Classify(walleterr.TransactionRejected, err, MsgRejected)
	p.logger.WarnContext(ctx, "transaction rejected",
		"network", intent.Network.Name,
		"kind", we.Kind.String(),
		"error", err,
	)
	p.metrics.RecordTxOutcome(string(StatusRejected), intent.Network.Name)
	notify.Emit(ctx, p.sink, notify.FromError(we), p.logger)
	return Outcome{
		Status:  StatusRejected,
		Network: intent.Network.Name,
		Kind:    we.Kind.String(),
		Reason:  reasonOf(we),
	}
}

// confirm polls the node until the transaction is terminal or the timeout
// elapses. Each status call is bounded by the same deadline, and the ticker
// is stopped on every exit path.
func (p *Pipeline) confirm(ctx context.Context, d network.Descriptor, id string) (Outcome, error) {
	start := p.clock.Now()
	ticker := p.clock.Ticker(p.cfg.PollInterval)
	defer ticker.Stop()
	pollCtx, cancel := p.clock.WithDeadline(ctx, start.Add(p.cfg.Timeout))
	defer cancel()

	for {
		status, err := p.node.TransactionStatus(pollCtx, d, id)
		switch {
		case err != nil:
			p.metrics.RecordTxPoll("error")
			p.logger.DebugContext(ctx, "transaction status poll failed",
				"tx_id", id,
				"error", err,
			)
		case status.Terminal() && status.ScriptFailed():
			p.metrics.RecordTxPoll(status.Status)
			return p.finish(ctx, d, id, StatusFailed, start), nil
		case status.Terminal():
			p.metrics.RecordTxPoll(status.Status)
			return p.finish(ctx, d, id, StatusConfirmed, start), nil
		default:
			p.metrics.RecordTxPoll(status.Status)
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			o := p.finish(ctx, d, id, StatusTimedOut, start)
			if err := ctx.Err(); err != nil {
				return o, walleterr.Wrap(walleterr.ConfirmationTimeout, err, MsgTimedOut)
			}
			return o, walleterr.New(walleterr.ConfirmationTimeout, MsgTimedOut)
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, d network.Descriptor, id string, status Status, start time.Time) Outcome {
	link := network.TxLink(d, id)
	o := Outcome{ID: id, Status: status, Network: d.Name}

	var n notify.Notification
	switch status {
	case StatusConfirmed:
		o.ExplorerLink = link
		n = notify.New(notify.TypeSuccess, MsgSuccess).WithLink(link, MsgViewTransaction)
	case StatusFailed:
		o.ExplorerLink = link
		o.Kind = walleterr.TransactionExecutionFailed.String()
		o.Reason = MsgScriptExecutionFailed
		n = notify.New(notify.TypeError, MsgScriptExecutionFailed).WithLink(link, MsgViewTransaction)
		n.Kind = o.Kind
	case StatusTimedOut:
		o.ExplorerLink = link
		o.Kind = walleterr.ConfirmationTimeout.String()
		o.Reason = MsgTimedOut
		n = notify.New(notify.TypeError, MsgTimedOut).WithLink(link, MsgViewTransaction)
		n.Kind = o.Kind
	}
	n.TxID = id

	elapsed := p.clock.Since(start)
	p.logger.InfoContext(ctx, "transaction finished",
		"tx_id", id,
		"status", string(status),
		"network", d.Name,
		"elapsed", elapsed,
	)
	p.metrics.RecordTxOutcome(string(status), d.Name)
	p.metrics.RecordTxConfirmation(string(status), elapsed.Seconds())
	notify.Emit(context.WithoutCancel(ctx), p.sink, n, p.logger)
	return o
}

// broadcastError classifies a node broadcast failure, surfacing the node's
// own message when it sent one.
func broadcastError(err error) *walleterr.Error {
	we := walleterr.Wrap(walleterr.TransactionRejected, err, MsgBroadcastFailed)
	var apiErr *node.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		we.Title = MsgBroadcastFailed
		we.Message = apiErr.Message
	}
	return we
}

func reasonOf(we *walleterr.Error) string {
	if we.Message != "" {
		return we.Message
	}
	return we.Title
}
