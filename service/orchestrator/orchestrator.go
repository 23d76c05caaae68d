// Package orchestrator wires the connector probe, session, account sync and
// transaction pipeline into one wallet connection.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brojonat/dccwallet/service/account"
	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/brojonat/dccwallet/service/walleterr"
)

// Messages surfaced by the orchestrator.
const (
	MsgUnsupportedBrowser = "you use unsupported browser"
	MsgMore               = "more"
	MsgNotInstalled       = "connector is not installed"
	MsgInstall            = "install the connector"
	DefaultInstallURL     = "https://decentralchain.io/cubensis-connect"
)

// Config tunes the orchestrator.
type Config struct {
	ProbeAttempts     int
	ProbeInterval     time.Duration
	SupportedBrowsers []string
	InstallURL        string
	Pipeline          txpipeline.Config
}

// DefaultConfig probes twice, a second apart.
func DefaultConfig() Config {
	return Config{
		ProbeAttempts:     2,
		ProbeInterval:     time.Second,
		SupportedBrowsers: connector.DefaultSupportedBrowsers,
		InstallURL:        DefaultInstallURL,
		Pipeline:          txpipeline.DefaultConfig(),
	}
}

// NodeAPI is everything the orchestrator needs from the node client.
type NodeAPI interface {
	account.ScriptChecker
	txpipeline.NodeAPI
}

// State is a snapshot of the whole connection.
type State struct {
	Connection connector.ConnectionState `json:"connection"`
	Browser    string                    `json:"browser,omitempty"`
	Account    *account.Account          `json:"account,omitempty"`
	Network    *network.Descriptor       `json:"network,omitempty"`
}

// Orchestrator owns one wallet connection. Each Start begins a new page
// session with a fresh probe and session; the account view is shared.
type Orchestrator struct {
	conn     connector.Connector
	sync     *account.Sync
	pipeline *txpipeline.Pipeline
	sink     notify.Sink
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	env     connector.Environment
	session *connector.Session
	probe   *connector.Probe
}

// New creates an orchestrator. Nothing runs until Start.
func New(conn connector.Connector, nodeAPI NodeAPI, sink notify.Sink, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if len(cfg.SupportedBrowsers) == 0 {
		cfg.SupportedBrowsers = def.SupportedBrowsers
	}
	if cfg.InstallURL == "" {
		cfg.InstallURL = def.InstallURL
	}
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.With("component", "orchestrator")

	o := &Orchestrator{
		conn:    conn,
		sync:    account.NewSync(nodeAPI, sink, m, logger),
		sink:    sink,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
	o.pipeline = txpipeline.New(conn, nodeAPI, sink, clk, cfg.Pipeline, m, logger)
	o.session = connector.NewSession(conn, o.sync, sink, m, logger)
	return o
}

// Pipeline exposes the transaction pipeline, e.g. to observe outcomes.
func (o *Orchestrator) Pipeline() *txpipeline.Pipeline { return o.pipeline }

// Accounts exposes the account view, e.g. to observe changes.
func (o *Orchestrator) Accounts() *account.Sync { return o.sync }

// Start runs the connection setup for the page session described by env:
// browser check, probe, handshake, authorization and update subscription.
// It blocks until the setup finished or failed. An unsupported browser gets a
// warning and nothing else runs. Pending authorization is not an error.
func (o *Orchestrator) Start(ctx context.Context, env connector.Environment) error {
	browser := ""
	if env != nil {
		browser = env.Browser()
	}

	o.mu.Lock()
	restart := o.probe != nil
	if restart {
		o.probe.Stop()
	}
	o.env = env
	session := connector.NewSession(o.conn, o.sync, o.sink, o.metrics, o.logger)
	o.session = session
	probe := connector.NewProbe(o.conn, o.clock, o.metrics, o.logger)
	o.probe = probe
	o.mu.Unlock()

	if restart {
		// a new page session starts logged out
		if err := o.sync.ApplySnapshot(ctx, connector.Snapshot{}); err != nil {
			o.logger.WarnContext(ctx, "failed to reset account state", "error", err)
		}
	}

	if !connector.BrowserSupported(browser, o.cfg.SupportedBrowsers) {
		o.logger.WarnContext(ctx, "unsupported browser, not probing for the connector", "browser", browser)
		n := notify.New(notify.TypeWarning, MsgUnsupportedBrowser).WithLink(o.cfg.InstallURL, MsgMore)
		n.Kind = walleterr.EnvironmentUnsupported.String()
		notify.Emit(ctx, o.sink, n, o.logger)
		return walleterr.New(walleterr.EnvironmentUnsupported, MsgUnsupportedBrowser)
	}

	state := session.TrackProbe(ctx, probe.Start(ctx, o.cfg.ProbeAttempts, o.cfg.ProbeInterval))
	switch state {
	case connector.StateFound:
	case connector.StateNotFound:
		o.logger.WarnContext(ctx, "connector not found", "browser", browser)
		return walleterr.New(walleterr.ConnectorNotFound, MsgNotInstalled)
	default:
		return walleterr.Wrap(walleterr.ConnectorNotFound, ctx.Err(), "connector probe was cancelled")
	}

	return o.setup(ctx, session)
}

// setup runs handshake, authorization and subscription on session.
func (o *Orchestrator) setup(ctx context.Context, session *connector.Session) error {
	select {
	case err := <-session.Initialize(ctx):
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return walleterr.Wrap(walleterr.ConnectorCallFailed, ctx.Err(), "connector handshake was cancelled")
	}

	err := session.Authorize(ctx)
	if walleterr.IsKind(err, walleterr.AuthorizationPending) {
		return nil
	}
	return err
}

func (o *Orchestrator) currentSession() *connector.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Login asks the connector for its account. A connector that was found but
// never finished the handshake is set up first. If no account comes back the
// user is told the connector is missing.
func (o *Orchestrator) Login(ctx context.Context) (State, error) {
	session := o.currentSession()
	current := session.State()

	var err error
	switch {
	case current == connector.StateFound || current == connector.StateUninitialized:
		err = o.setup(ctx, session)
	case current.Ready():
		err = session.Authorize(ctx)
	default:
		err = walleterr.New(walleterr.ConnectorNotFound, MsgNotInstalled)
	}

	if _, ok := o.sync.Account(); ok && err == nil {
		return o.State(), nil
	}
	if err == nil || walleterr.IsKind(err, walleterr.AuthorizationPending) {
		return o.State(), walleterr.New(walleterr.AuthorizationPending, "approve this site in the connector to log in")
	}

	we := connector.Classify(walleterr.ConnectorNotFound, err, MsgNotInstalled)
	if we.Kind == walleterr.ConnectorNotFound {
		n := notify.New(notify.TypeError, we.Message).WithLink(o.cfg.InstallURL, MsgInstall)
		n.Title = MsgNotInstalled
		n.Kind = we.Kind.String()
		notify.Emit(ctx, o.sink, n, o.logger)
	}
	return o.State(), we
}

// Logout drops the authorization and forgets the account.
func (o *Orchestrator) Logout(ctx context.Context) State {
	o.currentSession().Logout(ctx)
	return o.State()
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	session, env := o.session, o.env
	o.mu.Unlock()

	st := o.sync.Current()
	out := State{
		Connection: session.State(),
		Account:    st.Account,
		Network:    st.Network,
	}
	if env != nil {
		out.Browser = env.Browser()
	}
	return out
}

// intent builds a transaction intent for the held network.
func (o *Orchestrator) intent(payload json.RawMessage) (txpipeline.Intent, error) {
	if o.currentSession().State() != connector.StateAuthorized {
		return txpipeline.Intent{}, walleterr.New(walleterr.AuthorizationPending, "log in with the connector first")
	}
	acc, ok := o.sync.Account()
	if !ok {
		return txpipeline.Intent{}, walleterr.New(walleterr.AuthorizationPending, "no account is connected")
	}
	return txpipeline.Intent{Payload: payload, Network: acc.Network}, nil
}

// SendTx signs, broadcasts and confirms a transaction on the connected
// account's network. See txpipeline.Pipeline.SignAndBroadcast.
func (o *Orchestrator) SendTx(ctx context.Context, payload json.RawMessage) (<-chan txpipeline.Outcome, error) {
	intent, err := o.intent(payload)
	if err != nil {
		return nil, err
	}
	return o.pipeline.SignAndBroadcast(ctx, intent), nil
}

// BuildTx asks the connector to sign a transaction without publishing it.
// Failures are reported with the connector's message as the title.
func (o *Orchestrator) BuildTx(ctx context.Context, payload json.RawMessage) (connector.SignedTx, error) {
	intent, err := o.intent(payload)
	if err != nil {
		return connector.SignedTx{}, err
	}
	tx, err := o.pipeline.Sign(ctx, intent)
	if err != nil {
		notify.Emit(ctx, o.sink, notify.FromError(err), o.logger)
		return connector.SignedTx{}, err
	}
	return tx, nil
}

// Stop cancels a running probe.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	probe := o.probe
	o.mu.Unlock()
	if probe != nil {
		probe.Stop()
	}
}
