package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/node"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/brojonat/dccwallet/service/walleterr"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockNode struct {
	mu     sync.Mutex
	smart  bool
	status node.TxStatus
}

func (m *mockNode) HasScript(ctx context.Context, d network.Descriptor, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smart, nil
}

func (m *mockNode) TransactionStatus(ctx context.Context, d network.Descriptor, id string) (node.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.ID = id
	return s, nil
}

func (m *mockNode) Broadcast(ctx context.Context, d network.Descriptor, signedTx json.RawMessage) (node.BroadcastResult, error) {
	return node.BroadcastResult{ID: "TXB", Raw: signedTx}, nil
}

func publicState(t *testing.T, seed, chainID byte) connector.PublicState {
	t.Helper()
	pk := base58.Encode(bytes.Repeat([]byte{seed}, 32))
	addr, err := network.AddressFromPublicKey(pk, chainID)
	require.NoError(t, err)
	d, err := network.Resolve(chainID)
	require.NoError(t, err)
	return connector.PublicState{
		Account: &connector.AccountState{Address: addr, PublicKey: pk, NetworkCode: d.Code},
		Network: &connector.NetworkState{Code: d.Code, Server: d.RPCEndpoint},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.Pipeline.PollInterval = 5 * time.Millisecond
	cfg.Pipeline.Timeout = 2 * time.Second
	return cfg
}

func newTestOrchestrator(conn connector.Connector, nodeAPI NodeAPI) (*Orchestrator, *notify.MemorySink) {
	sink := notify.NewMemorySink()
	return New(conn, nodeAPI, sink, nil, testConfig(), nil, testLogger()), sink
}

func TestStart_UnsupportedBrowser(t *testing.T) {
	conn := connector.NewMockConnector()
	o, sink := newTestOrchestrator(conn, &mockNode{})

	err := o.Start(context.Background(), connector.StaticEnvironment("safari"))
	assert.True(t, walleterr.IsKind(err, walleterr.EnvironmentUnsupported))
	assert.Zero(t, conn.DetectCalls(), "probe must not start")

	warnings := sink.OfType(notify.TypeWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, MsgUnsupportedBrowser, warnings[0].Message)
	assert.Equal(t, DefaultInstallURL, warnings[0].Link)
	assert.Equal(t, MsgMore, warnings[0].LinkTitle)
	assert.Equal(t, connector.StateUnknown, o.State().Connection)
	assert.Equal(t, "safari", o.State().Browser)
}

func TestStart_ConnectorNotFound(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPresentOnCall(0)
	o, _ := newTestOrchestrator(conn, &mockNode{})

	err := o.Start(context.Background(), connector.StaticEnvironment("chrome"))
	assert.True(t, walleterr.IsKind(err, walleterr.ConnectorNotFound))
	assert.Equal(t, connector.StateNotFound, o.State().Connection)
	assert.Equal(t, 2, conn.DetectCalls())
}

func TestStart_AuthorizedThenSend(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPublicState(publicState(t, 1, network.MainnetByte), nil)
	conn.SetPublishResult(json.RawMessage(`{"id":"TX123"}`), nil)
	nodeAPI := &mockNode{smart: true, status: node.TxStatus{Status: node.StatusConfirmed, ApplicationStatus: node.ApplicationSucceeded}}
	o, sink := newTestOrchestrator(conn, nodeAPI)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, connector.StaticEnvironment("firefox")))
	st := o.State()
	assert.Equal(t, connector.StateAuthorized, st.Connection)
	require.NotNil(t, st.Account)
	assert.Equal(t, "mainnet", st.Account.Network.Name)

	o.Accounts().Wait()
	acc, _ := o.Accounts().Account()
	assert.True(t, acc.IsSmartAccount)

	ch, err := o.SendTx(ctx, json.RawMessage(`{"type":4}`))
	require.NoError(t, err)
	var statuses []txpipeline.Status
	for out := range ch {
		statuses = append(statuses, out.Status)
	}
	assert.Equal(t, []txpipeline.Status{txpipeline.StatusSubmitted, txpipeline.StatusConfirmed}, statuses)
	assert.Len(t, sink.OfType(notify.TypeSuccess), 1)
}

func TestStart_PendingApprovalThenUpdate(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPublicState(connector.PublicState{}, &connector.Error{Code: connector.CodeNotAuthorized})
	o, sink := newTestOrchestrator(conn, &mockNode{})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, connector.StaticEnvironment("chrome")))
	assert.Equal(t, connector.StateUnauthorized, o.State().Connection)
	assert.Empty(t, sink.Notifications())

	_, err := o.SendTx(ctx, json.RawMessage(`{"type":4}`))
	assert.True(t, walleterr.IsKind(err, walleterr.AuthorizationPending))

	conn.Push(publicState(t, 2, network.TestnetByte))
	st := o.State()
	assert.Equal(t, connector.StateAuthorized, st.Connection)
	require.NotNil(t, st.Account)
	assert.Equal(t, "testnet", st.Network.Name)
}

func TestLogin_RetriesFailedHandshake(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetInitError(&connector.Error{Code: "1", Message: "locked"})
	conn.SetPublicState(publicState(t, 1, network.MainnetByte), nil)
	o, _ := newTestOrchestrator(conn, &mockNode{})
	ctx := context.Background()

	err := o.Start(ctx, connector.StaticEnvironment("chrome"))
	assert.True(t, walleterr.IsKind(err, walleterr.ConnectorCallFailed))
	assert.Equal(t, connector.StateUninitialized, o.State().Connection)

	conn.SetInitError(nil)
	st, err := o.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, connector.StateAuthorized, st.Connection)
	assert.NotNil(t, st.Account)
}

func TestLogin_NotInstalled(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPresentOnCall(0)
	o, sink := newTestOrchestrator(conn, &mockNode{})
	ctx := context.Background()

	_ = o.Start(ctx, connector.StaticEnvironment("chrome"))
	_, err := o.Login(ctx)
	assert.True(t, walleterr.IsKind(err, walleterr.ConnectorNotFound))

	errs := sink.OfType(notify.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, MsgNotInstalled, errs[0].Title)
	assert.Equal(t, DefaultInstallURL, errs[0].Link)
}

func TestLogoutAndBuildTx(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPublicState(publicState(t, 1, network.MainnetByte), nil)
	conn.SetSignResult(nil, &connector.Error{Code: "9", Message: "Invalid data", Data: json.RawMessage(`"fee too low"`)})
	o, sink := newTestOrchestrator(conn, &mockNode{})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, connector.StaticEnvironment("chrome")))

	_, err := o.BuildTx(ctx, json.RawMessage(`{"type":4}`))
	assert.True(t, walleterr.IsKind(err, walleterr.TransactionRejected))
	errs := sink.OfType(notify.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Invalid data", errs[0].Title)
	assert.Equal(t, "fee too low", errs[0].Message)

	conn.SetSignResult(json.RawMessage(`{"id":"TXS"}`), nil)
	tx, err := o.BuildTx(ctx, json.RawMessage(`{"type":4}`))
	require.NoError(t, err)
	assert.Equal(t, "TXS", tx.ID)

	st := o.Logout(ctx)
	assert.Equal(t, connector.StateUnauthorized, st.Connection)
	assert.Nil(t, st.Account)
	assert.NotNil(t, st.Network, "network survives logout")
}

func TestStart_RestartResetsAccount(t *testing.T) {
	conn := connector.NewMockConnector()
	conn.SetPublicState(publicState(t, 1, network.MainnetByte), nil)
	o, _ := newTestOrchestrator(conn, &mockNode{})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, connector.StaticEnvironment("chrome")))
	require.NotNil(t, o.State().Account)

	conn.SetPublicState(connector.PublicState{}, &connector.Error{Code: connector.CodeNotAuthorized})
	require.NoError(t, o.Start(ctx, connector.StaticEnvironment("edge")))
	st := o.State()
	assert.Nil(t, st.Account)
	assert.Equal(t, connector.StateUnauthorized, st.Connection)
	assert.Equal(t, "edge", st.Browser)
}
