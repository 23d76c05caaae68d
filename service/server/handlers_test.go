package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/orchestrator"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/brojonat/dccwallet/service/walleterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockWallet answers from canned values and records what it was sent.
type mockWallet struct {
	mu       sync.Mutex
	state    orchestrator.State
	loginErr error
	sendErr  error
	outcomes []txpipeline.Outcome
	signed   connector.SignedTx
	signErr  error
	payloads []json.RawMessage
	sendCtx  context.Context
}

func (m *mockWallet) State() orchestrator.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockWallet) Login(ctx context.Context) (orchestrator.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loginErr
}

func (m *mockWallet) Logout(ctx context.Context) orchestrator.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Account = nil
	m.state.Connection = connector.StateUnauthorized
	return m.state
}

func (m *mockWallet) SendTx(ctx context.Context, payload json.RawMessage) (<-chan txpipeline.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	m.sendCtx = ctx
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	ch := make(chan txpipeline.Outcome, len(m.outcomes))
	for _, o := range m.outcomes {
		ch <- o
	}
	close(ch)
	return ch, nil
}

func (m *mockWallet) BuildTx(ctx context.Context, payload json.RawMessage) (connector.SignedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return m.signed, m.signErr
}

func newTestServer(t *testing.T, wallet Wallet, broker *notify.Broker) *httptest.Server {
	t.Helper()
	s := New(":0", nil, wallet, broker, nil, nil, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestGetState(t *testing.T) {
	d, _ := network.Resolve(network.MainnetByte)
	wallet := &mockWallet{state: orchestrator.State{Connection: connector.StateAuthorized, Browser: "chrome", Network: &d}}
	srv := newTestServer(t, wallet, nil)

	resp, err := http.Get(srv.URL + "/api/v1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "authorized", got["connection"])
	assert.Equal(t, "chrome", got["browser"])
	assert.Equal(t, "mainnet", got["network"].(map[string]any)["name"])
}

func TestNetworks(t *testing.T) {
	srv := newTestServer(t, &mockWallet{}, nil)

	resp, err := http.Get(srv.URL + "/api/v1/networks")
	require.NoError(t, err)
	var all []network.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	assert.Len(t, all, 3)

	tests := []struct {
		query    string
		wantCode int
		wantName string
	}{
		{query: "63", wantCode: http.StatusOK, wantName: "mainnet"},
		{query: "!", wantCode: http.StatusOK, wantName: "testnet"},
		{query: "Private", wantCode: http.StatusOK, wantName: "private"},
		{query: "84", wantCode: http.StatusNotFound},
		{query: "999", wantCode: http.StatusNotFound},
		{query: "stagenet", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/v1/networks/" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantName != "" {
				var d network.Descriptor
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
				assert.Equal(t, tt.wantName, d.Name)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	wallet := &mockWallet{
		state:    orchestrator.State{Connection: connector.StateUnauthorized},
		loginErr: walleterr.New(walleterr.AuthorizationPending, "approve this site in the connector to log in"),
	}
	srv := newTestServer(t, wallet, nil)

	resp, body := post(t, srv.URL+"/api/v1/login", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "authorization_pending", body["kind"])
	assert.Equal(t, "approve this site in the connector to log in", body["error"])

	wallet.mu.Lock()
	wallet.loginErr = walleterr.New(walleterr.ConnectorNotFound, "connector is not installed")
	wallet.mu.Unlock()
	resp, body = post(t, srv.URL+"/api/v1/login", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "connector_not_found", body["kind"])

	wallet.mu.Lock()
	wallet.loginErr = nil
	wallet.state.Connection = connector.StateAuthorized
	wallet.mu.Unlock()
	resp, body = post(t, srv.URL+"/api/v1/login", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authorized", body["connection"])

	resp, body = post(t, srv.URL+"/api/v1/logout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["connection"])
}

func TestSendTransaction(t *testing.T) {
	wallet := &mockWallet{outcomes: []txpipeline.Outcome{
		{ID: "TX1", Status: txpipeline.StatusSubmitted, Network: "mainnet"},
		{ID: "TX1", Status: txpipeline.StatusConfirmed, Network: "mainnet", ExplorerLink: "https://decentralscan.com/tx/TX1"},
	}}
	srv := newTestServer(t, wallet, nil)

	resp, body := post(t, srv.URL+"/api/v1/transactions", `{"tx":{"type":4}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "submitted", body["status"])
	assert.Equal(t, "TX1", body["id"])

	wallet.mu.Lock()
	assert.Nil(t, wallet.sendCtx.Done(), "unwaited transactions must not be tied to the request")
	assert.JSONEq(t, `{"type":4}`, string(wallet.payloads[0]))
	wallet.mu.Unlock()

	resp, body = post(t, srv.URL+"/api/v1/transactions", `{"tx":{"type":4},"wait":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "https://decentralscan.com/tx/TX1", body["explorer_link"])
}

func TestSendTransaction_Failures(t *testing.T) {
	wallet := &mockWallet{outcomes: []txpipeline.Outcome{
		{Status: txpipeline.StatusRejected, Kind: "transaction_rejected", Reason: "Transaction was not signed"},
	}}
	srv := newTestServer(t, wallet, nil)

	resp, body := post(t, srv.URL+"/api/v1/transactions", `{"tx":{"type":4}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])

	resp, body = post(t, srv.URL+"/api/v1/transactions", `{"tx":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", body["error"])

	resp, body = post(t, srv.URL+"/api/v1/transactions", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "tx is required", body["error"])

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader(`{"tx":"`+strings.Repeat("A", 2<<20)+`"}`))
	handleSendTransaction(wallet, testLogger()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")

	wallet.mu.Lock()
	wallet.sendErr = walleterr.New(walleterr.AuthorizationPending, "log in with the connector first")
	wallet.mu.Unlock()
	resp, body = post(t, srv.URL+"/api/v1/transactions", `{"tx":{"type":4}}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "authorization_pending", body["kind"])
}

func TestSignTransaction(t *testing.T) {
	wallet := &mockWallet{signed: connector.SignedTx{ID: "TXS", Raw: json.RawMessage(`{"id":"TXS","proofs":["x"]}`)}}
	srv := newTestServer(t, wallet, nil)

	resp, body := post(t, srv.URL+"/api/v1/transactions/sign", `{"tx":{"type":4}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "TXS", body["id"])
	assert.NotNil(t, body["raw"])

	wallet.mu.Lock()
	wallet.signErr = walleterr.New(walleterr.TransactionRejected, "fee too low").WithTitle("Invalid data")
	wallet.mu.Unlock()
	resp, body = post(t, srv.URL+"/api/v1/transactions/sign", `{"tx":{"type":4}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Invalid data", body["title"])
	assert.Equal(t, "fee too low", body["error"])
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t, &mockWallet{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(b))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/transactions", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCORS_AllowList(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamNotifications(t *testing.T) {
	broker := notify.NewBroker(10, testLogger())
	srv := newTestServer(t, &mockWallet{}, broker)

	resp, err := http.Get(srv.URL + "/api/v1/stream/notifications?filter=" + `.type%20==%20"error"`)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "" && event != "":
				return event, data
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	event, _ := readEvent()
	assert.Equal(t, "connected", event)
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, broker.Notify(ctx, notify.New(notify.TypeInfo, "skip me")))
	require.NoError(t, broker.Notify(ctx, notify.New(notify.TypeError, "Script execution failed")))

	event, data := readEvent()
	assert.Equal(t, "notification", event)
	var n notify.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, notify.TypeError, n.Type)
	assert.Equal(t, "Script execution failed", n.Message)

	recent, err := http.Get(srv.URL + "/api/v1/notifications?limit=1")
	require.NoError(t, err)
	defer recent.Body.Close()
	var got []notify.Notification
	require.NoError(t, json.NewDecoder(recent.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "Script execution failed", got[0].Message)
}

func TestStreamNotifications_BadFilter(t *testing.T) {
	srv := newTestServer(t, &mockWallet{}, notify.NewBroker(0, testLogger()))

	resp, err := http.Get(srv.URL + "/api/v1/stream/notifications?filter=" + `.type%20==`)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBridgePage(t *testing.T) {
	s := New(":0", nil, &mockWallet{}, nil, http.NotFoundHandler(), nil, testLogger())
	require.NoError(t, s.WithTemplates())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "CubensisConnect")
	assert.Contains(t, string(body), "signAndPublishTransaction")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
