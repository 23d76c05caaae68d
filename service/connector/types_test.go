package connector

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/walleterr"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount(t *testing.T, seed, chainID byte) *AccountState {
	t.Helper()
	pk := base58.Encode(bytes.Repeat([]byte{seed}, 32))
	addr, err := network.AddressFromPublicKey(pk, chainID)
	require.NoError(t, err)
	return &AccountState{
		Address:     addr,
		PublicKey:   pk,
		Name:        "test",
		NetworkCode: string([]byte{chainID}),
	}
}

func testNetwork(chainID byte) *NetworkState {
	d, _ := network.Resolve(chainID)
	return &NetworkState{Code: d.Code, Server: d.RPCEndpoint}
}

func TestPublicState_Snapshot(t *testing.T) {
	t.Run("account and known network", func(t *testing.T) {
		acc := testAccount(t, 1, network.MainnetByte)
		snap, err := PublicState{Account: acc, Network: testNetwork(network.MainnetByte)}.Snapshot()
		require.NoError(t, err)
		require.NotNil(t, snap.Account)
		require.NotNil(t, snap.Network)
		assert.Equal(t, acc.Address, snap.Account.Address)
		assert.Equal(t, "mainnet", snap.Network.Name)
	})

	t.Run("empty state", func(t *testing.T) {
		snap, err := PublicState{}.Snapshot()
		require.NoError(t, err)
		assert.Nil(t, snap.Account)
		assert.Nil(t, snap.Network)
	})

	t.Run("account network from account record", func(t *testing.T) {
		snap, err := PublicState{Account: testAccount(t, 2, network.TestnetByte)}.Snapshot()
		require.NoError(t, err)
		assert.NotNil(t, snap.Account)
		assert.Nil(t, snap.Network)
	})

	t.Run("unknown network code becomes custom descriptor", func(t *testing.T) {
		snap, err := PublicState{Network: &NetworkState{Code: "S", Server: "https://node.example"}}.Snapshot()
		require.NoError(t, err)
		require.NotNil(t, snap.Network)
		assert.Equal(t, byte('S'), snap.Network.ID)
		assert.Equal(t, "https://node.example", snap.Network.RPCEndpoint)
		assert.False(t, snap.Network.HasExplorer())
	})

	rejects := []struct {
		name  string
		state func(t *testing.T) PublicState
	}{
		{
			name: "multi character network code",
			state: func(t *testing.T) PublicState {
				return PublicState{Network: &NetworkState{Code: "??", Server: "https://x"}}
			},
		},
		{
			name: "unknown network without node url",
			state: func(t *testing.T) PublicState {
				return PublicState{Network: &NetworkState{Code: "S"}}
			},
		},
		{
			name: "account without address",
			state: func(t *testing.T) PublicState {
				return PublicState{Account: &AccountState{PublicKey: "abc"}, Network: testNetwork(network.MainnetByte)}
			},
		},
		{
			name: "address for another network",
			state: func(t *testing.T) PublicState {
				acc := testAccount(t, 3, network.TestnetByte)
				acc.NetworkCode = ""
				return PublicState{Account: acc, Network: testNetwork(network.MainnetByte)}
			},
		},
		{
			name: "account network code disagrees with network",
			state: func(t *testing.T) PublicState {
				acc := testAccount(t, 3, network.MainnetByte)
				acc.NetworkCode = "!"
				return PublicState{Account: acc, Network: testNetwork(network.MainnetByte)}
			},
		},
		{
			name: "public key does not own address",
			state: func(t *testing.T) PublicState {
				acc := testAccount(t, 4, network.MainnetByte)
				acc.PublicKey = testAccount(t, 5, network.MainnetByte).PublicKey
				return PublicState{Account: acc, Network: testNetwork(network.MainnetByte)}
			},
		},
		{
			name: "account without any network",
			state: func(t *testing.T) PublicState {
				acc := testAccount(t, 4, network.MainnetByte)
				acc.NetworkCode = ""
				return PublicState{Account: acc}
			},
		},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.state(t).Snapshot()
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestError_UnmarshalAndText(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
		wantText string
	}{
		{name: "string code, string data", payload: `{"code":"10","message":"User denied message","data":"rejected"}`, wantCode: "10", wantText: "rejected"},
		{name: "numeric code", payload: `{"code":14,"message":"Api rejected by user"}`, wantCode: "14"},
		{name: "object data", payload: `{"code":"9","message":"Invalid data","data":{ "field" : "fee" }}`, wantCode: "9", wantText: `{"field":"fee"}`},
		{name: "null data", payload: `{"code":"user_rejected","message":"no","data":null}`, wantCode: "user_rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Error
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &e))
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantText, e.DataText())
		})
	}
}

func TestIsNotAuthorized(t *testing.T) {
	assert.True(t, IsNotAuthorized(&Error{Code: CodeNotAuthorized}))
	assert.True(t, IsNotAuthorized(errors.Join(errors.New("ctx"), &Error{Code: "14"})))
	assert.False(t, IsNotAuthorized(&Error{Code: "10"}))
	assert.False(t, IsNotAuthorized(errors.New("14")))
	assert.False(t, IsNotAuthorized(nil))
}

func TestClassify(t *testing.T) {
	t.Run("connector error keeps message as title and data as text", func(t *testing.T) {
		ce := &Error{Code: "10", Message: "Request rejected", Data: json.RawMessage(`"User denied"`)}
		we := Classify(walleterr.TransactionRejected, ce, "generic")
		assert.Equal(t, walleterr.TransactionRejected, we.Kind)
		assert.Equal(t, "Request rejected", we.Title)
		assert.Equal(t, "User denied", we.Message)
		assert.ErrorIs(t, we, ce)
	})

	t.Run("connector error without data falls back to generic text", func(t *testing.T) {
		we := Classify(walleterr.TransactionRejected, &Error{Code: "user_rejected"}, "generic")
		assert.Equal(t, "generic", we.Message)
	})

	t.Run("plain error", func(t *testing.T) {
		we := Classify(walleterr.ConnectorCallFailed, errors.New("socket closed"), "generic")
		assert.Equal(t, walleterr.ConnectorCallFailed, we.Kind)
		assert.Equal(t, "generic", we.Message)
		assert.Empty(t, we.Title)
	})

	t.Run("already classified", func(t *testing.T) {
		orig := walleterr.New(walleterr.AuthorizationDenied, "denied")
		assert.Same(t, orig, Classify(walleterr.ConnectorCallFailed, orig, "generic"))
	})
}

func TestParseSignedTx(t *testing.T) {
	t.Run("json document", func(t *testing.T) {
		tx, err := ParseSignedTx(json.RawMessage(`{"id":"TX123","type":4}`))
		require.NoError(t, err)
		assert.Equal(t, "TX123", tx.ID)
		assert.JSONEq(t, `{"id":"TX123","type":4}`, string(tx.Raw))
	})

	t.Run("string holding a json document", func(t *testing.T) {
		tx, err := ParseSignedTx(json.RawMessage(`"{\"id\":\"TX123\",\"type\":4}"`))
		require.NoError(t, err)
		assert.Equal(t, "TX123", tx.ID)
		assert.JSONEq(t, `{"id":"TX123","type":4}`, string(tx.Raw))
	})

	for name, raw := range map[string]string{
		"missing id":   `{"type":4}`,
		"empty id":     `{"id":""}`,
		"not json":     `nope`,
		"empty":        ``,
		"bad string":   `"{not json}"`,
		"array result": `[{"id":"TX"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSignedTx(json.RawMessage(raw))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestBrowserSupport(t *testing.T) {
	assert.True(t, BrowserSupported("Chrome", nil))
	assert.True(t, BrowserSupported("edge", DefaultSupportedBrowsers))
	assert.False(t, BrowserSupported("safari", nil))
	assert.False(t, BrowserSupported("", nil))
	assert.True(t, BrowserSupported("brave", []string{"brave"}))

	assert.Equal(t, "edge", DetectBrowser("Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0"))
	assert.Equal(t, "opera", DetectBrowser("Mozilla/5.0 AppleWebKit/537.36 Chrome/120.0 Safari/537.36 OPR/106.0"))
	assert.Equal(t, "firefox", DetectBrowser("Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"))
	assert.Equal(t, "chrome", DetectBrowser("Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"))
	assert.Equal(t, "safari", DetectBrowser("Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15"))
	assert.Equal(t, "unknown", DetectBrowser("curl/8.0"))
}

func TestConnectionState(t *testing.T) {
	assert.True(t, CanTransition(StateUnknown, StateProbing))
	assert.True(t, CanTransition(StateAuthorized, StateUnauthorized))
	assert.True(t, CanTransition(StateUnauthorized, StateAuthorized))
	assert.False(t, CanTransition(StateNotFound, StateFound))
	assert.False(t, CanTransition(StateAuthorized, StateUnknown))
	assert.False(t, CanTransition(StateInitialized, StateProbing))

	text, err := StateAuthorized.MarshalText()
	require.NoError(t, err)
	var s ConnectionState
	require.NoError(t, s.UnmarshalText(text))
	assert.Equal(t, StateAuthorized, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
