package network

import (
	"bytes"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_IsPureAndTotal(t *testing.T) {
	for b := 0; b < 256; b++ {
		id := byte(b)
		first, err1 := Resolve(id)
		second, err2 := Resolve(id)

		_, known := table[id]
		if known {
			require.NoError(t, err1)
			require.NoError(t, err2)
			assert.Equal(t, first, second, "byte %d resolved differently", b)
			assert.Equal(t, id, first.ID)
		} else {
			assert.ErrorIs(t, err1, ErrNetworkNotFound)
			assert.ErrorIs(t, err2, ErrNetworkNotFound)
			assert.True(t, first.IsZero(), "unknown byte %d must not return a default", b)
		}
	}
}

func TestResolve_KnownNetworks(t *testing.T) {
	mainnet, err := Resolve('?')
	require.NoError(t, err)
	assert.Equal(t, "mainnet", mainnet.Name)
	assert.Equal(t, "https://mainnet-node.decentralchain.io", mainnet.RPCEndpoint)
	assert.True(t, mainnet.HasExplorer())

	testnet, err := ResolveCode("!")
	require.NoError(t, err)
	assert.Equal(t, "testnet", testnet.Name)

	private, err := ResolveName("private")
	require.NoError(t, err)
	assert.False(t, private.HasExplorer())
	assert.Empty(t, private.SignerOrigin)
}

func TestResolveCode_RejectsMultiCharacterCodes(t *testing.T) {
	_, err := ResolveCode("??")
	assert.ErrorIs(t, err, ErrNetworkNotFound)

	_, err = ResolveCode("")
	assert.ErrorIs(t, err, ErrNetworkNotFound)
}

func TestAll_OrderedByByte(t *testing.T) {
	all := All()
	require.Len(t, all, len(table))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
}

func TestExplorerLink(t *testing.T) {
	t.Run("network with explorer origin", func(t *testing.T) {
		d, err := Resolve(MainnetByte)
		require.NoError(t, err)
		assert.Equal(t, d.ExplorerOrigin+"/tx/TX123", TxLink(d, "TX123"))
	})

	t.Run("network without explorer origin", func(t *testing.T) {
		d, err := Resolve(PrivateByte)
		require.NoError(t, err)
		assert.Empty(t, TxLink(d, "TX123"))
	})

	t.Run("trailing slash on origin", func(t *testing.T) {
		d := Descriptor{ID: 1, ExplorerOrigin: "https://explorer.example/"}
		assert.Equal(t, "https://explorer.example/tx/abc", TxLink(d, "abc"))
	})

	t.Run("relative origin is never turned into a link", func(t *testing.T) {
		d := Descriptor{ID: 1, ExplorerOrigin: "explorer.example"}
		assert.Empty(t, TxLink(d, "abc"))
	})

	t.Run("empty id", func(t *testing.T) {
		d, _ := Resolve(TestnetByte)
		assert.Empty(t, TxLink(d, ""))
	})
}

func testPublicKey(seed byte) string {
	return base58.Encode(bytes.Repeat([]byte{seed}, publicKeyLength))
}

func TestAddressFromPublicKey_RoundTrip(t *testing.T) {
	addr, err := AddressFromPublicKey(testPublicKey(7), MainnetByte)
	require.NoError(t, err)

	chainID, err := AddressChainID(addr)
	require.NoError(t, err)
	assert.Equal(t, MainnetByte, chainID)
	assert.NoError(t, ValidateAddress(addr, MainnetByte))
	assert.ErrorIs(t, ValidateAddress(addr, TestnetByte), ErrInvalidAddress)

	other, err := AddressFromPublicKey(testPublicKey(7), TestnetByte)
	require.NoError(t, err)
	assert.NotEqual(t, addr, other)
}

func TestAddressChainID_Rejects(t *testing.T) {
	valid, err := AddressFromPublicKey(testPublicKey(1), TestnetByte)
	require.NoError(t, err)

	raw, err := base58.Decode(valid)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base58.Encode(raw)

	tests := []struct {
		name    string
		address string
	}{
		{name: "not base58", address: "0OIl"},
		{name: "too short", address: base58.Encode([]byte{1, 2, 3})},
		{name: "bad checksum", address: tampered},
		{name: "empty", address: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AddressChainID(tt.address)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestAddressFromPublicKey_InvalidKey(t *testing.T) {
	_, err := AddressFromPublicKey(base58.Encode([]byte{1, 2, 3}), MainnetByte)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = AddressFromPublicKey("0OIl", MainnetByte)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestLookup(t *testing.T) {
	tests := []struct {
		input   string
		want    byte
		wantErr bool
	}{
		{input: "63", want: MainnetByte},
		{input: "?", want: MainnetByte},
		{input: "Mainnet", want: MainnetByte},
		{input: "testnet", want: TestnetByte},
		{input: "!", want: TestnetByte},
		{input: "R", want: PrivateByte},
		{input: "82", want: PrivateByte},
		{input: "84", wantErr: true},
		{input: "300", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "stagenet", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := Lookup(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNetworkNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.ID)
		})
	}
}
