package network

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrNetworkNotFound is returned for a network byte outside the supported table.
var ErrNetworkNotFound = errors.New("network not found")

// Network bytes. These mirror the chain's own network-byte convention and must
// never change between releases.
const (
	MainnetByte byte = 63 // '?'
	TestnetByte byte = 33 // '!'
	PrivateByte byte = 82 // 'R'
)

// Descriptor is the connection metadata for one network.
// ExplorerOrigin and SignerOrigin are empty when the network defines none.
type Descriptor struct {
	ID             byte   `json:"id"`
	Name           string `json:"name"`
	Code           string `json:"code"`
	RPCEndpoint    string `json:"rpc_endpoint"`
	ExplorerOrigin string `json:"explorer_origin,omitempty"`
	SignerOrigin   string `json:"signer_origin,omitempty"`
}

// HasExplorer reports whether explorer links can be built for this network.
func (d Descriptor) HasExplorer() bool {
	return d.ExplorerOrigin != ""
}

func (d Descriptor) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s(%s)", d.Name, d.Code)
	}
	return fmt.Sprintf("network(%d)", d.ID)
}

// IsZero reports whether d is the zero descriptor.
func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

var table = map[byte]Descriptor{
	MainnetByte: {
		ID:             MainnetByte,
		Name:           "mainnet",
		Code:           "?",
		RPCEndpoint:    "https://mainnet-node.decentralchain.io",
		ExplorerOrigin: "https://decentralscan.com",
		SignerOrigin:   "https://decentral.exchange/signer/",
	},
	TestnetByte: {
		ID:             TestnetByte,
		Name:           "testnet",
		Code:           "!",
		RPCEndpoint:    "https://testnet-node.decentralchain.io",
		ExplorerOrigin: "https://testnet.decentralscan.com",
		SignerOrigin:   "https://testnet.decentral.exchange/signer/",
	},
	PrivateByte: {
		ID:          PrivateByte,
		Name:        "private",
		Code:        "R",
		RPCEndpoint: "http://localhost:6869",
	},
}

// Resolve returns the descriptor for a network byte.
// Unknown bytes yield ErrNetworkNotFound, never a default network.
func Resolve(id byte) (Descriptor, error) {
	d, ok := table[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: byte %d", ErrNetworkNotFound, id)
	}
	return d, nil
}

// ResolveCode resolves the single-character network code reported by the connector.
func ResolveCode(code string) (Descriptor, error) {
	if len(code) != 1 {
		return Descriptor{}, fmt.Errorf("%w: code %q", ErrNetworkNotFound, code)
	}
	return Resolve(code[0])
}

// ResolveName resolves a network by its name ("mainnet", "testnet", "private").
func ResolveName(name string) (Descriptor, error) {
	for _, d := range table {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: name %q", ErrNetworkNotFound, name)
}

// Lookup resolves a network from user input: a byte ("63"), a code ("?") or
// a name ("Mainnet", case-insensitive).
func Lookup(s string) (Descriptor, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 255 {
			return Descriptor{}, fmt.Errorf("%w: byte %d", ErrNetworkNotFound, n)
		}
		return Resolve(byte(n))
	}
	if len(s) == 1 {
		return ResolveCode(s)
	}
	return ResolveName(strings.ToLower(s))
}

// All returns every supported network ordered by byte.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(table))
	for _, d := range table {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
