package connector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/walleterr"
)

// ErrMalformedPayload wraps every validation failure of connector-supplied data.
var ErrMalformedPayload = errors.New("malformed connector payload")

// PublicState is the snapshot exactly as the connector reports it. Use
// Snapshot to validate it before acting on it.
type PublicState struct {
	Initialized bool          `json:"initialized"`
	Locked      bool          `json:"locked"`
	Account     *AccountState `json:"account"`
	Network     *NetworkState `json:"network"`
}

// AccountState is the connector's account record.
type AccountState struct {
	Address     string `json:"address"`
	PublicKey   string `json:"publicKey"`
	Name        string `json:"name,omitempty"`
	Network     string `json:"network,omitempty"`
	NetworkCode string `json:"networkCode,omitempty"`
	Type        string `json:"type,omitempty"`
}

// NetworkState is the connector's network record.
type NetworkState struct {
	Code    string `json:"code"`
	Server  string `json:"server"`
	Matcher string `json:"matcher,omitempty"`
}

// AccountInfo is a validated account identity.
type AccountInfo struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	Name      string `json:"name,omitempty"`
}

// Snapshot is a validated point-in-time account/network state. Either field
// may be absent.
type Snapshot struct {
	Account *AccountInfo        `json:"account,omitempty"`
	Network *network.Descriptor `json:"network,omitempty"`
}

// Snapshot validates the reported state. Addresses must decode, match the
// public key and belong to the reported network.
func (p PublicState) Snapshot() (Snapshot, error) {
	var snap Snapshot

	if p.Network != nil {
		d, err := resolveNetwork(*p.Network)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Network = &d
	}

	if p.Account == nil {
		return snap, nil
	}

	acc := p.Account
	if acc.Address == "" || acc.PublicKey == "" {
		return Snapshot{}, fmt.Errorf("%w: account without address or public key", ErrMalformedPayload)
	}

	chainID := byte(0)
	switch {
	case snap.Network != nil:
		chainID = snap.Network.ID
		if acc.NetworkCode != "" && acc.NetworkCode != snap.Network.Code {
			return Snapshot{}, fmt.Errorf("%w: account network %q does not match network %q",
				ErrMalformedPayload, acc.NetworkCode, snap.Network.Code)
		}
	case len(acc.NetworkCode) == 1:
		chainID = acc.NetworkCode[0]
	default:
		return Snapshot{}, fmt.Errorf("%w: account without network", ErrMalformedPayload)
	}

	if err := network.ValidateAddress(acc.Address, chainID); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	derived, err := network.AddressFromPublicKey(acc.PublicKey, chainID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if derived != acc.Address {
		return Snapshot{}, fmt.Errorf("%w: public key does not own address %s", ErrMalformedPayload, acc.Address)
	}

	snap.Account = &AccountInfo{
		Address:   acc.Address,
		PublicKey: acc.PublicKey,
		Name:      acc.Name,
	}
	return snap, nil
}

// resolveNetwork maps the connector's network record to a descriptor. Codes
// outside the registry become a custom descriptor using the connector's node,
// with no explorer.
func resolveNetwork(ns NetworkState) (network.Descriptor, error) {
	if len(ns.Code) != 1 {
		return network.Descriptor{}, fmt.Errorf("%w: network code %q", ErrMalformedPayload, ns.Code)
	}
	if d, err := network.ResolveCode(ns.Code); err == nil {
		return d, nil
	}
	u, err := url.Parse(ns.Server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return network.Descriptor{}, fmt.Errorf("%w: network %q has no usable node URL %q",
			ErrMalformedPayload, ns.Code, ns.Server)
	}
	return network.Descriptor{
		ID:          ns.Code[0],
		Name:        "custom",
		Code:        ns.Code,
		RPCEndpoint: ns.Server,
	}, nil
}

// Error is a structured connector rejection.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if text := e.DataText(); text != "" {
		return fmt.Sprintf("connector error %s: %s: %s", e.Code, e.Message, text)
	}
	return fmt.Sprintf("connector error %s: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts the code as either a string or a number.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Message = raw.Message
	e.Data = raw.Data
	e.Code = ""
	if len(raw.Code) == 0 || string(raw.Code) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Code, &s); err == nil {
		e.Code = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.Code, &n); err != nil {
		return fmt.Errorf("connector error code: %w", err)
	}
	e.Code = n.String()
	return nil
}

// DataText renders Data for display: strings unquoted, null as empty, anything
// else as compact JSON.
func (e *Error) DataText() string {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}

// AsError extracts a connector error from err's chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsNotAuthorized reports whether err is the "not yet authorized" rejection.
func IsNotAuthorized(err error) bool {
	ce, ok := AsError(err)
	return ok && ce.Code == CodeNotAuthorized
}

// Classify converts any connector failure into a classified error. Connector
// errors keep their message as the title and their data as the text; generic
// is used when the connector supplied nothing readable.
func Classify(kind walleterr.Kind, err error, generic string) *walleterr.Error {
	var we *walleterr.Error
	if errors.As(err, &we) {
		return we
	}
	out := walleterr.Wrap(kind, err, generic)
	if ce, ok := AsError(err); ok {
		out.Title = ce.Message
		if text := ce.DataText(); text != "" {
			out.Message = text
		}
	}
	return out
}

// SignedTx is a transaction returned by the connector, identified by its id.
type SignedTx struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw"`
}

// ParseSignedTx validates a transaction returned by the connector. The
// connector hands transactions back as a JSON document or as a string holding
// one; both are accepted. The transaction must carry a non-empty id.
func ParseSignedTx(raw json.RawMessage) (SignedTx, error) {
	doc := bytes.TrimSpace(raw)
	if len(doc) > 0 && doc[0] == '"' {
		var s string
		if err := json.Unmarshal(doc, &s); err != nil {
			return SignedTx{}, fmt.Errorf("%w: transaction string: %v", ErrMalformedPayload, err)
		}
		doc = bytes.TrimSpace([]byte(s))
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return SignedTx{}, fmt.Errorf("%w: transaction: %v", ErrMalformedPayload, err)
	}
	if head.ID == "" {
		return SignedTx{}, fmt.Errorf("%w: transaction without id", ErrMalformedPayload)
	}
	return SignedTx{ID: head.ID, Raw: json.RawMessage(doc)}, nil
}
