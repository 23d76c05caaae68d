// Package connector talks to the browser-extension wallet ("the connector"):
// presence probing, the authorization session and the validated shapes of
// everything the connector sends back.
package connector

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotInstalled is returned by connectors that have no extension to talk to.
var ErrNotInstalled = errors.New("connector is not installed")

// CodeNotAuthorized is the connector error code for "this origin has not been
// approved yet". It is a pending state, not a failure.
const CodeNotAuthorized = "14"

// Connector is the capability set consumed from the extension wallet.
// Implementations must be safe for concurrent use.
type Connector interface {
	// DetectPresence reports whether the extension is available right now.
	DetectPresence(ctx context.Context) (bool, error)
	// AwaitInitialization blocks until the extension finished its own startup.
	AwaitInitialization(ctx context.Context) error
	// PublicState returns the current account/network snapshot.
	PublicState(ctx context.Context) (PublicState, error)
	// OnUpdate registers a listener for pushed snapshots. There is no way to
	// unregister; listeners live as long as the page session.
	OnUpdate(ctx context.Context, fn func(PublicState)) error
	// SignTransaction returns the signed transaction as JSON.
	SignTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)
	// SignAndPublishTransaction signs and broadcasts, returning the published
	// transaction as JSON.
	SignAndPublishTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)
	// Capabilities reports which call shapes the connector supports.
	Capabilities() Capabilities
}

// Capabilities advertises the transaction call shapes a connector supports.
type Capabilities struct {
	SignAndPublish bool `json:"sign_and_publish"`
	Sign           bool `json:"sign"`
}
