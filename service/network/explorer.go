package network

import (
	"net/url"
	"strings"
)

// Resource kinds understood by the explorer.
const (
	ResourceTx      = "tx"
	ResourceAddress = "address"
)

// ExplorerLink builds {origin}/{kind}/{id}. It returns "" when the network has no
// explorer origin or the origin is not an absolute URL, so callers never get a
// malformed link.
func ExplorerLink(d Descriptor, kind, id string) string {
	if !d.HasExplorer() || kind == "" || id == "" {
		return ""
	}
	origin, err := url.Parse(strings.TrimRight(d.ExplorerOrigin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return ""
	}
	return origin.JoinPath(kind, id).String()
}

// TxLink is ExplorerLink for a transaction id.
func TxLink(d Descriptor, txID string) string {
	return ExplorerLink(d, ResourceTx, txID)
}
