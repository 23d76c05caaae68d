// Package account holds the orchestrator's view of the connected account and
// network and reconciles it against connector snapshots.
package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/walleterr"
)

const defaultLookupTimeout = 15 * time.Second

// Account is the connected account. Address and network always come from
// the same snapshot or a later network update.
type Account struct {
	Address        string             `json:"address"`
	PublicKey      string             `json:"public_key"`
	Name           string             `json:"name,omitempty"`
	Network        network.Descriptor `json:"network"`
	IsSmartAccount bool               `json:"is_smart_account"`
}

// State is a copy of everything the Sync holds.
type State struct {
	Account *Account            `json:"account,omitempty"`
	Network *network.Descriptor `json:"network,omitempty"`
}

// ScriptChecker answers "is this a smart account".
type ScriptChecker interface {
	HasScript(ctx context.Context, d network.Descriptor, address string) (bool, error)
}

// Sync reconciles connector snapshots. Snapshots are applied in arrival
// order; the last one wins per field.
type Sync struct {
	checker       ScriptChecker
	sink          notify.Sink
	metrics       *metrics.Metrics
	logger        *slog.Logger
	lookupTimeout time.Duration

	mu         sync.Mutex
	account    *Account
	network    *network.Descriptor
	generation uint64
	observers  []func(State)
	lookups    sync.WaitGroup
}

// NewSync creates an empty Sync. checker may be nil, in which case accounts
// are never marked smart.
func NewSync(checker ScriptChecker, sink notify.Sink, m *metrics.Metrics, logger *slog.Logger) *Sync {
	return &Sync{
		checker:       checker,
		sink:          sink,
		metrics:       m,
		logger:        logger.With("component", "account_sync"),
		lookupTimeout: defaultLookupTimeout,
	}
}

// Observe registers fn to receive a copy of the state after every change.
func (s *Sync) Observe(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Current returns a copy of the held state.
func (s *Sync) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Account returns the held account, if any.
func (s *Sync) Account() (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return Account{}, false
	}
	return *s.account, true
}

// Network returns the held network, if any.
func (s *Sync) Network() (network.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.network == nil {
		return network.Descriptor{}, false
	}
	return *s.network, true
}

func (s *Sync) stateLocked() State {
	var st State
	if s.account != nil {
		acc := *s.account
		st.Account = &acc
	}
	if s.network != nil {
		d := *s.network
		st.Network = &d
	}
	return st
}

// ApplySnapshot reconciles one snapshot:
//   - a network that differs from the held one replaces it immediately;
//   - a rejected snapshot leaves the held state untouched;
//   - an account replaces the held one and starts a smart-account lookup;
//   - no account while one is held clears it;
//   - no account while none is held changes nothing.
//
// Identical snapshots are no-ops, so applying one twice equals applying it once.
func (s *Sync) ApplySnapshot(ctx context.Context, snap connector.Snapshot) error {
	s.mu.Lock()

	// the snapshot is checked against the network it leaves in effect before
	// any field is written
	nextNetwork := s.network
	if snap.Network != nil {
		d := *snap.Network
		nextNetwork = &d
	}
	if snap.Account != nil {
		if nextNetwork == nil {
			s.mu.Unlock()
			s.metrics.RecordSnapshot("rejected")
			return walleterr.New(walleterr.ConnectorCallFailed, "connector reported an account without a network")
		}
		if err := network.ValidateAddress(snap.Account.Address, nextNetwork.ID); err != nil {
			s.mu.Unlock()
			s.metrics.RecordSnapshot("rejected")
			return walleterr.Wrap(walleterr.ConnectorCallFailed, err, "connector reported an account for another network")
		}
	}

	changed := false
	if nextNetwork != nil && (s.network == nil || *s.network != *nextNetwork) {
		s.network = nextNetwork
		changed = true
	}

	var lookup *Account
	var gen uint64
	switch {
	case snap.Account != nil:
		next := Account{
			Address:   snap.Account.Address,
			PublicKey: snap.Account.PublicKey,
			Name:      snap.Account.Name,
			Network:   *s.network,
		}
		if s.account != nil && sameIdentity(*s.account, next) {
			break
		}
		s.generation++
		s.account = &next
		changed = true
		acc := next
		lookup = &acc
		gen = s.generation
	case s.account != nil:
		s.generation++
		s.account = nil
		changed = true
	}

	var observers []func(State)
	var st State
	if changed {
		observers = append(observers, s.observers...)
		st = s.stateLocked()
	}
	if lookup != nil && s.checker != nil {
		s.lookups.Add(1)
	}
	s.mu.Unlock()

	if !changed {
		s.metrics.RecordSnapshot("noop")
		return nil
	}
	s.metrics.RecordSnapshot("applied")
	s.logger.InfoContext(ctx, "account state changed",
		"address", addressOf(st.Account),
		"network", networkOf(st.Network),
	)
	for _, fn := range observers {
		fn(st)
	}

	if lookup != nil && s.checker != nil {
		go s.lookupScript(context.WithoutCancel(ctx), *lookup, gen)
	}
	return nil
}

// lookupScript resolves IsSmartAccount for the account held at generation
// gen. A result for an account that is no longer held is dropped.
func (s *Sync) lookupScript(ctx context.Context, acc Account, gen uint64) {
	defer s.lookups.Done()

	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	smart, err := s.checker.HasScript(ctx, acc.Network, acc.Address)
	if err != nil {
		s.metrics.RecordSmartAccountLookup("error")
		s.logger.WarnContext(ctx, "smart account lookup failed",
			"address", acc.Address,
			"network", acc.Network.Name,
			"error", err,
		)
		we := walleterr.Wrap(walleterr.ConnectorCallFailed, err, "could not check whether the account is scripted")
		notify.Emit(ctx, s.sink, notify.FromError(we), s.logger)
		return
	}

	s.mu.Lock()
	if s.generation != gen || s.account == nil {
		s.mu.Unlock()
		s.metrics.RecordSmartAccountLookup("stale")
		s.logger.DebugContext(ctx, "dropping stale smart account lookup", "address", acc.Address)
		return
	}
	if s.account.IsSmartAccount == smart {
		s.mu.Unlock()
		s.recordLookup(smart)
		return
	}
	s.account.IsSmartAccount = smart
	observers := append([]func(State){}, s.observers...)
	st := s.stateLocked()
	s.mu.Unlock()

	s.recordLookup(smart)
	s.logger.InfoContext(ctx, "smart account status resolved",
		"address", acc.Address,
		"is_smart_account", smart,
	)
	for _, fn := range observers {
		fn(st)
	}
}

func (s *Sync) recordLookup(smart bool) {
	if smart {
		s.metrics.RecordSmartAccountLookup("smart")
		return
	}
	s.metrics.RecordSmartAccountLookup("plain")
}

// Wait blocks until in-flight smart-account lookups finish.
func (s *Sync) Wait() {
	s.lookups.Wait()
}

func sameIdentity(a, b Account) bool {
	return a.Address == b.Address && a.PublicKey == b.PublicKey && a.Name == b.Name && a.Network == b.Network
}

func addressOf(a *Account) string {
	if a == nil {
		return ""
	}
	return a.Address
}

func networkOf(d *network.Descriptor) string {
	if d == nil {
		return ""
	}
	return d.Name
}
