package connector

import "fmt"

// ConnectionState is the lifecycle of the connection to the extension.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateProbing
	StateNotFound
	StateFound
	StateUninitialized
	StateInitializing
	StateInitialized
	StateUnauthorized
	StateAuthorized
)

var stateNames = map[ConnectionState]string{
	StateUnknown:       "unknown",
	StateProbing:       "probing",
	StateNotFound:      "not_found",
	StateFound:         "found",
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateInitialized:   "initialized",
	StateUnauthorized:  "unauthorized",
	StateAuthorized:    "authorized",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", string(text))
}

// transitions lists the allowed moves. Everything is forward-only except
// authorization, which the connector may revoke and grant again, and a failed
// handshake, which may be retried.
var transitions = map[ConnectionState][]ConnectionState{
	StateUnknown:       {StateProbing},
	StateProbing:       {StateFound, StateNotFound},
	StateFound:         {StateInitializing, StateUninitialized},
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateInitialized, StateUninitialized},
	StateInitialized:   {StateAuthorized, StateUnauthorized},
	StateUnauthorized:  {StateAuthorized},
	StateAuthorized:    {StateUnauthorized},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ready reports whether the handshake completed, authorized or not.
func (s ConnectionState) Ready() bool {
	return s == StateInitialized || s == StateUnauthorized || s == StateAuthorized
}
