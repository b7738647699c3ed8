// Package session implements the per-client-connection state machine: the
// connection lifecycle (handshake through binary mode), client_ref
// allocation and pending result-handler bookkeeping, and the keep-alive
// sub-protocol (spec.md §4.2).
package session

import "fmt"

// State is one stage of a connection's lifecycle.
type State int

const (
	NotConnected State = iota
	Connecting
	Handshake
	TextMode
	BinaryHandshake
	BinaryMode
	Disconnecting
	Aborting
	HandshakeFailure
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Handshake:
		return "Handshake"
	case TextMode:
		return "TextMode"
	case BinaryHandshake:
		return "BinaryHandshake"
	case BinaryMode:
		return "BinaryMode"
	case Disconnecting:
		return "Disconnecting"
	case Aborting:
		return "Aborting"
	case HandshakeFailure:
		return "HandshakeFailure"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions enumerates the legal next states reachable from each
// state, matching spec.md §4.2's
// NotConnected -> Connecting -> Handshake -> TextMode -> BinaryHandshake ->
// BinaryMode -> {Disconnecting, Aborting} -> NotConnected chain, with the
// HandshakeFailure detour terminal before NotConnected.
var validTransitions = map[State]map[State]bool{
	NotConnected:     {Connecting: true},
	Connecting:       {Handshake: true, Aborting: true},
	Handshake:        {TextMode: true, HandshakeFailure: true, Aborting: true},
	TextMode:         {BinaryHandshake: true, Disconnecting: true, Aborting: true},
	BinaryHandshake:  {BinaryMode: true, HandshakeFailure: true, Disconnecting: true, Aborting: true},
	BinaryMode:       {Disconnecting: true, Aborting: true},
	Disconnecting:    {NotConnected: true},
	Aborting:         {NotConnected: true},
	HandshakeFailure: {NotConnected: true},
}

// CanTransition reports whether moving from `from` to `to` is a legal step.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}
