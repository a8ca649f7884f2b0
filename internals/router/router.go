// Package router implements the stateless client-message → server-message
// transform. It never touches the registry; the room actor resolves
// Outcome.DestPeerID (or fans the LEAVE broadcast out to the registry)
// and owns all send failure handling.
package router

import (
	"encoding/json"

	"github.com/peerjs-broker/broker/internals/protocol"
)

// Outcome is the result of routing one validated client message: either a
// single addressed frame (OFFER/ANSWER/CANDIDATE) or a broadcast frame
// (LEAVE) for every other peer in the room.
type Outcome struct {
	DestPeerID string
	Frame      []byte
	Broadcast  bool
}

// Route transforms a validated client message into the frame(s) it
// produces. msgType is assumed to already be one of protocol's relay or
// LEAVE types — callers dispatch on type before reaching here.
func Route(msgType, src, dst string, payload json.RawMessage) Outcome {
	switch msgType {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		return Outcome{DestPeerID: dst, Frame: protocol.Relay(msgType, src, payload)}
	case protocol.TypeLeave:
		return Outcome{Broadcast: true, Frame: protocol.Leave(src)}
	default:
		return Outcome{}
	}
}
