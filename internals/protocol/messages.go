// Package protocol declares the wire message shapes exchanged between a
// peer and the broker and validates inbound frames against them.
package protocol

import "encoding/json"

// Client-to-server message types.
const (
	TypeHeartbeat = "HEARTBEAT"
	TypeOffer     = "OFFER"
	TypeAnswer    = "ANSWER"
	TypeCandidate = "CANDIDATE"
	TypeLeave     = "LEAVE"
)

// Server-to-client message types.
const (
	TypeOpen   = "OPEN"
	TypeExpire = "EXPIRE"
	TypeError  = "ERROR"
)

// ErrorKind is the finite, wire-visible error vocabulary.
type ErrorKind string

const (
	ErrInvalidMessage    ErrorKind = "invalid-message"
	ErrUnknownPeer       ErrorKind = "unknown-peer"
	ErrRateLimitExceeded ErrorKind = "rate-limit-exceeded"
	ErrRoomFull          ErrorKind = "room-full"
	ErrInternal          ErrorKind = "internal-error"
)

// Envelope is the shape every inbound client frame is first decoded into.
// Relay types (OFFER/ANSWER/CANDIDATE) populate Src/Dst/Payload; HEARTBEAT
// and LEAVE only ever populate a subset of the fields.
type Envelope struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload is the OFFER/ANSWER payload shape.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

var sdpTypes = map[string]bool{
	"offer":    true,
	"answer":   true,
	"pranswer": true,
	"rollback": true,
}

// ICEPayload is the CANDIDATE payload shape.
type ICEPayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *int    `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// --- server → client message constructors ---

type openMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// Open builds the OPEN{peerId} frame sent once per lifecycle to a newly
// registered peer.
func Open(peerID string) []byte {
	b, _ := json.Marshal(openMessage{Type: TypeOpen, PeerID: peerID})
	return b
}

type relayMessage struct {
	Type    string          `json:"type"`
	Src     string          `json:"src"`
	Payload json.RawMessage `json:"payload"`
}

// Relay builds an OFFER/ANSWER/CANDIDATE frame for delivery to dst, with
// dst stripped and src set to the original sender.
func Relay(msgType, src string, payload json.RawMessage) []byte {
	b, _ := json.Marshal(relayMessage{Type: msgType, Src: src, Payload: payload})
	return b
}

type peerIDMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// Leave builds the LEAVE{peerId} fan-out frame.
func Leave(peerID string) []byte {
	b, _ := json.Marshal(peerIDMessage{Type: TypeLeave, PeerID: peerID})
	return b
}

// Expire builds the EXPIRE{peerId} fan-out frame.
func Expire(peerID string) []byte {
	b, _ := json.Marshal(peerIDMessage{Type: TypeExpire, PeerID: peerID})
	return b
}

type errorPayload struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

type errorMessage struct {
	Type    string       `json:"type"`
	Payload errorPayload `json:"payload"`
}

// Error builds the ERROR{payload:{type,message}} frame. kind is always one
// of the five enumerated ErrorKind values.
func Error(kind ErrorKind, message string) []byte {
	b, _ := json.Marshal(errorMessage{
		Type:    TypeError,
		Payload: errorPayload{Type: kind, Message: message},
	})
	return b
}
