package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// PeerIDPattern is the peer identity grammar: 1–64 chars of [A-Za-z0-9-].
var PeerIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidationError carries the wire error kind a failed validation must be
// reported to the sender as.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Kind: ErrInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// ParseFrame decodes a raw inbound frame into an Envelope. A frame that
// isn't valid JSON is rejected as invalid-message; invalid UTF-8 bytes
// inside JSON strings are not rejected (encoding/json replaces them with
// U+FFFD).
func ParseFrame(data []byte) (*Envelope, *ValidationError) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("Invalid JSON format")
	}
	return &env, nil
}

// Validate schema-checks env against the client-message variant set. It
// returns the typed payload for relay messages so callers don't need to
// decode the envelope's payload twice.
func Validate(env *Envelope) (sdp *SDPPayload, ice *ICEPayload, verr *ValidationError) {
	switch env.Type {
	case TypeHeartbeat:
		return nil, nil, nil

	case TypeOffer, TypeAnswer:
		if !PeerIDPattern.MatchString(env.Src) {
			return nil, nil, invalid("Invalid or missing src peer ID")
		}
		if !PeerIDPattern.MatchString(env.Dst) {
			return nil, nil, invalid("Invalid or missing dst peer ID")
		}
		var payload SDPPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, nil, invalid("Invalid SDP payload")
		}
		if !sdpTypes[payload.Type] {
			return nil, nil, invalid("Invalid SDP type %q", payload.Type)
		}
		if payload.SDP == "" {
			return nil, nil, invalid("Missing SDP body")
		}
		return &payload, nil, nil

	case TypeCandidate:
		if !PeerIDPattern.MatchString(env.Src) {
			return nil, nil, invalid("Invalid or missing src peer ID")
		}
		if !PeerIDPattern.MatchString(env.Dst) {
			return nil, nil, invalid("Invalid or missing dst peer ID")
		}
		var payload ICEPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, nil, invalid("Invalid ICE candidate payload")
		}
		if payload.Candidate == "" {
			return nil, nil, invalid("Missing ICE candidate string")
		}
		return nil, &payload, nil

	case TypeLeave:
		if !PeerIDPattern.MatchString(env.Src) {
			return nil, nil, invalid("Invalid or missing src peer ID")
		}
		return nil, nil, nil

	default:
		return nil, nil, invalid("Unknown message type")
	}
}
