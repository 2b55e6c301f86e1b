package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/beacon/internal/domain"
)

// Kind names a client message.
type Kind string

const (
	KindRegister  Kind = "REGISTER"
	KindHeartbeat Kind = "HEARTBEAT"
)

// Message is one client request after validation.
// Hostname and IPAddress are normalized; IPAddress may be empty on HEARTBEAT.
type Message struct {
	Type      Kind    `json:"type"`
	Hostname  string  `json:"hostname"`
	IPAddress string  `json:"ip_address,omitempty"`
	Seq       *uint64 `json:"seq,omitempty"`
}

// Result is the acknowledgment tag.
type Result string

const (
	ResultNewRegistration Result = "new_registration"
	ResultIPChange        Result = "ip_change"
	ResultHeartbeatOnly   Result = "heartbeat_only"
	ResultError           Result = "error"
)

// Ack is the server's reply to one message.
type Ack struct {
	Result   Result  `json:"result"`
	Reason   string  `json:"reason,omitempty"`
	Hostname string  `json:"hostname,omitempty"`
	Seq      *uint64 `json:"seq,omitempty"`
}

// String renders the tag, "error:<reason>" for failures.
func (a Ack) String() string {
	if a.Result == ResultError {
		return "error:" + a.Reason
	}
	return string(a.Result)
}

// Reasons carried by error acks.
const (
	ReasonFrameTooLarge    = "frame_too_large"
	ReasonEmptyFrame       = "empty_frame"
	ReasonMalformed        = "malformed_message"
	ReasonUnknownType      = "unknown_type"
	ReasonInvalidHostname  = "invalid_hostname"
	ReasonInvalidIP        = "invalid_ip"
	ReasonMissingIP        = "missing_ip"
	ReasonHostnameMismatch = "hostname_mismatch"
	ReasonUnknownHost      = "unknown_host"
	ReasonRegistry         = "registry_unavailable"
	ReasonShuttingDown     = "shutting_down"
)

// Error is a protocol violation. It is fatal to the connection that produced it.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func protoErr(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the ack reason for a read or decode error.
func ReasonOf(err error) string {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe.Reason
	case errors.Is(err, ErrFrameTooLarge):
		return ReasonFrameTooLarge
	case errors.Is(err, ErrEmptyFrame):
		return ReasonEmptyFrame
	default:
		return ReasonMalformed
	}
}

type wireMessage struct {
	Type      string  `json:"type"`
	Hostname  string  `json:"hostname"`
	IPAddress string  `json:"ip_address"`
	Seq       *uint64 `json:"seq"`
}

// DecodeMessage parses and validates one payload.
func DecodeMessage(payload []byte) (*Message, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return nil, protoErr(ReasonMalformed, err)
	}
	if dec.More() {
		return nil, protoErr(ReasonMalformed, errors.New("trailing data after message"))
	}

	kind := Kind(w.Type)
	if kind != KindRegister && kind != KindHeartbeat {
		return nil, protoErr(ReasonUnknownType, fmt.Errorf("type %q", w.Type))
	}

	hostname, err := domain.NormalizeHostname(w.Hostname)
	if err != nil {
		return nil, protoErr(ReasonInvalidHostname, err)
	}

	msg := &Message{Type: kind, Hostname: hostname, Seq: w.Seq}

	if w.IPAddress == "" {
		if kind == KindRegister {
			return nil, protoErr(ReasonMissingIP, errors.New("REGISTER requires ip_address"))
		}
		return msg, nil
	}

	ip, err := domain.NormalizeIP(w.IPAddress)
	if err != nil {
		return nil, protoErr(ReasonInvalidIP, err)
	}
	msg.IPAddress = ip
	return msg, nil
}

// EncodeMessage serializes a message for the wire (client side).
func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeAck serializes an acknowledgment.
func EncodeAck(a Ack) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAck parses an acknowledgment (client side).
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(payload, &a); err != nil {
		return Ack{}, fmt.Errorf("malformed ack: %w", err)
	}
	switch a.Result {
	case ResultNewRegistration, ResultIPChange, ResultHeartbeatOnly, ResultError:
		return a, nil
	default:
		return Ack{}, fmt.Errorf("unknown ack result %q", a.Result)
	}
}
