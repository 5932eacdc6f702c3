package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	errs "github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/pkg/timestamp"
)

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

// Decode failure kinds
const (
	MalformedPayload DecodeErrorKind = iota
	VersionMismatch
	UnknownType
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed payload"
	case VersionMismatch:
		return "version mismatch"
	case UnknownType:
		return "unknown type"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *DecodeError.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrUnknownType      = errors.New("unknown message type")
)

// DecodeError describes why Decode rejected its input. MalformedPayload and
// VersionMismatch also match errs.ErrProtocol; UnknownType does not, callers
// drop those messages and carry on.
type DecodeError struct {
	Kind DecodeErrorKind
	// Type is the offending type or version string when known.
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Kind == UnknownType:
		return fmt.Sprintf("decode: unknown message type %q", e.Type)
	case e.Kind == VersionMismatch:
		return fmt.Sprintf("decode: protocol version %q, want %q", e.Type, ProtocolVersion)
	case e.Err != nil:
		return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
	default:
		return "decode: " + e.Kind.String()
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches the kind sentinels and, for fatal kinds, errs.ErrProtocol.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformedPayload:
		return e.Kind == MalformedPayload
	case ErrVersionMismatch:
		return e.Kind == VersionMismatch
	case ErrUnknownType:
		return e.Kind == UnknownType
	case errs.ErrProtocol:
		return e.Kind != UnknownType
	}
	return false
}

type envelope struct {
	Type            Type   `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Timestamp       string `json:"timestamp"`
}

// Encode serializes m as one flat JSON object. It fails only for a nil
// payload or values JSON cannot represent (NaN, Inf).
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, errs.WrapInvalid(errs.ErrInvalidData, "message", "Encode", "nil payload check")
	}
	version := m.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}
	head, err := json.Marshal(envelope{
		Type:            m.Payload.MessageType(),
		ProtocolVersion: version,
		Timestamp:       timestamp.Format(m.Timestamp),
	})
	if err != nil {
		return nil, errs.WrapInvalid(err, "message", "Encode", "envelope marshal")
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, errs.WrapInvalid(err, "message", "Encode", "payload marshal")
	}
	return splice(head, body), nil
}

// splice merges two JSON objects: {"a":1} + {"b":2} => {"a":1,"b":2}.
func splice(head, body []byte) []byte {
	if len(body) <= 2 {
		return head
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	return append(out, body[1:]...)
}

// Decode parses one message. Checks run in order: JSON structure, protocol
// version, type, then payload structure. Unknown fields are ignored.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Message{}, &DecodeError{Kind: MalformedPayload, Err: errors.New("not a JSON object")}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, &DecodeError{Kind: MalformedPayload, Err: err}
	}
	if env.Type == "" {
		return Message{}, &DecodeError{Kind: MalformedPayload, Err: errors.New("missing type")}
	}
	if env.ProtocolVersion != ProtocolVersion {
		return Message{}, &DecodeError{Kind: VersionMismatch, Type: env.ProtocolVersion}
	}

	payload, err := decodePayload(env.Type, data)
	if err != nil {
		return Message{}, err
	}

	ts, err := timestamp.Parse(env.Timestamp)
	if err != nil {
		return Message{}, &DecodeError{Kind: MalformedPayload, Type: string(env.Type), Err: fmt.Errorf("timestamp: %w", err)}
	}

	return Message{
		Type:            env.Type,
		ProtocolVersion: env.ProtocolVersion,
		Timestamp:       ts,
		Payload:         payload,
	}, nil
}

func decodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeInput:
		p, err := unmarshalAs[Input](t, data)
		p.Normalize()
		return p, err
	case TypeAuthChallenge:
		return unmarshalAs[AuthChallenge](t, data)
	case TypeAuthResponse:
		return unmarshalAs[AuthResponse](t, data)
	case TypeAuthSuccess:
		return AuthSuccess{}, nil
	case TypeAuthFailed:
		return unmarshalAs[AuthFailed](t, data)
	case TypeAuthParamsRequest:
		return AuthParamsRequest{}, nil
	case TypeAuthParams:
		return unmarshalAs[AuthParams](t, data)
	case TypeHeartbeat:
		return unmarshalAs[Heartbeat](t, data)
	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil
	case TypeError:
		return unmarshalAs[Error](t, data)
	default:
		return nil, &DecodeError{Kind: UnknownType, Type: string(t)}
	}
}

func unmarshalAs[T Payload](t Type, data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, &DecodeError{Kind: MalformedPayload, Type: string(t), Err: err}
	}
	return p, nil
}

// Canonical returns the encoding of m with any token removed. UDP tokens are
// computed over these bytes.
func Canonical(m Message) ([]byte, error) {
	if tok, ok := Token(m.Payload); ok && tok != "" {
		m.Payload = WithToken(m.Payload, "")
	}
	return Encode(m)
}

// Token returns the token carried by p. ok is false for payload types that
// never carry one.
func Token(p Payload) (token string, ok bool) {
	switch v := p.(type) {
	case Input:
		return v.Token, true
	case Heartbeat:
		return v.Token, true
	}
	return "", false
}

// WithToken returns p with its token set. Payloads without a token are
// returned unchanged.
func WithToken(p Payload, token string) Payload {
	switch v := p.(type) {
	case Input:
		v.Token = token
		return v
	case Heartbeat:
		v.Token = token
		return v
	}
	return p
}
