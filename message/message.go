package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/c360/padrelay/pkg/timestamp"
)

// Type is the value of the envelope "type" field.
type Type string

// Message types
const (
	TypeInput             Type = "input"
	TypeAuthChallenge     Type = "auth_challenge"
	TypeAuthResponse      Type = "auth_response"
	TypeAuthSuccess       Type = "auth_success"
	TypeAuthFailed        Type = "auth_failed"
	TypeAuthParamsRequest Type = "auth_params_request"
	TypeAuthParams        Type = "auth_params"
	TypeHeartbeat         Type = "heartbeat"
	TypeHeartbeatAck      Type = "heartbeat_ack"
	TypeError             Type = "error"
)

// Message is the envelope plus exactly one payload variant.
type Message struct {
	Type            Type
	ProtocolVersion string
	Timestamp       time.Time
	Payload         Payload
}

// Payload is implemented only by the variants in this package.
type Payload interface {
	MessageType() Type
	sealed()
}

// New wraps p in an envelope stamped with the current time.
func New(p Payload) Message {
	return NewAt(p, time.Now())
}

// NewAt wraps p in an envelope stamped with ts. The timestamp is stored in UTC
// without a monotonic reading so it survives an encode/decode round trip.
func NewAt(p Payload, ts time.Time) Message {
	return Message{
		Type:            p.MessageType(),
		ProtocolVersion: ProtocolVersion,
		Timestamp:       timestamp.Normalize(ts),
		Payload:         p,
	}
}

// HexBytes marshals as a lower-case hex string.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*h = b
	return nil
}

// String returns the hex encoding.
func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// Hat is one hat switch position: x and y in {-1, 0, 1}.
type Hat [2]int

// Triggers holds analog trigger values, nominally in [0, 1].
type Triggers struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// Input is one normalized controller snapshot.
type Input struct {
	// Buttons is the set of pressed button indices, sorted and deduplicated.
	Buttons  []uint    `json:"buttons"`
	Axes     []float64 `json:"axes"`
	Hats     []Hat     `json:"hats"`
	Triggers Triggers  `json:"triggers"`
	// Token authenticates the message on the unreliable transport.
	Token string `json:"token,omitempty"`
}

// NewInput returns an Input with the button set normalized and no nil slices.
func NewInput(buttons []uint, axes []float64, hats []Hat, triggers Triggers) Input {
	in := Input{Buttons: buttons, Axes: axes, Hats: hats, Triggers: triggers}
	in.Normalize()
	return in
}

// Normalize sorts and deduplicates Buttons and replaces nil slices with empty
// ones.
func (in *Input) Normalize() {
	if in.Buttons == nil {
		in.Buttons = []uint{}
	}
	slices.Sort(in.Buttons)
	in.Buttons = slices.Compact(in.Buttons)
	if in.Axes == nil {
		in.Axes = []float64{}
	}
	if in.Hats == nil {
		in.Hats = []Hat{}
	}
}

// Clone returns a deep copy.
func (in Input) Clone() Input {
	out := in
	out.Buttons = slices.Clone(in.Buttons)
	out.Axes = slices.Clone(in.Axes)
	out.Hats = slices.Clone(in.Hats)
	return out
}

// Pressed reports whether button b is in the set.
func (in Input) Pressed(b uint) bool {
	_, found := slices.BinarySearch(in.Buttons, b)
	return found
}

// Neutral is the released state: nothing pressed, every axis centred.
func Neutral() Input {
	return NewInput(nil, nil, nil, Triggers{})
}

// AuthChallenge carries the random challenge and the key derivation
// parameters the client must use.
type AuthChallenge struct {
	Challenge  HexBytes `json:"challenge"`
	Salt       HexBytes `json:"salt"`
	Iterations uint     `json:"iterations"`
}

// AuthResponse carries HMAC-SHA256(key, challenge).
type AuthResponse struct {
	Response HexBytes `json:"response"`
}

// AuthSuccess confirms the challenge response.
type AuthSuccess struct{}

// AuthFailed ends an authentication attempt. Reason is always generic.
type AuthFailed struct {
	Reason string `json:"reason,omitempty"`
}

// AuthParamsRequest asks a UDP server for its key derivation parameters.
type AuthParamsRequest struct{}

// AuthParams answers AuthParamsRequest.
type AuthParams struct {
	Salt       HexBytes `json:"salt"`
	Iterations uint     `json:"iterations"`
}

// Heartbeat is sent by clients every HeartbeatInterval. Over UDP it carries a
// token computed like an input token; over TCP the session is already
// authenticated and Token stays empty.
type Heartbeat struct {
	Token string `json:"token,omitempty"`
}

// HeartbeatAck answers Heartbeat.
type HeartbeatAck struct{}

// Error reports a connection-fatal condition to the peer.
type Error struct {
	Message string  `json:"message"`
	Code    *uint32 `json:"code,omitempty"`
}

// NewError builds an Error with a code.
func NewError(msg string, code uint32) Error {
	return Error{Message: msg, Code: &code}
}

func (Input) MessageType() Type             { return TypeInput }
func (AuthChallenge) MessageType() Type     { return TypeAuthChallenge }
func (AuthResponse) MessageType() Type      { return TypeAuthResponse }
func (AuthSuccess) MessageType() Type       { return TypeAuthSuccess }
func (AuthFailed) MessageType() Type        { return TypeAuthFailed }
func (AuthParamsRequest) MessageType() Type { return TypeAuthParamsRequest }
func (AuthParams) MessageType() Type        { return TypeAuthParams }
func (Heartbeat) MessageType() Type         { return TypeHeartbeat }
func (HeartbeatAck) MessageType() Type      { return TypeHeartbeatAck }
func (Error) MessageType() Type             { return TypeError }

func (Input) sealed()             {}
func (AuthChallenge) sealed()     {}
func (AuthResponse) sealed()      {}
func (AuthSuccess) sealed()       {}
func (AuthFailed) sealed()        {}
func (AuthParamsRequest) sealed() {}
func (AuthParams) sealed()        {}
func (Heartbeat) sealed()         {}
func (HeartbeatAck) sealed()      {}
func (Error) sealed()             {}
