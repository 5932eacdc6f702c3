package message

import (
	"errors"
	"math"
	"testing"
	"time"

	errs "github.com/c360/padrelay/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)

func code(c uint32) *uint32 { return &c }

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"empty input", NewInput(nil, nil, nil, Triggers{})},
		{"trigger bounds", NewInput([]uint{}, []float64{}, []Hat{}, Triggers{Left: 0.0, Right: 1.0})},
		{"full input", NewInput([]uint{0, 1, 7}, []float64{0, -0.5, 0.8, 0}, []Hat{{0, 1}, {-1, -1}}, Triggers{Left: 0, Right: 0.7})},
		{"out of range values survive", NewInput([]uint{3}, []float64{-4.5, 2}, []Hat{{5, -9}}, Triggers{Left: -1, Right: 3})},
		{"signed input", Input{Buttons: []uint{2}, Axes: []float64{}, Hats: []Hat{}, Token: "abcd"}},
		{"challenge", AuthChallenge{Challenge: HexBytes{1, 2, 3}, Salt: HexBytes{0xff, 0x00}, Iterations: 100000}},
		{"response", AuthResponse{Response: HexBytes{0xde, 0xad, 0xbe, 0xef}}},
		{"success", AuthSuccess{}},
		{"failed with reason", AuthFailed{Reason: "authentication failed"}},
		{"failed bare", AuthFailed{}},
		{"params request", AuthParamsRequest{}},
		{"params", AuthParams{Salt: HexBytes{9, 9}, Iterations: 1}},
		{"heartbeat", Heartbeat{}},
		{"heartbeat ack", HeartbeatAck{}},
		{"error with code", Error{Message: "another client is already connected", Code: code(503)}},
		{"error without code", Error{Message: "bad frame"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAt(tt.payload, testTime)
			data, err := Encode(m)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestEncode_FlatObject(t *testing.T) {
	m := NewAt(NewInput([]uint{1, 0, 1}, []float64{0.25}, nil, Triggers{Right: 0.5}), testTime)
	data, err := Encode(m)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type":"input",
		"protocol_version":"1.0",
		"timestamp":"2024-05-01T10:00:00.123456789Z",
		"buttons":[0,1],
		"axes":[0.25],
		"hats":[],
		"triggers":{"left":0,"right":0.5}
	}`, string(data))

	data, err = Encode(NewAt(Heartbeat{}, testTime))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00.123456789Z"}`, string(data))
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(Message{Timestamp: testTime})
	assert.Error(t, err)

	_, err = Encode(NewAt(NewInput(nil, []float64{math.NaN()}, nil, Triggers{}), testTime))
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		sentinel error
		protocol bool
	}{
		{"empty", ``, ErrMalformedPayload, true},
		{"not json", `hello`, ErrMalformedPayload, true},
		{"array", `[1,2]`, ErrMalformedPayload, true},
		{"truncated", `{"type":"input"`, ErrMalformedPayload, true},
		{"missing type", `{"protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z"}`, ErrMalformedPayload, true},
		{"wrong version", `{"type":"input","protocol_version":"2.0","timestamp":"2024-05-01T10:00:00Z"}`, ErrVersionMismatch, true},
		{"missing version", `{"type":"heartbeat","timestamp":"2024-05-01T10:00:00Z"}`, ErrVersionMismatch, true},
		{"version beats unknown type", `{"type":"teleport","protocol_version":"0.9","timestamp":"x"}`, ErrVersionMismatch, true},
		{"unknown type", `{"type":"teleport","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z"}`, ErrUnknownType, false},
		{"bad timestamp", `{"type":"heartbeat","protocol_version":"1.0","timestamp":"yesterday"}`, ErrMalformedPayload, true},
		{"bad hex", `{"type":"auth_response","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z","response":"zz"}`, ErrMalformedPayload, true},
		{"negative button", `{"type":"input","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z","buttons":[-1]}`, ErrMalformedPayload, true},
		{"axes wrong type", `{"type":"input","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z","axes":"left"}`, ErrMalformedPayload, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.protocol, errors.Is(err, errs.ErrProtocol))

			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	data := `{"type":"input","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z",
		"buttons":[4,2,4],"axes":[0.1],"future_field":{"x":1}}`

	m, err := Decode([]byte(data))
	require.NoError(t, err)

	in, ok := m.Payload.(Input)
	require.True(t, ok)
	assert.Equal(t, []uint{2, 4}, in.Buttons)
	assert.Equal(t, []float64{0.1}, in.Axes)
	assert.Equal(t, []Hat{}, in.Hats)
	assert.Equal(t, TypeInput, m.Type)
}

func TestCanonical_StripsToken(t *testing.T) {
	in := NewInput([]uint{1}, nil, nil, Triggers{})
	plain := NewAt(in, testTime)
	in.Token = "deadbeef"
	signed := NewAt(in, testTime)

	a, err := Canonical(plain)
	require.NoError(t, err)
	b, err := Canonical(signed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, string(b), "token")

	full, err := Encode(signed)
	require.NoError(t, err)
	assert.Contains(t, string(full), `"token":"deadbeef"`)
}

func TestCanonical_StripsHeartbeatToken(t *testing.T) {
	a, err := Canonical(NewAt(Heartbeat{}, testTime))
	require.NoError(t, err)
	b, err := Canonical(NewAt(Heartbeat{Token: "deadbeef"}, testTime))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	tok, ok := Token(Heartbeat{Token: "deadbeef"})
	assert.True(t, ok)
	assert.Equal(t, "deadbeef", tok)
	_, ok = Token(HeartbeatAck{})
	assert.False(t, ok)
	assert.Equal(t, HeartbeatAck{}, WithToken(HeartbeatAck{}, "x"))
}

func TestInput_Helpers(t *testing.T) {
	in := NewInput([]uint{5, 1, 5}, nil, nil, Triggers{})
	assert.True(t, in.Pressed(5))
	assert.False(t, in.Pressed(2))

	c := in.Clone()
	c.Buttons[0] = 9
	assert.Equal(t, uint(1), in.Buttons[0])

	n := Neutral()
	assert.Empty(t, n.Buttons)
	assert.NotNil(t, n.Axes)
}
