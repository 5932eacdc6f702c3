// Package message defines the padrelay wire protocol: the message envelope,
// the closed set of payload variants, their JSON encoding and the length
// prefixed framing used on the reliable transport.
//
// # Wire format
//
// Every message is a single flat JSON object. The envelope fields and the
// payload fields share the top level:
//
//	{"type":"input","protocol_version":"1.0","timestamp":"2024-05-01T10:00:00Z",
//	 "buttons":[0,1],"axes":[0,-0.5],"hats":[[0,1]],"triggers":{"left":0,"right":0.7}}
//
// Byte fields (challenges, salts, responses) are lower-case hex strings.
// Timestamps are UTC RFC 3339 with nanosecond precision.
//
// # Payloads
//
// Payload is a sealed interface. Decode dispatches on the type field with an
// exhaustive switch so adding a variant is a compile-checked change:
//
//	msg, err := message.Decode(data)
//	switch {
//	case errors.Is(err, message.ErrUnknownType):
//	    // log and drop
//	case err != nil:
//	    // protocol error
//	}
//	switch p := msg.Payload.(type) {
//	case message.Input:
//	case message.Heartbeat:
//	}
//
// The codec never clamps numeric values. Range policy belongs to the session
// layer (see processor/sanitize).
//
// # Framing
//
// TCP streams carry one message per frame, each prefixed with its length as a
// 4-byte big-endian integer. Frames above MaxFrameSize are protocol errors.
// UDP carries exactly one message per datagram.
package message
