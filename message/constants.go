package message

import "time"

// Protocol constants shared by client and server builds.
const (
	ProtocolVersion = "1.0"

	DefaultPort = 9999

	// MaxFrameSize bounds a single TCP frame payload.
	MaxFrameSize = 4096
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 15 * time.Second

	// TokenFreshness is the maximum clock distance accepted for UDP tokens.
	TokenFreshness = 60 * time.Second

	DefaultUpdateRate = 60

	ReconnectDelay = 5 * time.Second
	AuthTimeout    = 10 * time.Second

	// AuthParamsWait is how long a UDP client waits for an AuthParams reply.
	AuthParamsWait = 200 * time.Millisecond
)
