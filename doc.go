// Package padrelay relays game controller input from a client machine to a
// server machine over a LAN.
//
// The client samples a controller at a fixed rate and streams the state to
// the server over one of two transports:
//   - tcp: a length-prefixed JSON session with challenge-response
//     authentication, heartbeats and optional TLS
//   - udp: self-contained datagrams, each carrying a time-windowed token
//
// The server admits a single active source at a time. Accepted input is
// applied to the configured outputs (NATS, a JSON-lines recorder, a
// websocket monitor) and reset to neutral when the source disconnects or
// goes idle.
//
// # Layout
//
//	message            wire types, JSON envelope, tcp framing
//	auth               credentials, tcp challenge, udp tokens, strength checks
//	ratelimit          fixed-window limiter with bounded state
//	input/tcp          reliable session server
//	input/udp          unreliable dispatcher
//	arbiter            active-source selection and output fan-out
//	client             reconnecting tcp and udp clients
//	server             composition root
//	config             YAML/JSON configuration and password persistence
//	output/...         natspub, file, httppost, websocket
//	metric, health     Prometheus metrics and health reporting
//	cmd/...            padrelay-server, padrelay-client, padrelay-passwd
//
// # Quick start
//
//	padrelay-passwd --suggest
//	PADRELAY_PASSWORD='...' padrelay-server --tls
//	PADRELAY_PASSWORD='...' padrelay-client --tls --host 192.168.1.10 < states.jsonl
package padrelay
