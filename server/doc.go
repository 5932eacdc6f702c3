// Package server assembles a relay from configuration.
//
// New resolves the credential, converting a plaintext password in the
// config file to its hash form, and prepares metrics and health. Run builds
// the runtime graph and blocks:
//
//	TLS material (tcp with tls.enabled) ─┐                                             ┌─> nats publisher
//	connection/datagram limiter ─────────┼─> tcp.Listener | udp.Dispatcher ─> arbiter ─┼─> file recorder
//	message limiter (tcp) ───────────────┘                                       │     └─> Deps.Outputs
//	                                                                 watch ──────┴─> websocket monitor, webhook
//
// Every goroutine belongs to one errgroup. The first failure or the caller's
// cancellation stops the rest, and outputs are closed on every exit path.
package server
