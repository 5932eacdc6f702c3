// Package tcp implements the reliable transport: a TCP listener whose
// connections each run a small session state machine.
//
// A session moves through
//
//	Connecting -> TLSHandshake -> AwaitingResponse -> Authenticated -> Closed
//
// TLSHandshake is skipped when the listener has no TLS config. On entering
// AwaitingResponse the server sends an AuthChallenge; the client has
// Config.AuthTimeout to answer. Once authenticated, Heartbeat messages are
// acknowledged and Input messages are rate limited, sanitized and offered to
// the arbiter. A session that goes Config.HeartbeatTimeout without a heartbeat
// is closed.
//
// Fatal conditions are reported to the peer before the connection is closed:
// a failed or late challenge response gets AuthFailed, a malformed or
// unexpected message gets Error. TLS failures and rate-limited connection
// attempts are closed without a reply.
//
// Only Config.MaxSessions sessions may be authenticated at once. The slot is
// taken once the challenge response verifies, so an idle or failed peer never
// holds one; a client that authenticates while the cap is reached receives
// Error{"another client is already connected", 503} in place of AuthSuccess.
//
// When an authenticated session closes it releases its hold on the arbiter, so
// outputs return to a neutral state if that client was the active source.
package tcp
