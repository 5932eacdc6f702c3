// Package udp implements the unreliable transport: a single read loop that
// authenticates every datagram on its own.
//
// # Processing
//
// Each datagram passes, in order:
//
//  1. the rate limiter, keyed by source IP
//  2. a size check against message.MaxDatagramSize
//  3. message.Decode; malformed datagrams are dropped, unknown types are
//     logged at debug level and dropped
//  4. dispatch on type:
//     - AuthParamsRequest is answered with AuthParams when the server holds a
//       hashed credential. The encoded reply is cached per source address so
//       repeated requests get the same bytes.
//     - Input must carry a valid token no more than the freshness window away
//       from the server clock. It is then sanitized and offered to the arbiter
//       under the message's own timestamp.
//     - Heartbeat is checked the same way and answered with HeartbeatAck to
//       the sender. An unsigned or stale heartbeat gets no reply.
//     - every other type is dropped.
//
// The dispatcher never sends an error. Silence is the only signal a sender
// gets for a rejected datagram.
//
// # Lifecycle
//
// Start binds the socket, retrying transient failures, and runs the read loop
// in a goroutine. The loop wakes every 100ms to observe shutdown. Stop closes
// the socket and waits for the loop to finish. Serve wraps both for use under
// an errgroup.
package udp
