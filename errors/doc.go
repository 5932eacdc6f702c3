// Package errors implements a three-class error classification for padrelay:
// Transient (retry), Invalid (bad input, do not retry) and Fatal (stop).
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// Relay failures are expressed with the sentinels ErrProtocol, ErrAuth,
// ErrRateLimited, ErrTLS and ErrTransport. The reliable transport reports
// fatal errors to the peer before closing; the unreliable transport drops
// silently.
package errors
