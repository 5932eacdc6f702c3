// Package file records accepted controller input to disk as JSON lines.
//
// Each line is one Record: the input state the relay applied plus the time it
// was recorded in unix milliseconds. Writes are buffered and flushed when the
// buffer fills, on every FlushInterval tick of Run, and on Close. Lines parse
// as client input, so a recording can be piped back into padrelay-client.
//
// Release and expiry of the active source arrive as neutral input and are
// recorded like any other state.
package file
