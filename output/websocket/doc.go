// Package websocket serves a live view of the relay's active source.
//
// Each connected browser or tool receives a "snapshot" envelope on connect
// followed by one envelope per arbiter event:
//
//	{"type":"accepted","id":"<uuid>","timestamp":1717243200000,"payload":{...}}
//
// The payload carries the source address, its last input, the message
// timestamp and the server time it was accepted. "released" and "expired"
// envelopes carry the departing address and a neutral input.
//
// The monitor is read-only. Frames sent by clients are read and discarded so
// that close and pong frames are processed. A client whose send buffer is
// full misses events rather than slowing the relay.
package websocket
