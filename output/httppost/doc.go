// Package httppost notifies an HTTP endpoint when the relay's active source
// changes.
//
// Per-frame input is not posted. The notifier watches the arbiter and sends
// one JSON Notification when a new source becomes active, when the active
// source disconnects, and when it is expired for inactivity:
//
//	{"event":"active","source":"192.168.1.20:51234","timestamp_ms":1700000000000}
//
// Failed posts are retried with backoff. 4xx responses other than 408 and
// 429 are not retried. Notifications that cannot be queued because the
// sender is behind are dropped and counted.
package httppost
