// Package retry provides two loops.
//
// Do runs an operation a bounded number of times with exponential backoff and
// is used for socket binds and transient write failures:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    conn, err = net.ListenUDP("udp", addr)
//	    return err
//	})
//
// Forever runs an operation until the context ends, pausing a fixed interval
// between runs. The client driver uses it for its reconnect loop:
//
//	retry.Forever(ctx, clk, 5*time.Second, session.Run, logFailure)
//
// Errors wrapped with NonRetryable stop Do immediately. Both loops accept a
// github.com/benbjohnson/clock Clock so tests can advance time by hand.
package retry
