// Package client is the sending side of the relay.
//
// TCPClient and UDPClient are the client counterparts of the server's
// reliable session and unreliable dispatcher. Driver wraps either one in a
// reconnect loop: it connects, streams input from a Source at the configured
// rate, and on any failure waits a fixed ReconnectDelay before trying again.
// It never gives up on its own; only cancelling the context stops it.
//
// Both clients send a Heartbeat every HeartbeatInterval and treat
// HeartbeatTimeout without an ack as a lost connection. Over UDP the
// heartbeat carries a token, so a server only acks clients holding the
// secret.
//
//	drv := &client.Driver{
//	    Config: cfg,
//	    Source: client.NewJSONLinesSource(os.Stdin, logger),
//	    Logger: logger,
//	}
//	err := drv.Run(ctx)
package client
