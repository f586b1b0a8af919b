package dht

import "context"

// ReceiveFunc is invoked by a transport for every inbound datagram or frame.
// It must not block for long; the dispatcher hands work off to goroutines.
type ReceiveFunc func(data []byte)

// Transport moves opaque message bytes between peers. Addresses are
// host:port strings as produced by Contact.String.
type Transport interface {
	Open(ctx context.Context, recv ReceiveFunc) error
	Close() error
	Send(ctx context.Context, addr string, data []byte) error
}
