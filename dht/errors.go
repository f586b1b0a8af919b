package dht

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("key/value pair failed validation")
	ErrNotFound   = errors.New("item not found")
	ErrTimeout    = errors.New("rpc timeout")
	ErrTransport  = errors.New("transport failure")
	ErrStorage    = errors.New("storage failure")
	ErrNotOpen    = errors.New("rpc transport is not open")
	ErrClosed     = errors.New("rpc transport closed")
	ErrRejected   = errors.New("request rejected by middleware")
)

// RemoteError carries the error string a peer put into its response.
type RemoteError struct {
	Method Method
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Method, e.Msg)
}

// unresponsive reports whether err means the peer failed to answer, as
// opposed to the call being abandoned or refused on our side.
func unresponsive(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}
