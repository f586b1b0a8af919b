package dht

import (
	"context"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/p2p/netutil"
)

// Blacklist drops requests from the listed node ids.
func Blacklist(ids ...NodeID) Middleware {
	deny := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		deny[id] = struct{}{}
	}
	return func(_ context.Context, _ *Message, from Contact) error {
		if _, ok := deny[from.ID()]; ok {
			return fmt.Errorf("%w: %s is blacklisted", ErrRejected, from.ID().Short())
		}
		return nil
	}
}

// Whitelist only lets requests from the listed node ids through.
func Whitelist(ids ...NodeID) Middleware {
	allow := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		allow[id] = struct{}{}
	}
	return func(_ context.Context, _ *Message, from Contact) error {
		if _, ok := allow[from.ID()]; !ok {
			return fmt.Errorf("%w: %s is not whitelisted", ErrRejected, from.ID().Short())
		}
		return nil
	}
}

// NetlistFilter only accepts senders whose advertised address is an IP
// inside list. A nil list accepts everyone.
func NetlistFilter(list *netutil.Netlist) Middleware {
	return func(_ context.Context, _ *Message, from Contact) error {
		if list == nil {
			return nil
		}
		ip := net.ParseIP(from.Address())
		if ip == nil {
			return fmt.Errorf("%w: address %q is not an ip", ErrRejected, from.Address())
		}
		if !list.Contains(ip) {
			return fmt.Errorf("%w: %s outside allowed networks", ErrRejected, ip)
		}
		return nil
	}
}
