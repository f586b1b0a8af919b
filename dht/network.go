package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errUnreachable = errors.New("network: node unreachable")

// MemNetwork is an in-process message bus. Every MemTransport registered on
// it is reachable by its address; traffic can be dropped per address or
// between address pairs to simulate crashed and partitioned peers.
type MemNetwork struct {
	mu         sync.RWMutex
	nodes      map[string]ReceiveFunc
	dropped    map[string]bool
	partitions map[[2]string]bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:      make(map[string]ReceiveFunc),
		dropped:    make(map[string]bool),
		partitions: make(map[[2]string]bool),
	}
}

// Transport returns a transport bound to addr on this network.
func (n *MemNetwork) Transport(addr string) *MemTransport {
	return &MemTransport{network: n, addr: addr}
}

// Drop makes addr silently lose every inbound message while drop is set.
// Senders see no error and run into their response timeout.
func (n *MemNetwork) Drop(addr string, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.dropped[addr] = true
	} else {
		delete(n.dropped, addr)
	}
}

// Partition cuts traffic between a and b in both directions.
func (n *MemNetwork) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[pairKey(a, b)] = true
}

func (n *MemNetwork) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, pairKey(a, b))
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (n *MemNetwork) deliver(from, to string, data []byte) error {
	n.mu.RLock()
	recv, ok := n.nodes[to]
	lost := n.dropped[to] || n.partitions[pairKey(from, to)]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", errUnreachable, to)
	}
	if lost {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	go recv(buf)
	return nil
}

// MemTransport is a Transport on a MemNetwork.
type MemTransport struct {
	network *MemNetwork
	addr    string
}

func (t *MemTransport) Open(_ context.Context, recv ReceiveFunc) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, taken := t.network.nodes[t.addr]; taken {
		return fmt.Errorf("address %s already in use", t.addr)
	}
	t.network.nodes[t.addr] = recv
	return nil
}

func (t *MemTransport) Close() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	delete(t.network.nodes, t.addr)
	return nil
}

func (t *MemTransport) Send(ctx context.Context, addr string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.deliver(t.addr, addr, data)
}
