package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/kutluhann/overlay-dht/storage"
)

const testTimeout = 200 * time.Millisecond

// idWith returns an id whose leading bytes are prefix and whose last byte is n.
func idWith(n byte, prefix ...byte) NodeID {
	var id NodeID
	copy(id[:], prefix)
	id[len(id)-1] = n
	return id
}

func testContact(t *testing.T, id NodeID, port int) Contact {
	t.Helper()
	c, err := NewContact(id, "127.0.0.1", port)
	require.NoError(t, err)
	return c
}

// fakeCaller answers pings for the contacts not marked dead and records
// every contact it was asked to reach. A cancelled context fails the call
// before anything is recorded.
type fakeCaller struct {
	mu    sync.Mutex
	dead  map[NodeID]bool
	calls []NodeID
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{dead: make(map[NodeID]bool)}
}

func (f *fakeCaller) kill(id NodeID) {
	f.mu.Lock()
	f.dead[id] = true
	f.mu.Unlock()
}

func (f *fakeCaller) called() []NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NodeID(nil), f.calls...)
}

func (f *fakeCaller) Send(ctx context.Context, to Contact, msg *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, to.ID())
	dead := f.dead[to.ID()]
	f.mu.Unlock()

	if dead {
		return nil, ErrTimeout
	}
	return NewResponse(msg, to), nil
}

type nodeOption func(*Options)

func newTestNode(t *testing.T, network *MemNetwork, port int, opts ...nodeOption) *Node {
	t.Helper()

	self, err := NewAddressPortContact("127.0.0.1", port)
	require.NoError(t, err)

	o := Options{
		Contact:         self,
		Transport:       network.Transport(self.String()),
		Storage:         storage.NewMemStore(),
		Logger:          log.Root(),
		ResponseTimeout: testTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n, err := NewNode(o)
	require.NoError(t, err)
	require.NoError(t, n.Open(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// newTestNetwork starts count nodes and joins every node after the first
// through the first one.
func newTestNetwork(t *testing.T, count int, opts ...nodeOption) (*MemNetwork, []*Node) {
	t.Helper()

	network := NewMemNetwork()
	nodes := make([]*Node, count)
	for i := range nodes {
		nodes[i] = newTestNode(t, network, 9000+i, opts...)
	}
	for _, n := range nodes[1:] {
		require.NoError(t, n.Join(context.Background(), nodes[0].Self()))
	}
	return network, nodes
}
