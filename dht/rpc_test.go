package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRPC(t *testing.T, network *MemNetwork, port int, codec Codec) *RPC {
	t.Helper()
	self, err := NewAddressPortContact("127.0.0.1", port)
	require.NoError(t, err)

	r, err := NewRPC(self, network.Transport(self.String()), RPCOptions{
		Codec:   codec,
		Timeout: testTimeout,
		Logger:  log.Root(),
	})
	require.NoError(t, err)
	r.Handle(PING, func(_ context.Context, _ Contact, req *Message) (*Message, error) {
		return NewResponse(req, self), nil
	})
	return r
}

func openRPC(t *testing.T, r *RPC) {
	t.Helper()
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
}

func TestRPC_SendBeforeOpen(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)

	assert.Equal(t, StateClosed, a.State())
	_, err := a.Send(context.Background(), b.self, NewRequest(PING, a.self, ""))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRPC_PingRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec, MsgpackCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			network := NewMemNetwork()
			a := newTestRPC(t, network, 7001, codec)
			b := newTestRPC(t, network, 7002, codec)
			openRPC(t, a)
			openRPC(t, b)

			seen := make(chan Contact, 4)
			b.OnSeen(func(c Contact) { seen <- c })

			req := NewRequest(PING, a.self, "")
			resp, err := a.Send(context.Background(), b.self, req)
			require.NoError(t, err)
			assert.NotEmpty(t, req.ID, "requests get an id assigned")
			assert.Equal(t, req.ID, resp.ID)
			assert.Equal(t, b.self.ID(), resp.Result.Contact.NodeID)
			assert.Equal(t, 0, a.Pending())

			select {
			case c := <-seen:
				assert.Equal(t, a.self.ID(), c.ID())
			case <-time.After(time.Second):
				t.Fatal("responder never reported the requester as seen")
			}
		})
	}
}

func TestRPC_TimeoutRemovesPendingAndNotifies(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	openRPC(t, a)
	openRPC(t, b)
	network.Drop(b.self.String(), true)

	var timedOut []NodeID
	var mu sync.Mutex
	a.OnTimeout(func(c Contact) {
		mu.Lock()
		timedOut = append(timedOut, c.ID())
		mu.Unlock()
	})

	start := time.Now()
	_, err := a.Send(context.Background(), b.self, NewRequest(PING, a.self, ""))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), testTimeout)
	assert.Equal(t, 0, a.Pending())
	mu.Lock()
	assert.Equal(t, []NodeID{b.self.ID()}, timedOut)
	mu.Unlock()
}

func TestRPC_UnreachablePeerIsTransportError(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	openRPC(t, a)

	ghost, err := NewAddressPortContact("127.0.0.1", 7999)
	require.NoError(t, err)

	timeouts := 0
	a.OnTimeout(func(Contact) { timeouts++ })

	_, err = a.Send(context.Background(), ghost, NewRequest(PING, a.self, ""))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, 0, a.Pending())
}

func TestRPC_UnknownMethodIsDropped(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	openRPC(t, a)
	openRPC(t, b)

	_, err := a.Send(context.Background(), b.self, NewRequest(Method("DELETE_ALL"), a.self, ""))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRPC_HandlerErrorBecomesRemoteError(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	b.Handle(STORE, func(context.Context, Contact, *Message) (*Message, error) {
		return nil, errors.New("disk full")
	})
	openRPC(t, a)
	openRPC(t, b)

	_, err := a.Send(context.Background(), b.self, NewRequest(STORE, a.self, "k"))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, STORE, remote.Method)
	assert.Equal(t, "disk full", remote.Msg)
}

// TestRPC_ConcurrentResponsesMatchById tests that interleaved responses are
// handed to the call that issued the matching request.
func TestRPC_ConcurrentResponsesMatchById(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	b.Handle(FIND_VALUE, func(_ context.Context, _ Contact, req *Message) (*Message, error) {
		var n int
		fmt.Sscanf(req.Params.Key, "key-%d", &n)
		time.Sleep(time.Duration(10-n) * 5 * time.Millisecond)
		resp := NewResponse(req, b.self)
		resp.Result.Item = &Item{Key: req.Params.Key, Value: []byte(req.Params.Key)}
		return resp, nil
	})
	openRPC(t, a)
	openRPC(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			resp, err := a.Send(context.Background(), b.self, NewRequest(FIND_VALUE, a.self, key))
			if assert.NoError(t, err) {
				assert.Equal(t, key, resp.Result.Item.Key)
			}
		}()
	}
	wg.Wait()
}

func TestRPC_MiddlewareRejectsWithoutReply(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	c := newTestRPC(t, network, 7003, nil)
	b.Use(Blacklist(a.self.ID()))
	openRPC(t, a)
	openRPC(t, b)
	openRPC(t, c)

	_, err := a.Send(context.Background(), b.self, NewRequest(PING, a.self, ""))
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = c.Send(context.Background(), b.self, NewRequest(PING, c.self, ""))
	assert.NoError(t, err)
}

func TestRPC_CloseFailsPendingCalls(t *testing.T) {
	network := NewMemNetwork()
	a, err := NewRPC(testContact(t, idWith(1), 7001), network.Transport("127.0.0.1:7001"), RPCOptions{Timeout: time.Minute})
	require.NoError(t, err)
	b := newTestRPC(t, network, 7002, nil)
	require.NoError(t, a.Open(context.Background()))
	openRPC(t, b)
	network.Drop(b.self.String(), true)

	done := make(chan error, 1)
	go func() {
		_, err := a.Send(context.Background(), b.self, NewRequest(PING, a.self, ""))
		done <- err
	}()

	require.Eventually(t, func() bool { return a.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call survived Close")
	}
	assert.Equal(t, StateClosed, a.State())
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestRPC_CancelledSendIsNotATimeout(t *testing.T) {
	network := NewMemNetwork()
	a := newTestRPC(t, network, 7001, nil)
	b := newTestRPC(t, network, 7002, nil)
	openRPC(t, a)
	openRPC(t, b)

	var timeouts atomic.Int32
	a.OnTimeout(func(Contact) { timeouts.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Send(ctx, b.self, NewRequest(PING, a.self, ""))
	assert.ErrorIs(t, err, ErrTransport)

	ghost, err := NewAddressPortContact("127.0.0.1", 7999)
	require.NoError(t, err)
	_, err = a.Send(ctx, ghost, NewRequest(PING, a.self, ""))
	assert.Error(t, err)

	assert.Equal(t, int32(0), timeouts.Load())
	assert.Equal(t, 0, a.Pending())
}

// eagerTransport delivers one inbound message from inside Open, before the
// dispatcher has left OPENING.
type eagerTransport struct {
	*MemTransport
	inbound []byte
}

func (t *eagerTransport) Open(ctx context.Context, recv ReceiveFunc) error {
	if err := t.MemTransport.Open(ctx, recv); err != nil {
		return err
	}
	recv(t.inbound)
	return nil
}

func TestRPC_ServesRequestsWhileOpening(t *testing.T) {
	network := NewMemNetwork()
	peer := newTestRPC(t, network, 7002, nil)
	openRPC(t, peer)

	early := NewRequest(PING, peer.self, "")
	early.ID = "early"
	data, err := JSONCodec.Marshal(early)
	require.NoError(t, err)

	self, err := NewAddressPortContact("127.0.0.1", 7001)
	require.NoError(t, err)
	a, err := NewRPC(self, &eagerTransport{MemTransport: network.Transport(self.String()), inbound: data}, RPCOptions{
		Timeout: testTimeout,
		Logger:  log.Root(),
	})
	require.NoError(t, err)
	a.Handle(PING, func(_ context.Context, _ Contact, req *Message) (*Message, error) {
		return NewResponse(req, self), nil
	})

	served := make(chan Method, 1)
	a.OnRequest(func(m Method, _ Contact) { served <- m })
	openRPC(t, a)

	select {
	case m := <-served:
		assert.Equal(t, PING, m)
	case <-time.After(time.Second):
		t.Fatal("request delivered during OPENING was dropped")
	}
}
