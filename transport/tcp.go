// Package transport carries DHT messages between processes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kutluhann/overlay-dht/dht"
)

const dialTimeout = 3 * time.Second

var errClosed = errors.New("transport closed")

type outbound struct {
	mu   sync.Mutex
	conn net.Conn
}

// TCP is a dht.Transport over length-prefixed TCP frames. Outbound
// connections are kept per destination and reused; inbound connections are
// read until the peer hangs up.
type TCP struct {
	bind     string
	listener net.Listener
	recv     dht.ReceiveFunc

	mu      sync.Mutex
	peers   map[string]*outbound
	inbound map[net.Conn]struct{}
	down    chan struct{}
	wg      sync.WaitGroup

	log log.Logger
}

func NewTCP(bind string, logger log.Logger) *TCP {
	if logger == nil {
		logger = log.Root()
	}
	return &TCP{
		bind:    bind,
		peers:   make(map[string]*outbound),
		inbound: make(map[net.Conn]struct{}),
		log:     logger.New("module", "tcp"),
	}
}

// Addr returns the bound listen address, useful when binding port 0.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.bind
	}
	return t.listener.Addr().String()
}

func (t *TCP) Open(ctx context.Context, recv dht.ReceiveFunc) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", t.bind)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = l
	t.recv = recv
	t.down = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(l)
	t.log.Info("listening", "addr", l.Addr())
	return nil
}

func (t *TCP) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-t.down:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Warn("accept failed", "err", err)
			return
		}

		t.mu.Lock()
		select {
		case <-t.down:
			t.mu.Unlock()
			conn.Close()
			return
		default:
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		data, err := readFrame(conn)
		if err != nil {
			return
		}
		t.recv(data)
	}
}

// Send writes one frame to addr, redialing once when a pooled connection
// turned out to be dead.
func (t *TCP) Send(ctx context.Context, addr string, data []byte) error {
	for attempt := 0; attempt < 2; attempt++ {
		peer, err := t.peer(ctx, addr)
		if err != nil {
			return err
		}

		peer.mu.Lock()
		if deadline, ok := ctx.Deadline(); ok {
			_ = peer.conn.SetWriteDeadline(deadline)
		} else {
			_ = peer.conn.SetWriteDeadline(time.Time{})
		}
		err = writeFrame(peer.conn, data)
		peer.mu.Unlock()
		if err == nil {
			return nil
		}

		t.log.Trace("write failed, dropping connection", "addr", addr, "err", err)
		t.forget(addr, peer)
	}
	return fmt.Errorf("send to %s: connection lost", addr)
}

func (t *TCP) peer(ctx context.Context, addr string) (*outbound, error) {
	t.mu.Lock()
	if t.down == nil {
		t.mu.Unlock()
		return nil, errClosed
	}
	select {
	case <-t.down:
		t.mu.Unlock()
		return nil, errClosed
	default:
	}
	if p, ok := t.peers[addr]; ok {
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		conn.Close()
		return p, nil
	}
	p := &outbound{conn: conn}
	t.peers[addr] = p
	return p, nil
}

func (t *TCP) forget(addr string, p *outbound) {
	t.mu.Lock()
	if t.peers[addr] == p {
		delete(t.peers, addr)
	}
	t.mu.Unlock()
	p.conn.Close()
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.down == nil {
		t.mu.Unlock()
		return nil
	}
	select {
	case <-t.down:
		t.mu.Unlock()
		return nil
	default:
	}
	close(t.down)
	err := t.listener.Close()
	for addr, p := range t.peers {
		p.conn.Close()
		delete(t.peers, addr)
	}
	for conn := range t.inbound {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}
