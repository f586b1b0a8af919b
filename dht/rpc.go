package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/kutluhann/overlay-dht/constants"
)

type ReadyState int32

const (
	StateClosed ReadyState = iota
	StateOpening
	StateOpen
)

func (s ReadyState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Handler answers one inbound request. A nil message means no reply is sent.
type Handler func(ctx context.Context, from Contact, req *Message) (*Message, error)

// Middleware inspects an inbound request before its handler runs. Returning
// an error drops the request without a reply.
type Middleware func(ctx context.Context, req *Message, from Contact) error

type RPCOptions struct {
	Codec          Codec
	Timeout        time.Duration
	ContactFactory ContactFactory
	Logger         log.Logger
}

type pendingCall struct {
	to     Contact
	method Method
	reply  chan *Message
}

// RPC correlates requests with responses over a Transport and dispatches
// inbound requests to the registered handlers.
type RPC struct {
	self      Contact
	transport Transport
	codec     Codec
	decode    ContactFactory
	timeout   time.Duration

	stateMu sync.Mutex
	state   ReadyState
	closing chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	handlers   map[Method]Handler
	middleware []Middleware

	observerMu sync.Mutex
	onSeen     []func(Contact)
	onTimeout  []func(Contact)
	onReady    []func()
	onRequest  []func(Method, Contact)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log log.Logger
}

func NewRPC(self Contact, transport Transport, opts RPCOptions) (*RPC, error) {
	if self == nil {
		return nil, errors.New("rpc: nil self contact")
	}
	if transport == nil {
		return nil, errors.New("rpc: nil transport")
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.ResponseTimeout
	}
	if opts.ContactFactory == nil {
		opts.ContactFactory = DecodeContact
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	return &RPC{
		self:      self,
		transport: transport,
		codec:     opts.Codec,
		decode:    opts.ContactFactory,
		timeout:   opts.Timeout,
		pending:   make(map[string]*pendingCall),
		handlers:  make(map[Method]Handler),
		log:       opts.Logger.New("module", "rpc"),
	}, nil
}

func (r *RPC) State() ReadyState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Open starts the transport. Opening an open dispatcher is a no-op.
// Requests are served from the moment the transport delivers them, even
// while the dispatcher is still OPENING; outbound calls wait for OPEN.
func (r *RPC) Open(ctx context.Context) error {
	r.stateMu.Lock()
	if r.state != StateClosed {
		r.stateMu.Unlock()
		return nil
	}
	r.state = StateOpening
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.closing = make(chan struct{})
	r.stateMu.Unlock()

	if err := r.transport.Open(ctx, r.receive); err != nil {
		r.stateMu.Lock()
		r.state = StateClosed
		r.cancel()
		r.stateMu.Unlock()
		return fmt.Errorf("open transport: %w: %v", ErrTransport, err)
	}

	r.stateMu.Lock()
	r.state = StateOpen
	r.stateMu.Unlock()

	r.log.Debug("rpc open", "self", r.self)
	r.observerMu.Lock()
	ready := append([]func(){}, r.onReady...)
	r.observerMu.Unlock()
	for _, fn := range ready {
		fn()
	}
	return nil
}

// Close stops the transport, fails every pending call with ErrClosed and
// waits for in-flight handlers.
func (r *RPC) Close() error {
	r.stateMu.Lock()
	if r.state != StateOpen {
		r.stateMu.Unlock()
		return nil
	}
	r.state = StateClosed
	close(r.closing)
	r.cancel()
	r.stateMu.Unlock()

	err := r.transport.Close()

	r.pendingMu.Lock()
	clear(r.pending)
	r.pendingMu.Unlock()

	r.wg.Wait()
	r.log.Debug("rpc closed", "self", r.self)
	if err != nil {
		return fmt.Errorf("close transport: %w: %v", ErrTransport, err)
	}
	return nil
}

// Handle registers h for method. Methods outside the protocol set are refused.
func (r *RPC) Handle(method Method, h Handler) {
	if !method.Valid() {
		panic(fmt.Sprintf("rpc: unknown method %q", method))
	}
	r.handlers[method] = h
}

// Use appends inbound middleware. It must be called before Open.
func (r *RPC) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// OnSeen registers fn for every contact that sent us a valid message.
func (r *RPC) OnSeen(fn func(Contact)) {
	r.observerMu.Lock()
	r.onSeen = append(r.onSeen, fn)
	r.observerMu.Unlock()
}

// OnTimeout registers fn for every contact that failed to answer in time.
func (r *RPC) OnTimeout(fn func(Contact)) {
	r.observerMu.Lock()
	r.onTimeout = append(r.onTimeout, fn)
	r.observerMu.Unlock()
}

func (r *RPC) OnReady(fn func()) {
	r.observerMu.Lock()
	r.onReady = append(r.onReady, fn)
	r.observerMu.Unlock()
}

// OnRequest registers fn for every accepted inbound request, after its
// handler ran.
func (r *RPC) OnRequest(fn func(Method, Contact)) {
	r.observerMu.Lock()
	r.onRequest = append(r.onRequest, fn)
	r.observerMu.Unlock()
}

// Send delivers msg to contact. Requests block until the matching response,
// the response timeout, ctx cancellation or Close. Responses are sent and
// return immediately with a nil message.
func (r *RPC) Send(ctx context.Context, to Contact, msg *Message) (*Message, error) {
	r.stateMu.Lock()
	state, closing := r.state, r.closing
	r.stateMu.Unlock()
	if state != StateOpen {
		return nil, ErrNotOpen
	}

	if !msg.IsRequest() {
		return nil, r.write(ctx, to, msg)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	call := &pendingCall{to: to, method: msg.Method, reply: make(chan *Message, 1)}
	r.pendingMu.Lock()
	r.pending[msg.ID] = call
	r.pendingMu.Unlock()

	if err := r.write(ctx, to, msg); err != nil {
		r.take(msg.ID)
		if unresponsive(ctx, err) {
			r.emitTimeout(to)
		}
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-call.reply:
		if resp.Error != "" {
			return resp, &RemoteError{Method: msg.Method, Msg: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		r.take(msg.ID)
		r.log.Trace("rpc timeout", "method", msg.Method, "to", to, "id", msg.ID)
		r.emitTimeout(to)
		return nil, fmt.Errorf("%s to %s: %w", msg.Method, to, ErrTimeout)
	case <-ctx.Done():
		r.take(msg.ID)
		return nil, ctx.Err()
	case <-closing:
		return nil, ErrClosed
	}
}

func (r *RPC) write(ctx context.Context, to Contact, msg *Message) error {
	data, err := r.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	if err := r.transport.Send(ctx, to.String(), data); err != nil {
		return fmt.Errorf("send to %s: %w: %v", to, ErrTransport, err)
	}
	return nil
}

func (r *RPC) take(id string) *pendingCall {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	call, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return call
}

// Pending returns the number of requests waiting for a response.
func (r *RPC) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// receive is the transport entry point. Decoding happens inline, everything
// that may block runs on a tracked goroutine.
func (r *RPC) receive(data []byte) {
	var msg Message
	if err := r.codec.Unmarshal(data, &msg); err != nil {
		r.log.Debug("dropping undecodable message", "err", err, "size", len(data))
		return
	}
	if msg.ID == "" {
		r.log.Debug("dropping message without id", "method", msg.Method)
		return
	}

	if !msg.IsRequest() {
		r.handleResponse(&msg)
		return
	}

	r.stateMu.Lock()
	if r.state == StateClosed {
		r.stateMu.Unlock()
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.stateMu.Unlock()

	go func() {
		defer r.wg.Done()
		r.handleRequest(ctx, &msg)
	}()
}

func (r *RPC) handleResponse(msg *Message) {
	call := r.take(msg.ID)
	if call == nil {
		r.log.Trace("dropping late or unknown response", "id", msg.ID)
		return
	}
	call.reply <- msg

	if msg.Result == nil {
		return
	}
	from, err := r.decode(msg.Result.Contact)
	if err != nil {
		r.log.Debug("response with invalid contact", "id", msg.ID, "err", err)
		return
	}
	r.emitSeen(from)
}

func (r *RPC) handleRequest(ctx context.Context, msg *Message) {
	if !msg.Method.Valid() {
		r.log.Debug("dropping unknown method", "method", msg.Method, "id", msg.ID)
		return
	}
	if msg.Params == nil {
		r.log.Debug("dropping request without params", "method", msg.Method, "id", msg.ID)
		return
	}
	from, err := r.decode(msg.Params.Contact)
	if err != nil {
		r.log.Debug("dropping request with invalid contact", "method", msg.Method, "err", err)
		return
	}
	for _, mw := range r.middleware {
		if err := mw(ctx, msg, from); err != nil {
			r.log.Debug("request rejected", "method", msg.Method, "from", from, "err", err)
			return
		}
	}

	h, ok := r.handlers[msg.Method]
	if !ok {
		r.log.Debug("no handler registered", "method", msg.Method)
		return
	}

	resp, err := h(ctx, from, msg)
	if err != nil {
		resp = NewResponse(msg, r.self)
		resp.Error = err.Error()
	}
	if resp != nil {
		resp.ID = msg.ID
		if err := r.write(ctx, from, resp); err != nil {
			r.log.Debug("failed to reply", "method", msg.Method, "to", from, "err", err)
		}
	}

	r.observerMu.Lock()
	observers := append([]func(Method, Contact){}, r.onRequest...)
	r.observerMu.Unlock()
	for _, fn := range observers {
		fn(msg.Method, from)
	}
	r.emitSeen(from)
}

func (r *RPC) emitSeen(c Contact) {
	r.observerMu.Lock()
	observers := append([]func(Contact){}, r.onSeen...)
	r.observerMu.Unlock()
	if len(observers) == 0 {
		return
	}

	r.stateMu.Lock()
	if r.state == StateClosed {
		r.stateMu.Unlock()
		return
	}
	r.wg.Add(1)
	r.stateMu.Unlock()

	go func() {
		defer r.wg.Done()
		for _, fn := range observers {
			fn(c)
		}
	}()
}

func (r *RPC) emitTimeout(c Contact) {
	r.observerMu.Lock()
	observers := append([]func(Contact){}, r.onTimeout...)
	r.observerMu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}
