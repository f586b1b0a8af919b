package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/kutluhann/overlay-dht/constants"
	"github.com/kutluhann/overlay-dht/id_tools"
	"github.com/kutluhann/overlay-dht/storage"
)

// Validator decides whether a key/value pair may be stored or returned.
type Validator func(ctx context.Context, key string, value []byte) bool

// ExpireHandler reports whether a stored item should be removed.
type ExpireHandler func(ctx context.Context, item *Item) bool

// RangeProvider produces the payload served for FIND_RANGE. An empty
// result makes the node answer with contacts instead.
type RangeProvider func(ctx context.Context, key string) ([]byte, error)

type NodeEvent int

const (
	EventJoin NodeEvent = iota + 1
	EventLeave
)

// Legacy names of the join and leave transitions.
const (
	EventConnect    = EventJoin
	EventDisconnect = EventLeave
)

func (e NodeEvent) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

type Options struct {
	Contact   Contact
	Transport Transport
	Storage   Storage
	Logger    log.Logger

	Codec          Codec
	ContactFactory ContactFactory
	Middleware     []Middleware

	Validator     Validator     // nil accepts everything
	ExpireHandler ExpireHandler // nil disables the expiration loop
	RangeProvider RangeProvider

	ResponseTimeout   time.Duration
	ReplicateInterval time.Duration
	RepublishWindow   time.Duration
	ExpireInterval    time.Duration
	RefreshInterval   time.Duration
}

// Node is one participant of the overlay. It owns the dispatcher, the
// routing table and the maintenance loops.
type Node struct {
	self    Contact
	rpc     *RPC
	router  *RoutingTable
	storage Storage

	validate      Validator
	expire        ExpireHandler
	rangeProvider RangeProvider

	replicateInterval time.Duration
	republishWindow   time.Duration
	expireInterval    time.Duration
	refreshInterval   time.Duration

	connected    atomic.Bool
	transitionMu sync.Mutex
	listenerMu   sync.Mutex
	listeners    []func(NodeEvent)

	lifeMu     sync.Mutex
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	log log.Logger
}

func NewNode(opts Options) (*Node, error) {
	if opts.Contact == nil {
		return nil, errors.New("node: contact is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("node: storage is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	if opts.Validator == nil {
		opts.Validator = func(context.Context, string, []byte) bool { return true }
	}

	logger := opts.Logger.New("node", opts.Contact.ID().Short())

	rpc, err := NewRPC(opts.Contact, opts.Transport, RPCOptions{
		Codec:          opts.Codec,
		Timeout:        opts.ResponseTimeout,
		ContactFactory: opts.ContactFactory,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	n := &Node{
		self:              opts.Contact,
		rpc:               rpc,
		router:            NewRoutingTable(opts.Contact, rpc, logger),
		storage:           opts.Storage,
		validate:          opts.Validator,
		expire:            opts.ExpireHandler,
		rangeProvider:     opts.RangeProvider,
		replicateInterval: orDefault(opts.ReplicateInterval, constants.ReplicateInterval),
		republishWindow:   orDefault(opts.RepublishWindow, constants.RepublishWindow),
		expireInterval:    orDefault(opts.ExpireInterval, constants.ExpireInterval),
		refreshInterval:   orDefault(opts.RefreshInterval, constants.RefreshInterval),
		log:               logger,
	}
	n.router.SetValidator(n.validate)
	n.router.SetContactFactory(opts.ContactFactory)

	rpc.Use(opts.Middleware...)
	rpc.Handle(PING, n.handlePing)
	rpc.Handle(STORE, n.handleStore)
	rpc.Handle(FIND_NODE, n.handleFindNode)
	rpc.Handle(FIND_VALUE, n.handleFindValue)
	rpc.Handle(FIND_RANGE, n.handleFindRange)

	rpc.OnSeen(func(c Contact) {
		n.router.UpdateContact(context.Background(), c)
	})
	rpc.OnTimeout(func(c Contact) {
		n.log.Debug("contact timed out", "contact", c.ID().Short())
		n.router.RemoveContact(c)
	})
	n.router.Listen(n.onRouterChange)

	return n, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (n *Node) Self() Contact         { return n.self }
func (n *Node) Router() *RoutingTable { return n.router }
func (n *Node) RPC() *RPC             { return n.rpc }
func (n *Node) Connected() bool       { return n.connected.Load() }

// OnEvent registers fn for join and leave transitions. fn runs while the
// transition is in progress and must not call Leave itself.
func (n *Node) OnEvent(fn func(NodeEvent)) {
	n.listenerMu.Lock()
	n.listeners = append(n.listeners, fn)
	n.listenerMu.Unlock()
}

func (n *Node) emit(ev NodeEvent) {
	n.listenerMu.Lock()
	listeners := append([]func(NodeEvent){}, n.listeners...)
	n.listenerMu.Unlock()

	n.log.Info("node "+ev.String(), "self", n.self, "contacts", n.router.Len())
	for _, fn := range listeners {
		fn(ev)
	}
}

// onRouterChange ignores the size carried by the event: events from
// concurrent table updates may arrive out of order, so the state is derived
// from the table itself.
func (n *Node) onRouterChange(RouterEvent, Contact, int) {
	n.syncConnected()
}

// syncConnected moves the join/leave state to match the routing table.
// Transitions are serialized so join and leave are emitted in table order.
func (n *Node) syncConnected() {
	n.transitionMu.Lock()
	defer n.transitionMu.Unlock()

	connected := n.router.Len() > 0
	if n.connected.Load() == connected {
		return
	}
	n.connected.Store(connected)
	if connected {
		n.emit(EventJoin)
	} else {
		n.emit(EventLeave)
	}
}

// Open starts the dispatcher and the maintenance loops.
func (n *Node) Open(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	if n.rpc.State() == StateOpen {
		return nil
	}
	if err := n.rpc.Open(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n.loopCancel = cancel
	n.startLoops(loopCtx)
	return nil
}

// Close stops the maintenance loops and the dispatcher. The routing table
// is kept so a reopened node can rejoin through its old contacts.
func (n *Node) Close() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	if n.loopCancel != nil {
		n.loopCancel()
		n.loopCancel = nil
	}
	n.loops.Wait()
	return n.rpc.Close()
}

func (n *Node) ensureTransportState(ctx context.Context) error {
	if n.rpc.State() == StateOpen {
		return nil
	}
	return n.Open(ctx)
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// runPipeline runs steps in order and stops at the first failure.
func runPipeline(ctx context.Context, steps ...step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Join enters the overlay through seed: it looks up its own id to learn
// its neighbourhood and then refreshes the farther buckets.
func (n *Node) Join(ctx context.Context, seed Contact) error {
	err := runPipeline(ctx,
		step{"open", n.ensureTransportState},
		step{"ping seed", func(ctx context.Context) error {
			known, err := n.pingSeed(ctx, seed)
			if err != nil {
				return err
			}
			n.router.UpdateContact(ctx, known)
			return nil
		}},
		step{"find self", func(ctx context.Context) error {
			_, err := n.router.FindNode(ctx, n.self.ID())
			if err != nil {
				return err
			}
			if n.router.Len() == 0 {
				return fmt.Errorf("seed %s did not answer: %w", seed, ErrTimeout)
			}
			return nil
		}},
		step{"refresh buckets", n.router.RefreshBucketsBeyondClosest},
	)
	if err != nil {
		return fmt.Errorf("join via %s: %w", seed, err)
	}
	n.log.Debug("joined", "seed", seed, "contacts", n.router.Len())
	return nil
}

// pingSeed returns the contact the seed advertises for itself, which may
// carry a different id than the address-derived one we dialed.
func (n *Node) pingSeed(ctx context.Context, seed Contact) (Contact, error) {
	if seed.ID() == n.self.ID() {
		return nil, errors.New("cannot join through self")
	}
	resp, err := n.rpc.Send(ctx, seed, NewRequest(PING, n.self, ""))
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("empty ping reply from %s", seed)
	}
	known, err := n.router.decode(resp.Result.Contact)
	if err != nil {
		return nil, err
	}
	if known.ID() == n.self.ID() {
		return nil, errors.New("cannot join through self")
	}
	return known, nil
}

// Connect is Join under its legacy name.
func (n *Node) Connect(ctx context.Context, seed Contact) error { return n.Join(ctx, seed) }

// Bootstrap joins through every seed in turn. It succeeds when at least one
// seed let us in; with no seeds it only opens the node.
func (n *Node) Bootstrap(ctx context.Context, seeds []Contact) error {
	if err := n.ensureTransportState(ctx); err != nil {
		return err
	}

	var errs []error
	for _, seed := range seeds {
		if err := n.Join(ctx, seed); err != nil {
			n.log.Warn("seed join failed", "seed", seed, "err", err)
			errs = append(errs, err)
			continue
		}
	}
	if len(seeds) > 0 && len(errs) == len(seeds) {
		return errors.Join(errs...)
	}
	return nil
}

// Leave drops every contact and closes the node.
func (n *Node) Leave() error {
	n.router.Empty()
	n.syncConnected()
	return n.Close()
}

// Disconnect is Leave under its legacy name.
func (n *Node) Disconnect() error { return n.Leave() }

// Put stores value under key on the K closest peers and always locally.
// Remote failures are logged only; the returned error reflects validation
// and the local write. The local write does not share the caller's
// deadline, which the network phase may already have used up.
func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	if !n.validate(ctx, key, value) {
		return fmt.Errorf("put %q: %w", key, ErrValidation)
	}
	item, err := NewItem(key, value, n.self.ID(), 0)
	if err != nil {
		return fmt.Errorf("put: %w: %v", ErrValidation, err)
	}

	if err := n.ensureTransportState(ctx); err != nil {
		n.log.Warn("storing locally only", "key", key, "err", err)
	} else {
		stored := n.storeItem(ctx, item)
		n.log.Debug("put", "key", key, "peers", stored)
	}

	return n.persist(context.WithoutCancel(ctx), item)
}

// storeItem sends STORE for item to the K nodes closest to its key and
// returns how many accepted it.
func (n *Node) storeItem(ctx context.Context, item *Item) int {
	contacts, err := n.router.FindNode(ctx, id_tools.FromKey(item.Key))
	if err != nil {
		n.log.Debug("store lookup failed", "key", item.Key, "err", err)
		return 0
	}

	var stored atomic.Int32
	var g errgroup.Group
	for _, c := range contacts {
		g.Go(func() error {
			if _, err := n.rpc.Send(ctx, c, NewStoreRequest(n.self, item)); err != nil {
				n.log.Debug("store failed", "key", item.Key, "peer", c.ID().Short(), "err", err)
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load())
}

// persist writes item into local storage, retrying transient failures.
func (n *Node) persist(ctx context.Context, item *Item) error {
	data, err := item.encode()
	if err != nil {
		return fmt.Errorf("encode item %q: %w", item.Key, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxElapsedTime = time.Second

	err = backoff.Retry(func() error {
		return n.storage.Put(ctx, item.Key, data)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
	if err != nil {
		return fmt.Errorf("persist %q: %w: %v", item.Key, ErrStorage, err)
	}
	return nil
}

// localItem reads key from local storage.
func (n *Node) localItem(ctx context.Context, key string) (*Item, error) {
	raw, err := n.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(raw)
}

// Get looks key up in the network and falls back to local storage.
func (n *Node) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := n.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

// GetItem is Get returning the whole item.
func (n *Node) GetItem(ctx context.Context, key string) (*Item, error) {
	if err := n.ensureTransportState(ctx); err == nil {
		item, _, err := n.router.FindValue(ctx, key)
		if err == nil {
			return item, nil
		}
		n.log.Trace("network lookup missed, trying local", "key", key, "err", err)
	}

	item, err := n.localItem(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %q: %w: %v", key, ErrStorage, err)
	}
	return item, nil
}

// GetRange runs a FIND_RANGE lookup for key. Without a network answer the
// local range provider is asked.
func (n *Node) GetRange(ctx context.Context, key string) ([]byte, error) {
	if err := n.ensureTransportState(ctx); err == nil {
		item, _, err := n.router.FindRange(ctx, key)
		if err == nil {
			return item.Value, nil
		}
	}

	if n.rangeProvider != nil {
		data, err := n.rangeProvider(ctx, key)
		if err == nil && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("range %q: %w", key, ErrNotFound)
}

type NodeStatus struct {
	Self       ContactInfo `json:"self"`
	State      string      `json:"state"`
	Connected  bool        `json:"connected"`
	Contacts   int         `json:"contacts"`
	Pending    int         `json:"pending_requests"`
	StoredKeys int         `json:"stored_keys"`
}

func (n *Node) Status(ctx context.Context) NodeStatus {
	stored := 0
	for _, err := range n.storage.ReadStream(ctx) {
		if err == nil {
			stored++
		}
	}
	return NodeStatus{
		Self:       n.self.Info(),
		State:      n.rpc.State().String(),
		Connected:  n.Connected(),
		Contacts:   n.router.Len(),
		Pending:    n.rpc.Pending(),
		StoredKeys: stored,
	}
}
