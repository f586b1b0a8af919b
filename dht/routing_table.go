package dht

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/kutluhann/overlay-dht/constants"
	"github.com/kutluhann/overlay-dht/id_tools"
)

// Caller sends a request to a peer and waits for its response.
type Caller interface {
	Send(ctx context.Context, to Contact, msg *Message) (*Message, error)
}

type RouterEvent int

const (
	ContactAdded RouterEvent = iota + 1
	ContactRemoved
)

func (e RouterEvent) String() string {
	switch e {
	case ContactAdded:
		return "add"
	case ContactRemoved:
		return "remove"
	default:
		return "unknown"
	}
}

// RouterListener observes table changes; size is the number of contacts in
// the table after the change.
type RouterListener func(ev RouterEvent, contact Contact, size int)

// RoutingTable holds one bucket per possible common-prefix length with self.
// Bucket i holds the contacts sharing exactly i leading bits with self, so
// bucket 0 covers the far half of the id space and higher buckets cover
// ever smaller neighbourhoods around self.
type RoutingTable struct {
	self    Contact
	rpc     Caller
	k       int
	alpha   int
	buckets [constants.KeySizeBits]*Bucket
	size    int
	mutex   sync.RWMutex

	listeners  []RouterListener
	listenerMu sync.Mutex

	validate Validator
	decode   ContactFactory

	log log.Logger
}

func NewRoutingTable(self Contact, rpc Caller, logger log.Logger) *RoutingTable {
	if logger == nil {
		logger = log.Root()
	}
	rt := &RoutingTable{
		self:   self,
		rpc:    rpc,
		k:      constants.K,
		alpha:  constants.Alpha,
		decode: DecodeContact,
		log:    logger.New("module", "router"),
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(rt.k)
	}
	return rt
}

func (rt *RoutingTable) Self() Contact { return rt.self }

// SetValidator installs the check applied to values returned by lookups.
func (rt *RoutingTable) SetValidator(v Validator) { rt.validate = v }

// SetContactFactory replaces how contacts learned from peers are rebuilt.
func (rt *RoutingTable) SetContactFactory(f ContactFactory) {
	if f != nil {
		rt.decode = f
	}
}

// Listen registers l for add/remove events.
func (rt *RoutingTable) Listen(l RouterListener) {
	rt.listenerMu.Lock()
	rt.listeners = append(rt.listeners, l)
	rt.listenerMu.Unlock()
}

func (rt *RoutingTable) emit(ev RouterEvent, c Contact, size int) {
	rt.listenerMu.Lock()
	listeners := append([]RouterListener(nil), rt.listeners...)
	rt.listenerMu.Unlock()

	for _, l := range listeners {
		l(ev, c, size)
	}
}

// GetBucketIndex returns the common prefix length with self, clamped to the
// last bucket. Self is never stored, so the clamp only matters for lookups.
func (rt *RoutingTable) GetBucketIndex(id NodeID) int {
	index := rt.self.ID().PrefixLen(id)
	if index >= len(rt.buckets) {
		return len(rt.buckets) - 1
	}
	return index
}

// UpdateContact records that contact was seen. When its bucket is full the
// least recently seen member is pinged: a live member stays and contact is
// dropped, a silent one is evicted in favour of contact.
func (rt *RoutingTable) UpdateContact(ctx context.Context, contact Contact) {
	if contact == nil || contact.ID() == rt.self.ID() {
		return
	}

	index := rt.GetBucketIndex(contact.ID())

	rt.mutex.Lock()
	b := rt.buckets[index]
	before := b.Len()
	lru, full := b.Add(contact)
	added := b.Len() > before
	if added {
		rt.size++
	}
	size := rt.size
	rt.mutex.Unlock()

	if added {
		rt.log.Trace("contact added", "contact", contact.ID().Short(), "bucket", index, "size", size)
		rt.emit(ContactAdded, contact, size)
	}
	if full {
		rt.evict(ctx, index, lru, contact)
	}
}

func (rt *RoutingTable) evict(ctx context.Context, index int, lru, contact Contact) {
	err := rt.ping(ctx, lru)
	var remote *RemoteError
	alive := err == nil || errors.As(err, &remote)
	if !alive && !unresponsive(ctx, err) {
		rt.log.Trace("eviction ping abandoned, keeping contact", "bucket", index, "kept", lru.ID().Short(), "err", err)
		return
	}

	rt.mutex.Lock()
	b := rt.buckets[index]
	if alive {
		b.Touch(lru.ID())
		rt.mutex.Unlock()
		rt.log.Trace("bucket full, keeping live contact", "bucket", index, "kept", lru.ID().Short(), "dropped", contact.ID().Short())
		return
	}

	had := b.Has(lru.ID())
	replaced := b.Replace(lru, contact)
	if had {
		rt.size--
	}
	if replaced {
		rt.size++
	}
	size := rt.size
	rt.mutex.Unlock()

	rt.log.Debug("evicted unresponsive contact", "bucket", index, "evicted", lru.ID().Short(), "inserted", replaced)
	if had {
		rt.emit(ContactRemoved, lru, size)
	}
	if replaced {
		rt.emit(ContactAdded, contact, size)
	}
}

func (rt *RoutingTable) ping(ctx context.Context, c Contact) error {
	if rt.rpc == nil {
		return ErrTimeout
	}
	_, err := rt.rpc.Send(ctx, c, NewRequest(PING, rt.self, ""))
	return err
}

// RemoveContact drops contact from its bucket. Unknown contacts are ignored.
func (rt *RoutingTable) RemoveContact(contact Contact) {
	if contact == nil || contact.ID() == rt.self.ID() {
		return
	}
	index := rt.GetBucketIndex(contact.ID())

	rt.mutex.Lock()
	removed := rt.buckets[index].Remove(contact.ID())
	if removed {
		rt.size--
	}
	size := rt.size
	rt.mutex.Unlock()

	if removed {
		rt.log.Trace("contact removed", "contact", contact.ID().Short(), "bucket", index, "size", size)
		rt.emit(ContactRemoved, contact, size)
	}
}

// GetNearestContacts returns up to count contacts sorted by ascending XOR
// distance to key, never including self or exclude.
func (rt *RoutingTable) GetNearestContacts(key NodeID, count int, exclude NodeID) []Contact {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	var candidates []Contact
	for _, b := range rt.buckets {
		for _, c := range b.contacts {
			if c.ID() == rt.self.ID() || c.ID() == exclude {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	sortByDistance(candidates, key)

	if len(candidates) > count {
		return candidates[:count]
	}
	return candidates
}

// Len returns the number of contacts across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return rt.size
}

func (rt *RoutingTable) Contacts() []Contact {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.contacts...)
	}
	return all
}

// BucketContacts returns a snapshot of bucket index, least recently seen first.
func (rt *RoutingTable) BucketContacts(index int) []Contact {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	if index < 0 || index >= len(rt.buckets) {
		return nil
	}
	return rt.buckets[index].Contacts()
}

// Empty drops every contact without emitting events.
func (rt *RoutingTable) Empty() {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(rt.k)
	}
	rt.size = 0
}

// ValidateContacts pings every known contact and prunes the silent ones.
func (rt *RoutingTable) ValidateContacts(ctx context.Context) {
	contacts := rt.Contacts()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.alpha)
	for _, c := range contacts {
		g.Go(func() error {
			if err := rt.ping(gctx, c); err != nil && unresponsive(gctx, err) {
				rt.RemoveContact(c)
			}
			return nil
		})
	}
	_ = g.Wait()

	rt.log.Debug("validated contacts", "checked", len(contacts), "remaining", rt.Len())
}

// RefreshBucketsBeyondClosest looks up a random id in every bucket farther
// away than the closest known peer, filling sparse regions after a join.
func (rt *RoutingTable) RefreshBucketsBeyondClosest(ctx context.Context) error {
	closest := -1
	rt.mutex.RLock()
	for i := len(rt.buckets) - 1; i >= 0; i-- {
		if rt.buckets[i].Len() > 0 {
			closest = i
			break
		}
	}
	rt.mutex.RUnlock()

	for i := 0; i < closest; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := id_tools.RandomIDInBucket(rt.self.ID(), i)
		if _, err := rt.FindNode(ctx, target); err != nil {
			rt.log.Debug("bucket refresh failed", "bucket", i, "err", err)
		}
	}
	return nil
}
