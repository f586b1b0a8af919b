package dht

import (
	"context"
	"fmt"
	"sort"

	"github.com/kutluhann/overlay-dht/id_tools"
)

// lookupState tracks the candidates of one iterative lookup.
type lookupState struct {
	target    NodeID
	k         int
	shortlist []Contact       // every contact learned during the lookup, closest first
	contacted map[NodeID]bool // already queried
	failed    map[NodeID]bool // queried without a usable answer
}

func newLookupState(target NodeID, k int, initial []Contact) *lookupState {
	state := &lookupState{
		target:    target,
		k:         k,
		contacted: make(map[NodeID]bool),
		failed:    make(map[NodeID]bool),
	}
	state.append(initial)
	return state
}

// append merges contacts into the shortlist, deduplicated by id, and
// resorts by distance to the target.
func (ls *lookupState) append(contacts []Contact) {
	for _, c := range contacts {
		exists := false
		for _, existing := range ls.shortlist {
			if existing.ID() == c.ID() {
				exists = true
				break
			}
		}
		if !exists {
			ls.shortlist = append(ls.shortlist, c)
		}
	}
	sort.SliceStable(ls.shortlist, func(i, j int) bool {
		return ls.target.Closer(ls.shortlist[i].ID(), ls.shortlist[j].ID())
	})
}

// closest returns the k nearest candidates that have not failed.
func (ls *lookupState) closest() []Contact {
	out := make([]Contact, 0, ls.k)
	for _, c := range ls.shortlist {
		if ls.failed[c.ID()] {
			continue
		}
		out = append(out, c)
		if len(out) == ls.k {
			break
		}
	}
	return out
}

// nextBatch picks up to n unqueried contacts among the k nearest and marks
// them contacted.
func (ls *lookupState) nextBatch(n int) []Contact {
	var batch []Contact
	for _, c := range ls.closest() {
		if ls.contacted[c.ID()] {
			continue
		}
		ls.contacted[c.ID()] = true
		batch = append(batch, c)
		if len(batch) == n {
			break
		}
	}
	return batch
}

func (ls *lookupState) markFailed(id NodeID) {
	ls.failed[id] = true
}

// best returns the closest live candidate.
func (ls *lookupState) best() (NodeID, bool) {
	nearest := ls.closest()
	if len(nearest) == 0 {
		return NodeID{}, false
	}
	return nearest[0].ID(), true
}

type lookupReply struct {
	contact Contact
	msg     *Message
	err     error
}

// FindNode runs an iterative FIND_NODE lookup and returns up to K contacts
// closest to target. An empty routing table yields an empty result.
func (rt *RoutingTable) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	_, contacts, err := rt.iterativeLookup(ctx, FIND_NODE, target.String(), target)
	return contacts, err
}

// FindValue runs an iterative FIND_VALUE lookup. The first peer answering
// with the item ends the lookup. Without a value the K nearest contacts are
// returned with ErrNotFound so the caller can store there.
func (rt *RoutingTable) FindValue(ctx context.Context, key string) (*Item, []Contact, error) {
	return rt.iterativeLookup(ctx, FIND_VALUE, key, id_tools.FromKey(key))
}

// FindRange is FindValue over the FIND_RANGE verb; peers answer from their
// application range provider.
func (rt *RoutingTable) FindRange(ctx context.Context, key string) (*Item, []Contact, error) {
	return rt.iterativeLookup(ctx, FIND_RANGE, key, id_tools.FromKey(key))
}

func (rt *RoutingTable) iterativeLookup(ctx context.Context, method Method, key string, target NodeID) (*Item, []Contact, error) {
	wantValue := method != FIND_NODE
	state := newLookupState(target, rt.k, rt.GetNearestContacts(target, rt.k, rt.self.ID()))

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, state.closest(), err
		}

		batch := state.nextBatch(rt.alpha)
		if len(batch) == 0 {
			break
		}
		prevBest, _ := state.best()

		item := rt.queryRound(ctx, method, key, state, batch)
		if item != nil {
			rt.log.Debug("value found", "key", key, "round", round)
			return item, nil, nil
		}

		best, ok := state.best()
		if ok && target.Closer(best, prevBest) {
			continue
		}

		// No progress: ask the remaining unqueried among the k nearest once,
		// then stop.
		if rest := state.nextBatch(rt.k); len(rest) > 0 {
			if item := rt.queryRound(ctx, method, key, state, rest); item != nil {
				return item, nil, nil
			}
		}
		break
	}

	result := state.closest()
	rt.log.Trace("lookup finished", "method", method, "target", target.Short(), "found", len(result))
	if wantValue {
		return nil, result, fmt.Errorf("lookup %s: %w", key, ErrNotFound)
	}
	return nil, result, nil
}

// queryRound sends method to every contact of batch in parallel and merges
// their answers. It returns early with the first valid item when a value
// lookup succeeds; later replies are discarded.
func (rt *RoutingTable) queryRound(ctx context.Context, method Method, key string, state *lookupState, batch []Contact) *Item {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Contacts learned from replies outlive the round; their eviction pings
	// must not fail because the round ended early.
	feedback := context.WithoutCancel(ctx)

	replies := make(chan lookupReply, len(batch))
	for _, c := range batch {
		go func() {
			msg, err := rt.rpc.Send(roundCtx, c, NewRequest(method, rt.self, key))
			if err == nil && msg.Result != nil {
				for _, nc := range rt.decodeNodes(msg.Result.Nodes) {
					rt.UpdateContact(feedback, nc)
				}
			}
			replies <- lookupReply{contact: c, msg: msg, err: err}
		}()
	}

	for range batch {
		reply := <-replies
		if reply.err != nil || reply.msg.Result == nil {
			rt.log.Trace("lookup peer failed", "method", method, "peer", reply.contact.ID().Short(), "err", reply.err)
			state.markFailed(reply.contact.ID())
			continue
		}

		res := reply.msg.Result
		if method != FIND_NODE && res.Item != nil {
			if rt.acceptItem(ctx, key, res.Item) {
				return res.Item
			}
			state.markFailed(reply.contact.ID())
			continue
		}

		state.append(rt.decodeNodes(res.Nodes))
	}
	return nil
}

func (rt *RoutingTable) acceptItem(ctx context.Context, key string, item *Item) bool {
	if item.Key != key {
		return false
	}
	if rt.validate == nil {
		return true
	}
	return rt.validate(ctx, item.Key, item.Value)
}

func (rt *RoutingTable) decodeNodes(infos []ContactInfo) []Contact {
	out := make([]Contact, 0, len(infos))
	for _, info := range infos {
		c, err := rt.decode(info)
		if err != nil {
			rt.log.Trace("dropping malformed contact", "err", err)
			continue
		}
		if c.ID() == rt.self.ID() {
			continue
		}
		out = append(out, c)
	}
	return out
}
