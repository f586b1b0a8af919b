package dht

import (
	"context"
	"fmt"

	"github.com/kutluhann/overlay-dht/constants"
	"github.com/kutluhann/overlay-dht/id_tools"
)

func (n *Node) handlePing(_ context.Context, _ Contact, req *Message) (*Message, error) {
	return NewResponse(req, n.self), nil
}

// handleStore persists a valid item. Invalid items get no reply at all.
func (n *Node) handleStore(ctx context.Context, from Contact, req *Message) (*Message, error) {
	in := req.Params.Item
	if in == nil {
		n.log.Debug("store without item", "from", from.ID().Short())
		return nil, nil
	}
	item, err := NewItem(in.Key, in.Value, in.Publisher, in.Timestamp)
	if err != nil {
		n.log.Debug("dropping invalid store", "from", from.ID().Short(), "err", err)
		return nil, nil
	}
	if !n.validate(ctx, item.Key, item.Value) {
		n.log.Debug("store failed validation", "from", from.ID().Short(), "key", item.Key)
		return nil, nil
	}

	if err := n.persist(ctx, item); err != nil {
		return nil, err
	}
	n.log.Trace("stored item", "key", item.Key, "from", from.ID().Short())
	return NewResponse(req, n.self), nil
}

// handleFindNode answers with the contacts nearest to the requested node id.
// The key of FIND_NODE is a hex node id, not a storage key.
func (n *Node) handleFindNode(_ context.Context, from Contact, req *Message) (*Message, error) {
	target, err := id_tools.FromHex(req.Params.Key)
	if err != nil {
		return nil, fmt.Errorf("find node: %w: %v", ErrValidation, err)
	}
	return n.nearest(req, from, target), nil
}

// handleFindValue answers with the local item when there is one and with
// the nearest contacts otherwise.
func (n *Node) handleFindValue(ctx context.Context, from Contact, req *Message) (*Message, error) {
	item, err := n.localItem(ctx, req.Params.Key)
	if err != nil {
		return n.nearestResponse(req, from), nil
	}
	resp := NewResponse(req, n.self)
	resp.Result.Item = item
	return resp, nil
}

func (n *Node) handleFindRange(ctx context.Context, from Contact, req *Message) (*Message, error) {
	if n.rangeProvider == nil {
		return n.nearestResponse(req, from), nil
	}
	data, err := n.rangeProvider(ctx, req.Params.Key)
	if err != nil || len(data) == 0 {
		return n.nearestResponse(req, from), nil
	}
	item, err := NewItem(req.Params.Key, data, n.self.ID(), 0)
	if err != nil {
		return n.nearestResponse(req, from), nil
	}
	resp := NewResponse(req, n.self)
	resp.Result.Item = item
	return resp, nil
}

func (n *Node) nearestResponse(req *Message, from Contact) *Message {
	return n.nearest(req, from, id_tools.FromKey(req.Params.Key))
}

func (n *Node) nearest(req *Message, from Contact, target NodeID) *Message {
	resp := NewResponse(req, n.self)
	resp.Result.Nodes = contactInfos(n.router.GetNearestContacts(target, constants.K, from.ID()))
	return resp
}
