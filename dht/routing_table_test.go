package dht

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutluhann/overlay-dht/constants"
	"github.com/kutluhann/overlay-dht/id_tools"
)

func newTestTable(t *testing.T, caller Caller) *RoutingTable {
	t.Helper()
	self := testContact(t, idWith(0xAA), 2000)
	return NewRoutingTable(self, caller, log.Root())
}

// TestRoutingTable_ContactInExactlyOneBucket tests that every added contact
// lives in the bucket given by its common prefix with self.
func TestRoutingTable_ContactInExactlyOneBucket(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		rt.UpdateContact(ctx, testContact(t, id_tools.RandomID(), 3000+i))
	}

	total := 0
	seen := make(map[NodeID]int)
	for i := 0; i < constants.KeySizeBits; i++ {
		for _, c := range rt.BucketContacts(i) {
			assert.Equal(t, i, rt.Self().ID().PrefixLen(c.ID()))
			seen[c.ID()]++
			total++
		}
	}
	assert.Equal(t, rt.Len(), total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "contact %s stored twice", id.Short())
	}
}

func TestRoutingTable_IgnoresSelf(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())
	rt.UpdateContact(context.Background(), rt.Self())
	assert.Equal(t, 0, rt.Len())
}

func TestRoutingTable_GetNearestContacts(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 60; i++ {
		var id NodeID
		r.Read(id[:])
		rt.UpdateContact(ctx, testContact(t, id, 3000+i))
	}

	key := id_tools.RandomID()
	exclude := rt.Contacts()[0].ID()
	got := rt.GetNearestContacts(key, 10, exclude)

	require.LessOrEqual(t, len(got), 10)
	for i := range got {
		assert.NotEqual(t, exclude, got[i].ID())
		assert.NotEqual(t, rt.Self().ID(), got[i].ID())
		if i > 0 {
			assert.True(t, key.Closer(got[i-1].ID(), got[i].ID()), "result not sorted at %d", i)
		}
	}

	again := rt.GetNearestContacts(key, 10, exclude)
	assert.Equal(t, got, again)
}

// fillBucketZero puts K contacts whose first bit differs from self.
func fillBucketZero(t *testing.T, rt *RoutingTable) []Contact {
	t.Helper()
	var contacts []Contact
	for i := 0; i < constants.K; i++ {
		c := testContact(t, idWith(byte(i+1), 0x80), 4000+i)
		rt.UpdateContact(context.Background(), c)
		contacts = append(contacts, c)
	}
	require.Equal(t, constants.K, len(rt.BucketContacts(0)))
	return contacts
}

func TestRoutingTable_FullBucketKeepsLiveContact(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)
	contacts := fillBucketZero(t, rt)

	newcomer := testContact(t, idWith(0xFF, 0x80), 5000)
	rt.UpdateContact(context.Background(), newcomer)

	assert.Equal(t, []NodeID{contacts[0].ID()}, caller.called(), "only the least recently seen contact is pinged")
	bucket := rt.BucketContacts(0)
	assert.Len(t, bucket, constants.K)
	assert.Equal(t, contacts[0].ID(), bucket[len(bucket)-1].ID(), "live contact moves to the tail")
	for _, c := range bucket {
		assert.NotEqual(t, newcomer.ID(), c.ID())
	}
}

func TestRoutingTable_FullBucketEvictsSilentContact(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)
	contacts := fillBucketZero(t, rt)
	caller.kill(contacts[0].ID())

	var events []RouterEvent
	rt.Listen(func(ev RouterEvent, _ Contact, _ int) { events = append(events, ev) })

	newcomer := testContact(t, idWith(0xFF, 0x80), 5000)
	rt.UpdateContact(context.Background(), newcomer)

	bucket := rt.BucketContacts(0)
	require.Len(t, bucket, constants.K)
	assert.Equal(t, newcomer.ID(), bucket[len(bucket)-1].ID())
	for _, c := range bucket {
		assert.NotEqual(t, contacts[0].ID(), c.ID())
	}
	assert.Equal(t, []RouterEvent{ContactRemoved, ContactAdded}, events)
	assert.Equal(t, constants.K, rt.Len())
}

func TestRoutingTable_EventsCarrySize(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())

	type change struct {
		ev   RouterEvent
		size int
	}
	var changes []change
	rt.Listen(func(ev RouterEvent, _ Contact, size int) { changes = append(changes, change{ev, size}) })

	c := testContact(t, idWith(1, 0x40), 3001)
	rt.UpdateContact(context.Background(), c)
	rt.UpdateContact(context.Background(), c)
	rt.RemoveContact(c)
	rt.RemoveContact(c)

	assert.Equal(t, []change{{ContactAdded, 1}, {ContactRemoved, 0}}, changes)
}

func TestRoutingTable_FindNodeOnEmptyTable(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)

	contacts, err := rt.FindNode(context.Background(), id_tools.RandomID())

	assert.NoError(t, err)
	assert.Empty(t, contacts)
	assert.Empty(t, caller.called())
}

func TestRoutingTable_FindValueOnEmptyTable(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())

	item, contacts, err := rt.FindValue(context.Background(), "missing")

	assert.Nil(t, item)
	assert.Empty(t, contacts)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoutingTable_ValidateContactsPrunesSilent(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)
	alive := testContact(t, idWith(1, 0x10), 3001)
	silent := testContact(t, idWith(2, 0x20), 3002)
	rt.UpdateContact(context.Background(), alive)
	rt.UpdateContact(context.Background(), silent)
	caller.kill(silent.ID())

	rt.ValidateContacts(context.Background())

	require.Equal(t, 1, rt.Len())
	assert.Equal(t, alive.ID(), rt.Contacts()[0].ID())
}

func TestRoutingTable_GetBucketIndexClamps(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())
	assert.Equal(t, constants.KeySizeBits-1, rt.GetBucketIndex(rt.Self().ID()))
	assert.Equal(t, 0, rt.GetBucketIndex(idWith(0, 0x80)))
	assert.Equal(t, 9, rt.GetBucketIndex(idWith(0, 0x00, 0x40)))
}

func TestRoutingTable_GetNearestContacts_InsufficientNodes(t *testing.T) {
	rt := newTestTable(t, newFakeCaller())
	for i := 0; i < 3; i++ {
		rt.UpdateContact(context.Background(), testContact(t, idWith(byte(i+1), 0x01), 3000+i))
	}

	got := rt.GetNearestContacts(id_tools.RandomID(), constants.K, NodeID{})
	assert.Len(t, got, 3)
}

func TestRoutingTable_FullBucketKeepsContactWhenPingAbandoned(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)
	contacts := fillBucketZero(t, rt)

	var events []RouterEvent
	rt.Listen(func(ev RouterEvent, _ Contact, _ int) { events = append(events, ev) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	newcomer := testContact(t, idWith(0xFF, 0x80), 5000)
	rt.UpdateContact(ctx, newcomer)

	bucket := rt.BucketContacts(0)
	require.Len(t, bucket, constants.K)
	assert.Equal(t, contacts[0].ID(), bucket[0].ID(), "least recently seen contact stays in place")
	for _, c := range bucket {
		assert.NotEqual(t, newcomer.ID(), c.ID())
	}
	assert.Empty(t, events)
	assert.Equal(t, constants.K, rt.Len())
}

func TestRoutingTable_ValidateContactsKeepsContactsOnCancel(t *testing.T) {
	caller := newFakeCaller()
	rt := newTestTable(t, caller)
	for i := 0; i < 3; i++ {
		rt.UpdateContact(context.Background(), testContact(t, idWith(byte(i+1), 0x10), 3000+i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt.ValidateContacts(ctx)

	assert.Equal(t, 3, rt.Len())
}
