package dht

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistAndWhitelist(t *testing.T) {
	banned := testContact(t, idWith(1), 3001)
	other := testContact(t, idWith(2), 3002)
	ctx := context.Background()

	deny := Blacklist(banned.ID())
	assert.ErrorIs(t, deny(ctx, nil, banned), ErrRejected)
	assert.NoError(t, deny(ctx, nil, other))

	allow := Whitelist(other.ID())
	assert.ErrorIs(t, allow(ctx, nil, banned), ErrRejected)
	assert.NoError(t, allow(ctx, nil, other))
}

func TestNetlistFilter(t *testing.T) {
	list, err := netutil.ParseNetlist("127.0.0.0/8, 10.1.0.0/16")
	require.NoError(t, err)
	filter := NetlistFilter(list)
	ctx := context.Background()

	local := testContact(t, idWith(1), 3001)
	assert.NoError(t, filter(ctx, nil, local))

	outside, err := NewContact(idWith(2), "192.168.1.10", 3002)
	require.NoError(t, err)
	assert.ErrorIs(t, filter(ctx, nil, outside), ErrRejected)

	named, err := NewContact(idWith(3), "example.org", 3003)
	require.NoError(t, err)
	assert.ErrorIs(t, filter(ctx, nil, named), ErrRejected)

	assert.NoError(t, NetlistFilter(nil)(ctx, nil, outside))
}
