package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCellClaimedOnce(t *testing.T) {
	var cell resourceCell
	res := cell.claim()
	require.NotNil(t, res)

	assert.PanicsWithValue(t, "bluetooth: resource pool already claimed", func() {
		cell.claim()
	})
}

func TestPacketPoolExhaustion(t *testing.T) {
	res := new(resourceCell).claim()

	var held []*packet
	for i := 0; i < PacketPoolSize; i++ {
		p, err := res.acquirePacket()
		require.NoError(t, err)
		held = append(held, p)
	}

	_, err := res.acquirePacket()
	assert.ErrorIs(t, err, ErrResourcesExhausted)

	res.releasePacket(held[0])
	p, err := res.acquirePacket()
	require.NoError(t, err)
	assert.Same(t, held[0], p)
}

func TestAdvertisingSetExhaustion(t *testing.T) {
	res := new(resourceCell).claim()

	set, err := res.acquireAdvertisingSet()
	require.NoError(t, err)

	_, err = res.acquireAdvertisingSet()
	assert.ErrorIs(t, err, ErrResourcesExhausted)

	res.releaseAdvertisingSet(set)
	_, err = res.acquireAdvertisingSet()
	assert.NoError(t, err)
}

func TestConnectionSlots(t *testing.T) {
	res := new(resourceCell).claim()

	first := &Connection{handle: 0x40}
	require.NoError(t, res.addConnection(first))
	assert.Equal(t, 1, res.liveConnections())
	assert.NotNil(t, res.findChannel(0x40, attCID))
	assert.NotNil(t, res.findChannel(0x40, signalingCID))
	assert.Nil(t, res.findChannel(0x40, 0x0006))

	assert.ErrorIs(t, res.addConnection(&Connection{handle: 0x41}), ErrResourcesExhausted)
	assert.Nil(t, res.findConnection(0x41))

	assert.Same(t, first, res.removeConnection(0x40))
	assert.Zero(t, res.liveConnections())
	assert.Nil(t, res.findChannel(0x40, attCID))
	assert.Nil(t, res.removeConnection(0x40))

	assert.NoError(t, res.addConnection(&Connection{handle: 0x41}))
}
