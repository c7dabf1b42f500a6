package peerwants

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/block"
	"blockswap/network/bsmsg"
)

var (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")
	peerC = peer.ID("peer-c")
)

func TestAddWantIndexesBothWays(t *testing.T) {
	ix := NewIndex()
	b := block.NewBlock([]byte("both-ways"))
	c := b.Cid()

	ix.AddWant(peerA, c, 3, bsmsg.WantTypeBlock, true)
	ix.AddWant(peerB, c, 1, bsmsg.WantTypeHave, false)

	assert.ElementsMatch(t, []peer.ID{peerA, peerB}, ix.PeersWanting(c))
	assert.Equal(t, []peer.ID{peerA}, ix.PeersWantingBlock(c))

	recs := ix.WantlistFor(peerA)
	require.Len(t, recs, 1)
	assert.Equal(t, c, recs[0].Cid)
	assert.Equal(t, int32(3), recs[0].Priority)
	assert.True(t, recs[0].SendDontHave)
	assert.Equal(t, 2, ix.Len())
}

func TestAddWantUpdatesInPlace(t *testing.T) {
	ix := NewIndex()
	c := block.NewBlock([]byte("update")).Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeHave, false)
	ix.AddWant(peerA, c, 7, bsmsg.WantTypeBlock, true)

	recs := ix.WantlistFor(peerA)
	require.Len(t, recs, 1)
	assert.Equal(t, int32(7), recs[0].Priority)
	assert.Equal(t, bsmsg.WantTypeBlock, recs[0].WantType)
	assert.Equal(t, 1, ix.Len())
}

func TestRemovePeerPurgesBothIndexes(t *testing.T) {
	ix := NewIndex()
	c1 := block.NewBlock([]byte("purge-1")).Cid()
	c2 := block.NewBlock([]byte("purge-2")).Cid()

	ix.AddWant(peerA, c1, 1, bsmsg.WantTypeBlock, false)
	ix.AddWant(peerA, c2, 1, bsmsg.WantTypeBlock, false)
	ix.AddWant(peerB, c1, 1, bsmsg.WantTypeBlock, false)

	ix.RemovePeer(peerA)

	assert.Empty(t, ix.WantlistFor(peerA))
	assert.Equal(t, []peer.ID{peerB}, ix.PeersWanting(c1))
	assert.Empty(t, ix.PeersWanting(c2))
	assert.NotContains(t, ix.Peers(), peerA)
}

func TestClearWantsKeepsPeerRegistered(t *testing.T) {
	ix := NewIndex()
	c := block.NewBlock([]byte("clear")).Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeBlock, false)
	ix.ClearWants(peerA)

	assert.Empty(t, ix.WantlistFor(peerA))
	assert.Empty(t, ix.PeersWanting(c))
	assert.Contains(t, ix.Peers(), peerA)
}

func TestReceivedBlockConsumesBlockWantsOnly(t *testing.T) {
	ix := NewIndex()
	c := block.NewBlock([]byte("consume")).Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeBlock, false)
	ix.AddWant(peerB, c, 1, bsmsg.WantTypeHave, false)

	got := ix.ReceivedBlock(c)
	assert.Equal(t, []peer.ID{peerA}, got)

	// The have-want survives until a cancel or disconnect.
	assert.Equal(t, []peer.ID{peerB}, ix.PeersWanting(c))
	assert.Empty(t, ix.ReceivedBlock(c))
}

func TestCreateBlockMessages(t *testing.T) {
	ix := NewIndex()
	b := block.NewBlock([]byte("serve me"))
	c := b.Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeBlock, false)
	ix.AddWant(peerB, c, 1, bsmsg.WantTypeHave, false)
	ix.AddWant(peerC, block.NewBlock([]byte("other")).Cid(), 1, bsmsg.WantTypeBlock, false)

	msgs := ix.CreateBlockMessages(b)
	require.Len(t, msgs, 2)

	byPeer := map[peer.ID]*bsmsg.Message{}
	for _, pm := range msgs {
		byPeer[pm.Peer] = pm.Message
	}

	require.Contains(t, byPeer, peerA)
	require.Len(t, byPeer[peerA].Blocks(), 1)
	assert.Equal(t, c, byPeer[peerA].Blocks()[0].Cid())

	require.Contains(t, byPeer, peerB)
	presences := byPeer[peerB].BlockPresences()
	require.Len(t, presences, 1)
	assert.Equal(t, bsmsg.PresenceHave, presences[0].Type)

	// Block-type records are consumed by the send, have-type retained.
	assert.Equal(t, []peer.ID{peerB}, ix.PeersWanting(c))
}

func TestCreateDontHaveMessagesHonorsSendDontHave(t *testing.T) {
	ix := NewIndex()
	c := block.NewBlock([]byte("miss")).Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeBlock, true)
	ix.AddWant(peerB, c, 1, bsmsg.WantTypeBlock, false)

	msgs := ix.CreateDontHaveMessages(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, peerA, msgs[0].Peer)
	presences := msgs[0].Message.BlockPresences()
	require.Len(t, presences, 1)
	assert.Equal(t, bsmsg.PresenceDontHave, presences[0].Type)
	assert.Equal(t, c, presences[0].Cid)
}

func TestRemoveWant(t *testing.T) {
	ix := NewIndex()
	c := block.NewBlock([]byte("cancelme")).Cid()

	ix.AddWant(peerA, c, 1, bsmsg.WantTypeBlock, false)
	ix.RemoveWant(peerA, c)

	assert.Empty(t, ix.PeersWanting(c))
	assert.Equal(t, 0, ix.Len())
}
