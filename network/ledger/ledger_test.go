package ledger

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")
)

func TestAccounting(t *testing.T) {
	l := New()

	l.MessageSent(peerA, 100, 1)
	l.MessageSent(peerA, 50, 0)
	l.MessageReceived(peerA, 200, 2)

	tr, ok := l.TransferFor(peerA)
	require.True(t, ok)
	assert.Equal(t, uint64(2), tr.MessagesSent)
	assert.Equal(t, uint64(150), tr.BytesSent)
	assert.Equal(t, uint64(1), tr.BlocksSent)
	assert.Equal(t, uint64(1), tr.MessagesReceived)
	assert.Equal(t, uint64(200), tr.BytesReceived)
	assert.Equal(t, uint64(2), tr.BlocksReceived)

	_, ok = l.TransferFor(peerB)
	assert.False(t, ok)
}

func TestConnectedClassifiesAddr(t *testing.T) {
	l := New()

	l.Connected(peerA, "/ip4/10.0.0.1/tcp/4001")
	l.Connected(peerB, "/ip4/10.0.0.2/tcp/4001/p2p/QmRelay/p2p-circuit")

	snap := l.Snapshot()
	byPeer := map[string]PeerTransfer{}
	for _, pt := range snap {
		byPeer[pt.Peer] = pt
	}
	assert.Equal(t, "direct", byPeer[peerA.String()].ConnType)
	assert.Equal(t, "relayed", byPeer[peerB.String()].ConnType)
	assert.True(t, byPeer[peerA.String()].Connected)
}

func TestCountersSurviveDisconnect(t *testing.T) {
	l := New()

	l.Connected(peerA, "/ip4/10.0.0.1/tcp/4001")
	l.MessageSent(peerA, 64, 0)
	l.Disconnected(peerA)

	tr, ok := l.TransferFor(peerA)
	require.True(t, ok)
	assert.Equal(t, uint64(64), tr.BytesSent)

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Connected)
}

func TestSnapshotOrdersBusiestFirst(t *testing.T) {
	l := New()

	l.MessageSent(peerA, 10, 0)
	l.MessageSent(peerB, 1000, 0)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, peerB.String(), snap[0].Peer)
	assert.Equal(t, peerA.String(), snap[1].Peer)
	assert.Equal(t, 2, l.Len())
}
