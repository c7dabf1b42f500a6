package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/block"
	"blockswap/network/bsmsg"
	"blockswap/network/dhtquery"
)

var (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")
)

type sentWant struct {
	peer peer.ID
	cid  cidlib.Cid
}

type sentMsg struct {
	peer peer.ID
	msg  *bsmsg.Message
}

type fakeNetwork struct {
	mu         sync.Mutex
	connected  []peer.ID
	broadcasts []cidlib.Cid
	wants      []sentWant
	cancels    []cidlib.Cid
	messages   []sentMsg
}

func (f *fakeNetwork) BroadcastWant(c cidlib.Cid, priority int32, wt bsmsg.WantType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, c)
}

func (f *fakeNetwork) SendWant(p peer.ID, c cidlib.Cid, priority int32, wt bsmsg.WantType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wants = append(f.wants, sentWant{peer: p, cid: c})
}

func (f *fakeNetwork) SendCancel(c cidlib.Cid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, c)
}

func (f *fakeNetwork) SendMessage(p peer.ID, msg *bsmsg.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMsg{peer: p, msg: msg})
}

func (f *fakeNetwork) ConnectedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, len(f.connected))
	copy(out, f.connected)
	return out
}

func (f *fakeNetwork) IsConnected(p peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.connected {
		if q == p {
			return true
		}
	}
	return false
}

func (f *fakeNetwork) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeNetwork) wantsTo(p peer.ID) []cidlib.Cid {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cidlib.Cid
	for _, sw := range f.wants {
		if sw.peer == p {
			out = append(out, sw.cid)
		}
	}
	return out
}

func (f *fakeNetwork) messagesTo(p peer.ID) []*bsmsg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bsmsg.Message
	for _, sm := range f.messages {
		if sm.peer == p {
			out = append(out, sm.msg)
		}
	}
	return out
}

type fakeFinder struct {
	mu        sync.Mutex
	providers []peer.AddrInfo
	provided  []cidlib.Cid
}

func (f *fakeFinder) FindProviders(ctx context.Context, c cidlib.Cid) <-chan dhtquery.ProviderResult {
	f.mu.Lock()
	providers := append([]peer.AddrInfo(nil), f.providers...)
	f.mu.Unlock()

	out := make(chan dhtquery.ProviderResult, len(providers))
	for _, ai := range providers {
		out <- dhtquery.ProviderResult{Provider: ai}
	}
	close(out)
	return out
}

func (f *fakeFinder) Provide(ctx context.Context, c cidlib.Cid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provided = append(f.provided, c)
	return nil
}

func (f *fakeFinder) providedCids() []cidlib.Cid {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cidlib.Cid, len(f.provided))
	copy(out, f.provided)
	return out
}

type fakeConnector struct {
	mu     sync.Mutex
	dialed []peer.ID
	err    error
}

func (f *fakeConnector) Connect(ctx context.Context, ai peer.AddrInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, ai.ID)
	return f.err
}

func (f *fakeConnector) dialedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, len(f.dialed))
	copy(out, f.dialed)
	return out
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced []cidlib.Cid
}

func (f *fakeAnnouncer) Announce(ctx context.Context, c cidlib.Cid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, c)
	return nil
}

func (f *fakeAnnouncer) announcedCids() []cidlib.Cid {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cidlib.Cid, len(f.announced))
	copy(out, f.announced)
	return out
}

var errStoreMiss = errors.New("block not in store")

type fakeStore struct {
	mu     sync.Mutex
	blocks map[cidlib.Cid]block.Block
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[cidlib.Cid]block.Block)}
}

func (f *fakeStore) Put(b block.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.Cid()] = b
	return nil
}

func (f *fakeStore) Get(c cidlib.Cid) (block.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[c]
	if !ok {
		return nil, errStoreMiss
	}
	return b, nil
}

func (f *fakeStore) Has(c cidlib.Cid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocks[c]
	return ok, nil
}

func (f *fakeStore) Stat() (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var bytes int64
	for _, b := range f.blocks {
		bytes += int64(b.Size())
	}
	return len(f.blocks), bytes, nil
}

type harness struct {
	engine    *Engine
	store     *fakeStore
	network   *fakeNetwork
	finder    *fakeFinder
	connector *fakeConnector
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		network:   &fakeNetwork{},
		finder:    &fakeFinder{},
		connector: &fakeConnector{},
	}
	h.engine = New(context.Background(), h.store, h.network, h.finder, h.connector, cfg)
	t.Cleanup(h.engine.Close)
	return h
}

func TestWantServesFromLocalStore(t *testing.T) {
	h := newHarness(t, Config{})
	b := block.NewBlock([]byte("local"))
	require.NoError(t, h.store.Put(b))

	data, err := h.engine.Want(context.Background(), b.Cid())
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)
	assert.Equal(t, 0, h.network.broadcastCount())
}

func TestWantFailsFastWithNoProvidersAndNoPeers(t *testing.T) {
	h := newHarness(t, Config{})
	c := block.NewBlock([]byte("nowhere")).Cid()

	start := time.Now()
	_, err := h.engine.Want(context.Background(), c)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, h.engine.Wantlist())
}

func TestWantTimesOutWhenPeersStaySilent(t *testing.T) {
	h := newHarness(t, Config{WantTimeout: 50 * time.Millisecond})
	h.network.connected = []peer.ID{peerA}
	c := block.NewBlock([]byte("silence")).Cid()

	_, err := h.engine.Want(context.Background(), c)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWantHonorsCallerContext(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	c := block.NewBlock([]byte("impatient")).Cid()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.engine.Want(ctx, c)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWantResolvedByInboundBlock(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("delivered"))

	done := make(chan struct{})
	var data []byte
	var err error
	go func() {
		data, err = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.network.broadcastCount() > 0
	}, time.Second, 5*time.Millisecond)

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)

	<-done
	require.NoError(t, err)
	assert.Equal(t, []byte("delivered"), data)

	// The delivered block is persisted and the want retracted.
	has, _ := h.store.Has(b.Cid())
	assert.True(t, has)
	assert.Empty(t, h.engine.Wantlist())
}

func TestWantDialsDiscoveredProviders(t *testing.T) {
	h := newHarness(t, Config{})
	provider := peer.AddrInfo{ID: peerB}
	h.finder.providers = []peer.AddrInfo{provider}
	b := block.NewBlock([]byte("discovered"))

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(h.network.wantsTo(peerB)) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []peer.ID{peerB}, h.connector.dialedPeers())

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerB, delivery)
	<-done
}

func TestReceiveMessageAnswersWants(t *testing.T) {
	h := newHarness(t, Config{})
	held := block.NewBlock([]byte("held"))
	require.NoError(t, h.store.Put(held))
	missing := block.NewBlock([]byte("missing")).Cid()

	in := bsmsg.New(false)
	in.AddEntry(held.Cid(), 1, bsmsg.WantTypeBlock, false)
	in.AddEntry(missing, 1, bsmsg.WantTypeBlock, true)
	h.engine.ReceiveMessage(peerA, in)

	msgs := h.network.messagesTo(peerA)
	require.Len(t, msgs, 1)
	reply := msgs[0]

	require.Len(t, reply.Blocks(), 1)
	assert.Equal(t, held.Cid(), reply.Blocks()[0].Cid())

	presences := reply.BlockPresences()
	require.Len(t, presences, 1)
	assert.Equal(t, missing, presences[0].Cid)
	assert.Equal(t, bsmsg.PresenceDontHave, presences[0].Type)

	// Served want-blocks are consumed; the unanswered want stays tracked.
	recs := h.engine.PeerWantlist(peerA)
	require.Len(t, recs, 1)
	assert.Equal(t, missing, recs[0].Cid)
}

func TestReceiveMessageAnswersWantHaveWithPresence(t *testing.T) {
	h := newHarness(t, Config{})
	held := block.NewBlock([]byte("presence"))
	require.NoError(t, h.store.Put(held))

	in := bsmsg.New(false)
	in.AddEntry(held.Cid(), 1, bsmsg.WantTypeHave, false)
	h.engine.ReceiveMessage(peerA, in)

	msgs := h.network.messagesTo(peerA)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Blocks())
	presences := msgs[0].BlockPresences()
	require.Len(t, presences, 1)
	assert.Equal(t, bsmsg.PresenceHave, presences[0].Type)
}

func TestReceiveMessageFullReplacesWantlist(t *testing.T) {
	h := newHarness(t, Config{})
	c1 := block.NewBlock([]byte("old-want")).Cid()
	c2 := block.NewBlock([]byte("new-want")).Cid()

	first := bsmsg.New(false)
	first.AddEntry(c1, 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, first)

	second := bsmsg.New(true)
	second.AddEntry(c2, 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, second)

	recs := h.engine.PeerWantlist(peerA)
	require.Len(t, recs, 1)
	assert.Equal(t, c2, recs[0].Cid)
}

func TestReceiveMessageCancelDropsWant(t *testing.T) {
	h := newHarness(t, Config{})
	c := block.NewBlock([]byte("changed-mind")).Cid()

	in := bsmsg.New(false)
	in.AddEntry(c, 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, in)
	require.Len(t, h.engine.PeerWantlist(peerA), 1)

	cancel := bsmsg.New(false)
	cancel.AddCancel(c)
	h.engine.ReceiveMessage(peerA, cancel)
	assert.Empty(t, h.engine.PeerWantlist(peerA))
}

func TestHavePresenceTriggersTargetedWant(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("have"))

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.network.broadcastCount() > 0
	}, time.Second, 5*time.Millisecond)

	pres := bsmsg.New(false)
	pres.AddBlockPresence(b.Cid(), bsmsg.PresenceHave)
	h.engine.ReceiveMessage(peerA, pres)

	assert.Contains(t, h.network.wantsTo(peerA), b.Cid())

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)
	<-done
}

func TestUnsolicitedBlockIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	b := block.NewBlock([]byte("spam"))

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)

	has, err := h.store.Has(b.Cid())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNotifyServesWaitingPeersAndAnnounces(t *testing.T) {
	h := newHarness(t, Config{})
	announcer := &fakeAnnouncer{}
	h.engine.SetAnnouncer(announcer)
	b := block.NewBlock([]byte("published"))

	in := bsmsg.New(false)
	in.AddEntry(b.Cid(), 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, in)

	require.NoError(t, h.engine.Notify(context.Background(), b))

	has, _ := h.store.Has(b.Cid())
	assert.True(t, has)

	msgs := h.network.messagesTo(peerA)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Blocks(), 1)
	assert.Equal(t, b.Cid(), msgs[0].Blocks()[0].Cid())

	require.Eventually(t, func() bool {
		return len(h.finder.providedCids()) == 1 && len(announcer.announcedCids()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, b.Cid(), h.finder.providedCids()[0])
	assert.Equal(t, b.Cid(), announcer.announcedCids()[0])
}

func TestReceivedBlockForwardedToOtherWantingPeers(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA, peerB}
	b := block.NewBlock([]byte("relay"))

	// peerB wants the block from us; we don't have it yet.
	in := bsmsg.New(false)
	in.AddEntry(b.Cid(), 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerB, in)

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.network.broadcastCount() > 0
	}, time.Second, 5*time.Millisecond)

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)
	<-done

	require.Eventually(t, func() bool {
		return len(h.network.messagesTo(peerB)) == 1
	}, time.Second, 5*time.Millisecond)
	forwarded := h.network.messagesTo(peerB)[0]
	require.Len(t, forwarded.Blocks(), 1)
	assert.Equal(t, b.Cid(), forwarded.Blocks()[0].Cid())
	assert.Empty(t, h.network.messagesTo(peerA))
}

func TestPeerConnectedReplaysWants(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("replay"))

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.network.broadcastCount() > 0
	}, time.Second, 5*time.Millisecond)

	h.engine.PeerConnected(peerB)
	assert.Contains(t, h.network.wantsTo(peerB), b.Cid())

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerB, delivery)
	<-done
}

func TestPeerDisconnectedPurgesWantRecords(t *testing.T) {
	h := newHarness(t, Config{})
	c := block.NewBlock([]byte("departed")).Cid()

	in := bsmsg.New(false)
	in.AddEntry(c, 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, in)
	require.Len(t, h.engine.PeerWantlist(peerA), 1)

	h.engine.PeerDisconnected(peerA)
	assert.Empty(t, h.engine.PeerWantlist(peerA))
}

func TestHandleAnnounce(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("announced"))

	// An announce for something we never asked for is ignored.
	h.engine.HandleAnnounce(peerA, b.Cid())
	assert.Empty(t, h.network.wantsTo(peerA))

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.network.broadcastCount() > 0
	}, time.Second, 5*time.Millisecond)

	h.engine.HandleAnnounce(peerA, b.Cid())
	assert.Contains(t, h.network.wantsTo(peerA), b.Cid())

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)
	<-done
}

func TestStat(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("counted"))
	require.NoError(t, h.store.Put(b))

	in := bsmsg.New(false)
	in.AddEntry(block.NewBlock([]byte("tracked")).Cid(), 1, bsmsg.WantTypeBlock, false)
	h.engine.ReceiveMessage(peerA, in)

	stats, err := h.engine.Stat()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlocksStored)
	assert.Equal(t, int64(b.Size()), stats.BytesStored)
	assert.Equal(t, 1, stats.PeersTracked)
	assert.Equal(t, 1, stats.ConnectedPeers)
}

func TestRebroadcastLoop(t *testing.T) {
	h := newHarness(t, Config{RebroadcastInterval: 20 * time.Millisecond})
	h.network.connected = []peer.ID{peerA}
	b := block.NewBlock([]byte("rebroadcast"))

	done := make(chan struct{})
	go func() {
		_, _ = h.engine.Want(context.Background(), b.Cid())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.network.broadcastCount() >= 3
	}, time.Second, 5*time.Millisecond)

	delivery := bsmsg.New(false)
	require.NoError(t, delivery.AddBlock(b))
	h.engine.ReceiveMessage(peerA, delivery)
	<-done
}
