// Package engine coordinates the exchange: it owns the local want-list, the
// per-peer want index, and the store, and reacts to inbound messages, peer
// churn, and provider discovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/core/block"
	"blockswap/network/bsmsg"
	"blockswap/network/dhtquery"
	"blockswap/network/mtr"
	"blockswap/network/peerwants"
	"blockswap/network/wantlist"
)

const (
	DefaultWantTimeout         = 30 * time.Second
	DefaultRebroadcastInterval = 30 * time.Second
	DefaultWantPriority        = 1

	provideTimeout = 30 * time.Second
)

var (
	// ErrNotFound is returned when provider discovery finished with no
	// providers and no peer is connected to ask.
	ErrNotFound = errors.New("block not found: no providers")
	// ErrTimeout is returned when a want's deadline elapsed unresolved.
	ErrTimeout = wantlist.ErrTimeout
	// ErrCancelled is returned when the caller abandoned a want.
	ErrCancelled = wantlist.ErrCancelled
)

// Network is the slice of the dispatch layer the engine drives.
type Network interface {
	wantlist.PeerSender
	SendMessage(p peer.ID, msg *bsmsg.Message)
	ConnectedPeers() []peer.ID
	IsConnected(p peer.ID) bool
}

// ProviderFinder locates and registers content providers, normally backed by
// the DHT query manager.
type ProviderFinder interface {
	FindProviders(ctx context.Context, c cidlib.Cid) <-chan dhtquery.ProviderResult
	Provide(ctx context.Context, c cidlib.Cid) error
}

// Connector dials a discovered provider. Normally backed by the libp2p host.
type Connector interface {
	Connect(ctx context.Context, ai peer.AddrInfo) error
}

// Announcer publishes a new block's CID to interested subscribers, normally a
// gossipsub topic.
type Announcer interface {
	Announce(ctx context.Context, c cidlib.Cid) error
}

// Store is the block persistence the engine reads and writes.
type Store interface {
	Put(b block.Block) error
	Get(c cidlib.Cid) (block.Block, error)
	Has(c cidlib.Cid) (bool, error)
	Stat() (int, int64, error)
}

// Config carries the engine's tunables. Zero values select the defaults.
type Config struct {
	WantTimeout         time.Duration
	RebroadcastInterval time.Duration
	WantPriority        int32
}

func (c *Config) withDefaults() {
	if c.WantTimeout <= 0 {
		c.WantTimeout = DefaultWantTimeout
	}
	if c.RebroadcastInterval <= 0 {
		c.RebroadcastInterval = DefaultRebroadcastInterval
	}
	if c.WantPriority <= 0 {
		c.WantPriority = DefaultWantPriority
	}
}

// Stats is a point-in-time snapshot of the exchange state.
type Stats struct {
	BlocksStored   int   `json:"blocks_stored"`
	BytesStored    int64 `json:"bytes_stored"`
	PendingWants   int   `json:"pending_wants"`
	PeersTracked   int   `json:"peers_tracked"`
	ConnectedPeers int   `json:"connected_peers"`
}

// Engine ties the store, want-list, peer want index, network, and discovery
// together. It is the dispatch layer's Receiver.
type Engine struct {
	cfg Config

	store     Store
	network   Network
	wl        *wantlist.Manager
	idx       *peerwants.Index
	finder    ProviderFinder
	connector Connector

	mu        sync.Mutex
	announcer Announcer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine and starts its rebroadcast loop. Callers must wire it
// into the dispatch layer with SetReceiver and Close it on shutdown.
func New(ctx context.Context, store Store, network Network, finder ProviderFinder, connector Connector, cfg Config) *Engine {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:       cfg,
		store:     store,
		network:   network,
		wl:        wantlist.NewManager(network, cfg.WantTimeout),
		idx:       peerwants.NewIndex(),
		finder:    finder,
		connector: connector,
		ctx:       ctx,
		cancel:    cancel,
	}
	e.wg.Add(1)
	go e.rebroadcastLoop()
	return e
}

// Close stops the engine's background loops.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SetAnnouncer installs the pubsub announcer. Optional; without one new
// blocks are only registered on the DHT.
func (e *Engine) SetAnnouncer(a Announcer) {
	e.mu.Lock()
	e.announcer = a
	e.mu.Unlock()
}

// Want fetches a block, from the local store if present, otherwise from the
// network: the want is broadcast to connected peers while provider discovery
// runs in the background and targets each discovered provider directly.
//
// Returns ErrNotFound when discovery finished empty with nobody connected,
// ErrTimeout when the deadline elapsed, or ctx's error when the caller gave
// up first.
func (e *Engine) Want(ctx context.Context, c cidlib.Cid) ([]byte, error) {
	if b, err := e.store.Get(c); err == nil {
		return b.RawData(), nil
	}

	w := e.wl.WantBlock(c, e.cfg.WantPriority, e.cfg.WantTimeout)

	discoverCtx, discoverCancel := context.WithCancel(ctx)
	defer discoverCancel()
	go e.discoverProviders(discoverCtx, c, w)

	data, err := w.Await(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ErrCancelled) {
			return nil, fmt.Errorf("want for %s: %w", c, ctx.Err())
		}
		return nil, fmt.Errorf("want for %s: %w", c, err)
	}
	return data, nil
}

// discoverProviders walks the provider stream for c, dialing and targeting
// each provider with a session want. If discovery finishes definitively
// empty and no peer is connected, the want fails fast with ErrNotFound.
func (e *Engine) discoverProviders(ctx context.Context, c cidlib.Cid, w *wantlist.Want) {
	var found int
	var dialers sync.WaitGroup
	for res := range e.finder.FindProviders(ctx, c) {
		if res.Err != nil {
			log.Printf("[Engine] Provider discovery for %s: %v", c, res.Err)
			continue
		}
		found++
		ai := res.Provider
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			if !e.network.IsConnected(ai.ID) {
				if err := e.connector.Connect(ctx, ai); err != nil {
					log.Printf("[Engine] Provider %s unreachable: %v", ai.ID, err)
					return
				}
			}
			if e.wl.Wants(c) {
				e.network.SendWant(ai.ID, c, e.cfg.WantPriority, bsmsg.WantTypeBlock)
			}
		}()
	}
	dialers.Wait()

	// A stream that ended because the caller gave up is not a verdict.
	if ctx.Err() != nil {
		return
	}
	if found == 0 && len(e.network.ConnectedPeers()) == 0 {
		w.Fail(ErrNotFound)
	}
}

// Notify stores a block, serves it to every peer that wanted it, and
// announces it to the network in the background.
func (e *Engine) Notify(ctx context.Context, b block.Block) error {
	if err := e.store.Put(b); err != nil {
		return fmt.Errorf("storing block %s: %w", b.Cid(), err)
	}

	for _, pm := range e.idx.CreateBlockMessages(b) {
		e.network.SendMessage(pm.Peer, pm.Message)
		mtr.BlocksSentTotal.Inc()
	}

	e.wg.Add(1)
	go e.announce(b.Cid())
	return nil
}

func (e *Engine) announce(c cidlib.Cid) {
	defer e.wg.Done()
	ctx, cancel := context.WithTimeout(e.ctx, provideTimeout)
	defer cancel()
	if err := e.finder.Provide(ctx, c); err != nil {
		log.Printf("[Engine] DHT provide for %s: %v", c, err)
	}
	e.mu.Lock()
	a := e.announcer
	e.mu.Unlock()
	if a != nil {
		if err := a.Announce(ctx, c); err != nil {
			log.Printf("[Engine] Announce for %s: %v", c, err)
		}
	}
}

// ReceiveMessage applies one inbound message: updates the peer's want
// records, answers what the store can serve, absorbs delivered blocks, and
// chases HAVE presences for blocks still wanted.
func (e *Engine) ReceiveMessage(p peer.ID, msg *bsmsg.Message) {
	if msg.Full() {
		e.idx.ClearWants(p)
	}

	reply := bsmsg.New(false)
	for _, entry := range msg.Wantlist() {
		if entry.Cancel {
			e.idx.RemoveWant(p, entry.Cid)
			continue
		}
		e.idx.AddWant(p, entry.Cid, entry.Priority, entry.WantType, entry.SendDontHave)
		e.answerWant(p, entry, reply)
	}
	if !reply.Empty() {
		e.network.SendMessage(p, reply)
	}

	for _, b := range msg.Blocks() {
		e.receivedBlock(p, b)
	}

	for _, pres := range msg.BlockPresences() {
		if pres.Type == bsmsg.PresenceHave && e.wl.Wants(pres.Cid) {
			e.network.SendWant(p, pres.Cid, e.cfg.WantPriority, bsmsg.WantTypeBlock)
		}
	}
}

// answerWant appends the store's answer for one want entry to the reply:
// the block itself, a HAVE, or a DONT_HAVE when the peer asked for one.
func (e *Engine) answerWant(p peer.ID, entry bsmsg.Entry, reply *bsmsg.Message) {
	has, err := e.store.Has(entry.Cid)
	if err != nil {
		log.Printf("[Engine] Store lookup for %s: %v", entry.Cid, err)
		return
	}
	if !has {
		if entry.SendDontHave {
			reply.AddBlockPresence(entry.Cid, bsmsg.PresenceDontHave)
		}
		return
	}

	if entry.WantType == bsmsg.WantTypeHave {
		reply.AddBlockPresence(entry.Cid, bsmsg.PresenceHave)
		return
	}

	b, err := e.store.Get(entry.Cid)
	if err != nil {
		log.Printf("[Engine] Store read for %s: %v", entry.Cid, err)
		return
	}
	if err := reply.AddBlock(b); err != nil {
		log.Printf("[Engine] Cannot serve %s to %s: %v", entry.Cid, p, err)
		return
	}
	e.idx.RemoveWant(p, entry.Cid)
	mtr.BlocksSentTotal.Inc()
}

// receivedBlock absorbs one delivered block: resolve local wants, persist,
// and forward it to any other peer whose want records cover it.
func (e *Engine) receivedBlock(from peer.ID, b block.Block) {
	c := b.Cid()
	if !e.wl.Wants(c) {
		log.Printf("[Engine] Unsolicited block %s from %s, ignoring", c, from)
		return
	}

	if err := e.store.Put(b); err != nil {
		log.Printf("[Engine] Storing received block %s: %v", c, err)
	}
	resolved := e.wl.ReceivedBlock(c, b.RawData())
	mtr.BlocksReceivedTotal.Inc()
	log.Printf("[Engine] Received block %s (%d bytes) from %s, resolved %d wants", c, b.Size(), from, resolved)

	for _, pm := range e.idx.CreateBlockMessages(b) {
		if pm.Peer == from {
			continue
		}
		e.network.SendMessage(pm.Peer, pm.Message)
		mtr.BlocksSentTotal.Inc()
	}
}

// PeerConnected starts tracking the peer and replays our open wants to it.
func (e *Engine) PeerConnected(p peer.ID) {
	e.idx.AddPeer(p)
	e.wl.SendWantsTo(p)
}

// PeerDisconnected drops every want record held for the peer.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.idx.RemovePeer(p)
}

// Wantlist returns the CIDs this node currently wants.
func (e *Engine) Wantlist() []cidlib.Cid {
	return e.wl.Wantlist()
}

// PeerWantlist returns the want records held for one peer.
func (e *Engine) PeerWantlist(p peer.ID) []peerwants.Record {
	return e.idx.WantlistFor(p)
}

// Stat reports a snapshot of the exchange state.
func (e *Engine) Stat() (Stats, error) {
	count, bytes, err := e.store.Stat()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BlocksStored:   count,
		BytesStored:    bytes,
		PendingWants:   e.wl.Len(),
		PeersTracked:   e.idx.Len(),
		ConnectedPeers: len(e.network.ConnectedPeers()),
	}, nil
}

// HandleAnnounce reacts to a pubsub content announcement: if the block is
// still wanted, ask the announcer for it directly.
func (e *Engine) HandleAnnounce(from peer.ID, c cidlib.Cid) {
	if e.wl.Wants(c) {
		e.network.SendWant(from, c, e.cfg.WantPriority, bsmsg.WantTypeBlock)
	}
}

// rebroadcastLoop periodically re-sends open wants to all connected peers so
// wants outlive reconnects and newly joined providers hear about them.
func (e *Engine) rebroadcastLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RebroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, c := range e.wl.Wantlist() {
				e.network.BroadcastWant(c, e.cfg.WantPriority, bsmsg.WantTypeBlock)
			}
		case <-e.ctx.Done():
			return
		}
	}
}
