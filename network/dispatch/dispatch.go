// Package dispatch is the per-peer network send layer: one queued message per
// connected peer, merged on enqueue and flushed in batches over uvarint-framed
// streams. Inbound streams are decoded here and handed to the Receiver;
// connect/disconnect events are surfaced the same way.
package dispatch

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"blockswap/network/bsmsg"
	"blockswap/network/ledger"
	"blockswap/network/mtr"
)

const (
	// ProtocolExchange is the current exchange protocol. Peers speaking it
	// understand HAVE/DONT_HAVE presences.
	ProtocolExchange = protocol.ID("/blockswap/exchange/1.2.0")
	// ProtocolExchangeLegacy is the fallback for peers that predate
	// presences; want-haves are downgraded to want-blocks for them.
	ProtocolExchangeLegacy = protocol.ID("/blockswap/exchange/1.1.0")

	// DefaultSendDelay is the batching window: operations enqueued within it
	// coalesce into one wire message.
	DefaultSendDelay = 10 * time.Millisecond

	defaultSendTimeout = 30 * time.Second
	maxSendRetries     = 3
	// Inbound frames over this limit indicate a misbehaving peer.
	maxInboundFrame = bsmsg.MaxMessageSize * 2
)

// Receiver consumes decoded inbound messages and connectivity events.
type Receiver interface {
	ReceiveMessage(p peer.ID, msg *bsmsg.Message)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// Config bounds the dispatcher's batching and framing behavior.
type Config struct {
	// SendDelay is the batching window before a queued message is flushed.
	SendDelay time.Duration
	// MaxMessageSize is the wire-message split threshold.
	MaxMessageSize int
	// SendTimeout bounds opening a stream and writing one message.
	SendTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.SendDelay <= 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = bsmsg.MaxMessageSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
}

// Dispatcher owns one peerQueue per connected peer.
type Dispatcher struct {
	host     host.Host
	receiver Receiver
	cfg      Config
	ledger   *ledger.Ledger

	mu     sync.RWMutex
	queues map[peer.ID]*peerQueue

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher wires the dispatcher into the host: stream handlers for both
// protocol versions and a connection notifiee. The Receiver must be set with
// SetReceiver before traffic flows.
func NewDispatcher(ctx context.Context, h host.Host, cfg Config) *Dispatcher {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		host:   h,
		cfg:    cfg,
		ledger: ledger.New(),
		queues: make(map[peer.ID]*peerQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	h.SetStreamHandler(ProtocolExchange, d.handleNewStream)
	h.SetStreamHandler(ProtocolExchangeLegacy, d.handleNewStream)
	h.Network().Notify(&dispatchNotifiee{d: d})
	return d
}

// SetReceiver attaches the inbound consumer. Components are constructed in
// dependency order, so the receiver arrives after construction.
func (d *Dispatcher) SetReceiver(r Receiver) { d.receiver = r }

// Ledger returns the per-peer transfer accounting.
func (d *Dispatcher) Ledger() *ledger.Ledger { return d.ledger }

// Shutdown stops every peer queue.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, q := range d.queues {
		q.shutdown()
		delete(d.queues, p)
	}
}

// ConnectedPeers returns the peers with live connections.
func (d *Dispatcher) ConnectedPeers() []peer.ID {
	return d.host.Network().Peers()
}

// IsConnected reports whether a live connection to the peer exists.
func (d *Dispatcher) IsConnected(p peer.ID) bool {
	return d.host.Network().Connectedness(p) == network.Connected
}

// SendMessage merges msg into the peer's pending queue; the flush loop
// batches whatever accumulates within the send delay into one wire message.
func (d *Dispatcher) SendMessage(p peer.ID, msg *bsmsg.Message) {
	if msg == nil || msg.Empty() {
		return
	}
	q := d.getOrCreateQueue(p)
	q.enqueue(msg)
}

// BroadcastWant queues a want entry for every connected peer.
func (d *Dispatcher) BroadcastWant(c cidlib.Cid, priority int32, wt bsmsg.WantType) {
	for _, p := range d.ConnectedPeers() {
		d.SendWant(p, c, priority, wt)
	}
}

// SendWant queues a want entry for one peer.
func (d *Dispatcher) SendWant(p peer.ID, c cidlib.Cid, priority int32, wt bsmsg.WantType) {
	q := d.getOrCreateQueue(p)
	q.addWant(c, priority, wt)
}

// SendCancel retracts interest in a CID from every peer that has, or is
// about to be sent, a want for it. A want still queued and unsent is elided
// outright; a want already on the wire gets an explicit cancel entry.
func (d *Dispatcher) SendCancel(c cidlib.Cid) {
	d.mu.RLock()
	queues := make([]*peerQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.RUnlock()
	for _, q := range queues {
		q.addCancel(c)
	}
}

func (d *Dispatcher) getOrCreateQueue(p peer.ID) *peerQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[p]
	if !ok {
		q = newPeerQueue(d, p)
		d.queues[p] = q
	}
	return q
}

func (d *Dispatcher) removeQueue(p peer.ID) {
	d.mu.Lock()
	q, ok := d.queues[p]
	if ok {
		delete(d.queues, p)
	}
	d.mu.Unlock()
	if ok {
		q.shutdown()
	}
}

// handleNewStream reads uvarint-framed messages off an inbound stream.
// Decode failures are counted and skipped; they never take down the loop.
func (d *Dispatcher) handleNewStream(s network.Stream) {
	remotePeer := s.Conn().RemotePeer()
	defer s.Close()
	reader := bufio.NewReader(s)

	for {
		msgLen, err := binary.ReadUvarint(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, network.ErrReset) {
				log.Printf("[Dispatch] Failed to read frame length from %s: %v", remotePeer, err)
			}
			return
		}
		if msgLen > maxInboundFrame {
			log.Printf("[Dispatch] Dropping oversized frame (%d bytes) from %s", msgLen, remotePeer)
			s.Reset()
			return
		}

		buf := make([]byte, msgLen)
		if _, err := io.ReadFull(reader, buf); err != nil {
			log.Printf("[Dispatch] Failed to read frame from %s: %v", remotePeer, err)
			return
		}

		msg, err := bsmsg.Decode(buf)
		if err != nil {
			mtr.DecodeErrorsTotal.Inc()
			log.Printf("[Dispatch] Failed to decode message from %s: %v", remotePeer, err)
			continue
		}

		mtr.MessagesReceivedTotal.WithLabelValues("exchange").Inc()
		d.ledger.MessageReceived(remotePeer, len(buf), len(msg.Blocks()))
		if d.receiver != nil {
			d.receiver.ReceiveMessage(remotePeer, msg)
		}
	}
}

// --- per-peer outbound queue ---

type peerQueue struct {
	d *Dispatcher
	p peer.ID

	mu        sync.Mutex
	pending   *bsmsg.Message
	sentWants map[cidlib.Cid]struct{}

	outgoingWork chan struct{}
	done         chan struct{}
	closeOnce    sync.Once

	// Owned by the run loop.
	stream       network.Stream
	writer       *bufio.Writer
	supportsHave bool
	failures     int
}

func newPeerQueue(d *Dispatcher, p peer.ID) *peerQueue {
	q := &peerQueue{
		d:            d,
		p:            p,
		pending:      bsmsg.New(false),
		sentWants:    make(map[cidlib.Cid]struct{}),
		outgoingWork: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *peerQueue) shutdown() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *peerQueue) signalWork() {
	select {
	case q.outgoingWork <- struct{}{}:
	default:
	}
}

func (q *peerQueue) enqueue(msg *bsmsg.Message) {
	q.mu.Lock()
	q.pending.Merge(msg)
	q.mu.Unlock()
	q.signalWork()
}

func (q *peerQueue) addWant(c cidlib.Cid, priority int32, wt bsmsg.WantType) {
	q.mu.Lock()
	q.pending.AddEntry(c, priority, wt, true)
	q.mu.Unlock()
	q.signalWork()
}

func (q *peerQueue) addCancel(c cidlib.Cid) {
	q.mu.Lock()
	_, wasSent := q.sentWants[c]
	hadPending := q.pending.HasWant(c)
	if !wasSent && !hadPending {
		// Nothing to retract from this peer.
		q.mu.Unlock()
		return
	}
	q.pending.AddCancel(c) // removes a still-queued want outright
	if wasSent && hadPending {
		// The wire saw an earlier copy of the want; the elision above only
		// removed the re-queued one.
		q.pending.AddCancel(c)
	}
	delete(q.sentWants, c)
	q.mu.Unlock()
	q.signalWork()
}

// run drains the queue: each work signal starts a batching window, after
// which everything pending is flushed as one (possibly split) message.
func (q *peerQueue) run() {
	defer func() {
		if q.stream != nil {
			q.stream.Close()
		}
	}()

	for {
		select {
		case <-q.outgoingWork:
			select {
			case <-time.After(q.d.cfg.SendDelay):
			case <-q.done:
				return
			case <-q.d.ctx.Done():
				return
			}
			q.flush()
		case <-q.done:
			return
		case <-q.d.ctx.Done():
			return
		}
	}
}

func (q *peerQueue) flush() {
	q.mu.Lock()
	if q.pending.Empty() {
		q.mu.Unlock()
		return
	}
	msg := q.pending
	q.pending = bsmsg.New(false)
	for _, e := range msg.Wantlist() {
		if !e.Cancel {
			q.sentWants[e.Cid] = struct{}{}
		}
	}
	q.mu.Unlock()

	if err := q.sendMessage(msg); err != nil {
		log.Printf("[Dispatch] Failed to send to %s: %v", q.p, err)
		q.resetStream()
		q.failures++
		if q.failures <= maxSendRetries {
			// Put the message back; a later flush retries it.
			q.mu.Lock()
			msg.Merge(q.pending)
			q.pending = msg
			q.mu.Unlock()
			q.signalWork()
		} else {
			log.Printf("[Dispatch] Dropping message to %s after %d failures", q.p, q.failures)
			q.failures = 0
		}
		return
	}
	q.failures = 0
}

func (q *peerQueue) sendMessage(msg *bsmsg.Message) error {
	if err := q.ensureStream(); err != nil {
		return err
	}

	if !q.supportsHave {
		msg = downgradeForLegacy(msg)
		if msg.Empty() {
			return nil
		}
	}

	for _, frag := range msg.Split(q.d.cfg.MaxMessageSize) {
		encoded := frag.Encode()
		if err := q.writeFrame(encoded); err != nil {
			return err
		}
		mtr.MessagesSentTotal.WithLabelValues("exchange").Inc()
		q.d.ledger.MessageSent(q.p, len(encoded), len(frag.Blocks()))
	}
	return nil
}

func (q *peerQueue) ensureStream() error {
	if q.stream != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(q.d.ctx, q.d.cfg.SendTimeout)
	defer cancel()

	// Newest protocol first; the multistream negotiation falls back to the
	// legacy version when the peer does not speak it. Allow opening over
	// limited (relayed) connections.
	stream, err := q.d.host.NewStream(
		network.WithAllowLimitedConn(ctx, "exchange"),
		q.p,
		ProtocolExchange, ProtocolExchangeLegacy,
	)
	if err != nil {
		return fmt.Errorf("failed to open exchange stream: %w", err)
	}
	q.stream = stream
	q.writer = bufio.NewWriter(stream)
	q.supportsHave = stream.Protocol() == ProtocolExchange
	if !q.supportsHave {
		log.Printf("[Dispatch] Peer %s negotiated legacy exchange protocol", q.p)
	}
	return nil
}

func (q *peerQueue) resetStream() {
	if q.stream != nil {
		q.stream.Reset()
		q.stream = nil
		q.writer = nil
	}
}

func (q *peerQueue) writeFrame(data []byte) error {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(data)))
	if _, err := q.writer.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := q.writer.Write(data); err != nil {
		return err
	}
	return q.writer.Flush()
}

// downgradeForLegacy rewrites a message for a peer on the pre-presence
// protocol: presences are dropped and want-haves become want-blocks.
func downgradeForLegacy(msg *bsmsg.Message) *bsmsg.Message {
	out := bsmsg.New(msg.Full())
	for _, e := range msg.Wantlist() {
		if e.Cancel {
			out.AddCancel(e.Cid)
			continue
		}
		out.AddEntry(e.Cid, e.Priority, bsmsg.WantTypeBlock, false)
	}
	for _, b := range msg.Blocks() {
		_ = out.AddBlock(b)
	}
	return out
}

// --- connectivity events ---

type dispatchNotifiee struct {
	d *Dispatcher
}

func (n *dispatchNotifiee) Connected(net network.Network, conn network.Conn) {
	p := conn.RemotePeer()
	n.d.getOrCreateQueue(p)
	n.d.ledger.Connected(p, conn.RemoteMultiaddr().String())
	mtr.PeerConnectionsTotal.Inc()
	if n.d.receiver != nil {
		n.d.receiver.PeerConnected(p)
	}
}

func (n *dispatchNotifiee) Disconnected(net network.Network, conn network.Conn) {
	p := conn.RemotePeer()
	if net.Connectedness(p) == network.Connected {
		return // another connection to the peer survives
	}
	n.d.removeQueue(p)
	n.d.ledger.Disconnected(p)
	mtr.PeerDisconnectionsTotal.Inc()
	if n.d.receiver != nil {
		n.d.receiver.PeerDisconnected(p)
	}
}

func (n *dispatchNotifiee) Listen(net network.Network, addr multiaddr.Multiaddr)      {}
func (n *dispatchNotifiee) ListenClose(net network.Network, addr multiaddr.Multiaddr) {}
