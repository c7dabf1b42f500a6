// Package ledger keeps per-peer transfer accounting: messages, bytes, and
// blocks in each direction, plus how the peer is reached. Records survive
// disconnects so stats cover the whole process lifetime.
package ledger

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnType classifies how a peer is currently reached.
type ConnType int

const (
	ConnUnknown ConnType = iota
	ConnDirect
	ConnRelayed
)

func (t ConnType) String() string {
	switch t {
	case ConnDirect:
		return "direct"
	case ConnRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// Transfer is the rolling per-peer exchange counters.
type Transfer struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	BlocksSent       uint64 `json:"blocks_sent"`
	BlocksReceived   uint64 `json:"blocks_received"`
}

type entry struct {
	transfer  Transfer
	addr      string
	connType  ConnType
	connected bool
	lastSeen  time.Time
}

// PeerTransfer is one peer's snapshot row.
type PeerTransfer struct {
	Peer      string    `json:"peer"`
	Addr      string    `json:"addr,omitempty"`
	ConnType  string    `json:"conn_type"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Transfer  Transfer  `json:"transfer"`
}

// Ledger tracks transfer counters per peer.
type Ledger struct {
	mu    sync.RWMutex
	peers map[peer.ID]*entry
}

func New() *Ledger {
	return &Ledger{peers: make(map[peer.ID]*entry)}
}

func (l *Ledger) get(p peer.ID) *entry {
	e, ok := l.peers[p]
	if !ok {
		e = &entry{}
		l.peers[p] = e
	}
	return e
}

// Connected records a connection and classifies it by the remote address.
func (l *Ledger) Connected(p peer.ID, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(p)
	e.connected = true
	e.lastSeen = time.Now()
	if addr != "" {
		e.addr = addr
		if strings.Contains(addr, "/p2p-circuit") {
			e.connType = ConnRelayed
		} else {
			e.connType = ConnDirect
		}
	}
}

// Disconnected marks the peer down. The counters are kept.
func (l *Ledger) Disconnected(p peer.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.peers[p]; ok {
		e.connected = false
		e.lastSeen = time.Now()
	}
}

// MessageSent accounts one outbound wire message and the blocks it carried.
func (l *Ledger) MessageSent(p peer.ID, bytes, blocks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(p)
	e.transfer.MessagesSent++
	e.transfer.BytesSent += uint64(bytes)
	e.transfer.BlocksSent += uint64(blocks)
	e.lastSeen = time.Now()
}

// MessageReceived accounts one decoded inbound wire message.
func (l *Ledger) MessageReceived(p peer.ID, bytes, blocks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(p)
	e.transfer.MessagesReceived++
	e.transfer.BytesReceived += uint64(bytes)
	e.transfer.BlocksReceived += uint64(blocks)
	e.lastSeen = time.Now()
}

// TransferFor returns the counters for one peer.
func (l *Ledger) TransferFor(p peer.ID) (Transfer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.peers[p]
	if !ok {
		return Transfer{}, false
	}
	return e.transfer, true
}

// Len returns the number of peers ever accounted.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Snapshot returns every peer's counters, busiest first.
func (l *Ledger) Snapshot() []PeerTransfer {
	l.mu.RLock()
	out := make([]PeerTransfer, 0, len(l.peers))
	for p, e := range l.peers {
		out = append(out, PeerTransfer{
			Peer:      p.String(),
			Addr:      e.addr,
			ConnType:  e.connType.String(),
			Connected: e.connected,
			LastSeen:  e.lastSeen,
			Transfer:  e.transfer,
		})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti := out[i].Transfer.BytesSent + out[i].Transfer.BytesReceived
		tj := out[j].Transfer.BytesSent + out[j].Transfer.BytesReceived
		if ti != tj {
			return ti > tj
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}
