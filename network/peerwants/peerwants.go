// Package peerwants is the responder-side reverse index: for every connected
// peer, which CIDs it wants from this node, indexed both peer-to-CID and
// CID-to-peer for O(1) lookups in either direction.
package peerwants

import (
	"sync"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/core/block"
	"blockswap/network/bsmsg"
)

// Record is one peer's tracked desire for one CID.
type Record struct {
	Peer         peer.ID
	Cid          cidlib.Cid
	Priority     int32
	WantType     bsmsg.WantType
	SendDontHave bool
}

// PeerMessage pairs an outbound payload with its destination.
type PeerMessage struct {
	Peer    peer.ID
	Message *bsmsg.Message
}

// Index tracks peer wants. Safe for concurrent use; mutation arrives both
// from the inbound-message path and from connect/disconnect events.
type Index struct {
	mu     sync.RWMutex
	byPeer map[peer.ID]map[cidlib.Cid]*Record
	byCid  map[cidlib.Cid]map[peer.ID]*Record
}

// NewIndex creates an empty peer want index.
func NewIndex() *Index {
	return &Index{
		byPeer: make(map[peer.ID]map[cidlib.Cid]*Record),
		byCid:  make(map[cidlib.Cid]map[peer.ID]*Record),
	}
}

// AddPeer registers a connected peer with an empty wantlist.
func (ix *Index) AddPeer(p peer.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byPeer[p]; !ok {
		ix.byPeer[p] = make(map[cidlib.Cid]*Record)
	}
}

// RemovePeer purges every record for a disconnected peer.
func (ix *Index) RemovePeer(p peer.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for c := range ix.byPeer[p] {
		ix.dropLocked(p, c)
	}
	delete(ix.byPeer, p)
}

// ClearWants removes all of a peer's records but keeps the peer registered.
// Used when a full-wantlist message replaces the peer's prior view.
func (ix *Index) ClearWants(p peer.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for c := range ix.byPeer[p] {
		ix.dropLocked(p, c)
	}
	ix.byPeer[p] = make(map[cidlib.Cid]*Record)
}

// AddWant inserts or updates one record. Repeated wants for the same
// (peer, CID) update priority and type in place.
func (ix *Index) AddWant(p peer.ID, c cidlib.Cid, priority int32, wt bsmsg.WantType, sendDontHave bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec := &Record{Peer: p, Cid: c, Priority: priority, WantType: wt, SendDontHave: sendDontHave}
	byCid, ok := ix.byPeer[p]
	if !ok {
		byCid = make(map[cidlib.Cid]*Record)
		ix.byPeer[p] = byCid
	}
	byCid[c] = rec

	byPeer, ok := ix.byCid[c]
	if !ok {
		byPeer = make(map[peer.ID]*Record)
		ix.byCid[c] = byPeer
	}
	byPeer[p] = rec
}

// RemoveWant deletes one record, typically on an inbound cancel.
func (ix *Index) RemoveWant(p peer.ID, c cidlib.Cid) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dropLocked(p, c)
}

func (ix *Index) dropLocked(p peer.ID, c cidlib.Cid) {
	if byCid, ok := ix.byPeer[p]; ok {
		delete(byCid, c)
	}
	if byPeer, ok := ix.byCid[c]; ok {
		delete(byPeer, p)
		if len(byPeer) == 0 {
			delete(ix.byCid, c)
		}
	}
}

// PeersWanting returns every peer with any want for the CID.
func (ix *Index) PeersWanting(c cidlib.Cid) []peer.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]peer.ID, 0, len(ix.byCid[c]))
	for p := range ix.byCid[c] {
		out = append(out, p)
	}
	return out
}

// PeersWantingBlock returns peers with a Block-type want for the CID.
func (ix *Index) PeersWantingBlock(c cidlib.Cid) []peer.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []peer.ID
	for p, rec := range ix.byCid[c] {
		if rec.WantType == bsmsg.WantTypeBlock {
			out = append(out, p)
		}
	}
	return out
}

// ReceivedBlock returns the peers that must be sent the block (Block-type
// wants) and removes those records: the want is satisfied by delivery.
// Have-type records are kept; the peer only learned of presence and may still
// upgrade to a want-block, so only a cancel or disconnect clears them.
func (ix *Index) ReceivedBlock(c cidlib.Cid) []peer.ID {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []peer.ID
	for p, rec := range ix.byCid[c] {
		if rec.WantType == bsmsg.WantTypeBlock {
			out = append(out, p)
		}
	}
	for _, p := range out {
		ix.dropLocked(p, c)
	}
	return out
}

// WantlistFor returns a snapshot of one peer's records.
func (ix *Index) WantlistFor(p peer.ID) []Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Record, 0, len(ix.byPeer[p]))
	for _, rec := range ix.byPeer[p] {
		out = append(out, *rec)
	}
	return out
}

// CreateBlockMessages builds one outbound message per interested peer:
// the block itself for Block-type wants, a HAVE presence for Have-type
// wants. Block-type records are consumed; Have-type records are retained.
func (ix *Index) CreateBlockMessages(b block.Block) []PeerMessage {
	c := b.Cid()

	ix.mu.Lock()
	type dest struct {
		p  peer.ID
		wt bsmsg.WantType
	}
	var dests []dest
	for p, rec := range ix.byCid[c] {
		dests = append(dests, dest{p, rec.WantType})
	}
	for _, d := range dests {
		if d.wt == bsmsg.WantTypeBlock {
			ix.dropLocked(d.p, c)
		}
	}
	ix.mu.Unlock()

	out := make([]PeerMessage, 0, len(dests))
	for _, d := range dests {
		msg := bsmsg.New(false)
		if d.wt == bsmsg.WantTypeBlock {
			if err := msg.AddBlock(b); err != nil {
				// Oversize block, cannot travel in an exchange message.
				continue
			}
		} else {
			msg.AddBlockPresence(c, bsmsg.PresenceHave)
		}
		out = append(out, PeerMessage{Peer: d.p, Message: msg})
	}
	return out
}

// CreateDontHaveMessages builds a DONT_HAVE presence for every peer that
// asked to be told about misses for this CID.
func (ix *Index) CreateDontHaveMessages(c cidlib.Cid) []PeerMessage {
	ix.mu.RLock()
	var peers []peer.ID
	for p, rec := range ix.byCid[c] {
		if rec.SendDontHave {
			peers = append(peers, p)
		}
	}
	ix.mu.RUnlock()

	out := make([]PeerMessage, 0, len(peers))
	for _, p := range peers {
		msg := bsmsg.New(false)
		msg.AddBlockPresence(c, bsmsg.PresenceDontHave)
		out = append(out, PeerMessage{Peer: p, Message: msg})
	}
	return out
}

// Peers returns all registered peers.
func (ix *Index) Peers() []peer.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]peer.ID, 0, len(ix.byPeer))
	for p := range ix.byPeer {
		out = append(out, p)
	}
	return out
}

// Len returns the total number of records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, byCid := range ix.byPeer {
		n += len(byCid)
	}
	return n
}
