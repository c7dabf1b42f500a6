// Package bsmsg implements the block-exchange wire message: a typed model of
// want/block/presence entries, an incremental per-peer builder with
// merge/cancel semantics, and a size-bound splitter. The binary schema is the
// bitswap protobuf layout, hand-coded with protowire in codec.go.
package bsmsg

import (
	"errors"
	"fmt"

	cidlib "github.com/ipfs/go-cid"

	"blockswap/core/block"
	"blockswap/core/cidutil"
)

const (
	// MaxMessageSize is the default maximum encoded size of one wire message.
	// Larger logical messages are split into ordered fragments.
	MaxMessageSize = 2 << 20
	// MaxBlockSize is the maximum size of a single block payload. Blocks over
	// this limit are rejected at insertion time.
	MaxBlockSize = 1 << 20
)

var (
	// ErrBlockTooLarge is returned by AddBlock for blocks over MaxBlockSize.
	ErrBlockTooLarge = errors.New("block exceeds maximum block size")
)

// WantType distinguishes a request for full block data from a request for a
// presence confirmation. Values match the wire enum.
type WantType int32

const (
	WantTypeBlock WantType = 0
	WantTypeHave  WantType = 1
)

func (t WantType) String() string {
	if t == WantTypeHave {
		return "want-have"
	}
	return "want-block"
}

// PresenceType asserts availability of a block. Values match the wire enum.
type PresenceType int32

const (
	PresenceHave     PresenceType = 0
	PresenceDontHave PresenceType = 1
)

// Entry is a single wantlist entry.
type Entry struct {
	Cid          cidlib.Cid
	Priority     int32
	WantType     WantType
	Cancel       bool
	SendDontHave bool
}

// BlockPresence asserts whether the sender has a block.
type BlockPresence struct {
	Cid  cidlib.Cid
	Type PresenceType
}

// Message is one logical exchange message under construction. It is also the
// decoded form of an inbound wire message. Entries are keyed by CID: a later
// add for the same CID overwrites rather than appending, and a cancel removes
// a queued want outright. Message is not safe for concurrent use; callers
// serialize access (the dispatch layer holds one per peer behind its queue
// lock).
type Message struct {
	full bool

	wantlist  map[cidlib.Cid]Entry
	wantOrder []cidlib.Cid

	blocks     map[cidlib.Cid]block.Block
	blockOrder []cidlib.Cid

	presences     map[cidlib.Cid]BlockPresence
	presenceOrder []cidlib.Cid
}

// New creates an empty message. full marks the wantlist as a complete
// replacement of the receiver's view rather than a diff.
func New(full bool) *Message {
	return &Message{
		full:      full,
		wantlist:  make(map[cidlib.Cid]Entry),
		blocks:    make(map[cidlib.Cid]block.Block),
		presences: make(map[cidlib.Cid]BlockPresence),
	}
}

// Full reports whether the wantlist is a full replacement.
func (m *Message) Full() bool { return m.full }

// SetFull marks the wantlist as a full replacement.
func (m *Message) SetFull(full bool) { m.full = full }

// Empty reports whether the message carries no entries at all.
func (m *Message) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.presences) == 0
}

// AddEntry inserts or overwrites a wantlist entry for a CID. A repeated call
// for the same CID updates type and priority in place; it never duplicates.
func (m *Message) AddEntry(c cidlib.Cid, priority int32, wt WantType, sendDontHave bool) {
	prev, exists := m.wantlist[c]
	if exists && prev.Cancel {
		// A want supersedes a pending cancel for the same CID.
		exists = false
	}
	m.wantlist[c] = Entry{
		Cid:          c,
		Priority:     priority,
		WantType:     wt,
		Cancel:       false,
		SendDontHave: sendDontHave,
	}
	if !exists {
		m.wantOrder = appendOnce(m.wantOrder, m.wantlist, c)
	}
}

// AddWantBlock queues a want for the full block data.
func (m *Message) AddWantBlock(c cidlib.Cid, priority int32) {
	m.AddEntry(c, priority, WantTypeBlock, true)
}

// AddWantHave queues a want for a presence confirmation only.
func (m *Message) AddWantHave(c cidlib.Cid, priority int32) {
	m.AddEntry(c, priority, WantTypeHave, true)
}

// AddCancel cancels interest in a CID. If a want for the CID is still queued
// in this message it is removed outright and no cancel entry is emitted (the
// receiver never saw the want). Otherwise an explicit cancel entry is queued.
// Returns true if a cancel entry was recorded.
func (m *Message) AddCancel(c cidlib.Cid) bool {
	if prev, ok := m.wantlist[c]; ok && !prev.Cancel {
		delete(m.wantlist, c)
		m.wantOrder = removeCid(m.wantOrder, c)
		return false
	}
	if _, ok := m.wantlist[c]; !ok {
		m.wantOrder = append(m.wantOrder, c)
	}
	m.wantlist[c] = Entry{Cid: c, Cancel: true, WantType: WantTypeBlock}
	return true
}

// HasWant reports whether a non-cancel want for the CID is queued.
func (m *Message) HasWant(c cidlib.Cid) bool {
	e, ok := m.wantlist[c]
	return ok && !e.Cancel
}

// AddBlock queues a block payload, overwriting any prior queued block for the
// same CID. Blocks over MaxBlockSize are rejected here, not at split time.
func (m *Message) AddBlock(b block.Block) error {
	if b.Size() > MaxBlockSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrBlockTooLarge, b.Size(), MaxBlockSize)
	}
	c := b.Cid()
	if _, ok := m.blocks[c]; !ok {
		m.blockOrder = append(m.blockOrder, c)
	}
	m.blocks[c] = b
	// A block answers any queued presence for the same CID.
	if _, ok := m.presences[c]; ok {
		delete(m.presences, c)
		m.presenceOrder = removeCid(m.presenceOrder, c)
	}
	return nil
}

// AddBlockPresence queues a HAVE/DONT_HAVE assertion, overwriting any prior
// queued presence for the same CID. A presence is never queued alongside a
// block for the same CID: the block wins.
func (m *Message) AddBlockPresence(c cidlib.Cid, t PresenceType) {
	if _, ok := m.blocks[c]; ok {
		return
	}
	if _, ok := m.presences[c]; !ok {
		m.presenceOrder = append(m.presenceOrder, c)
	}
	m.presences[c] = BlockPresence{Cid: c, Type: t}
}

// Wantlist returns the queued wantlist entries in insertion order.
func (m *Message) Wantlist() []Entry {
	out := make([]Entry, 0, len(m.wantlist))
	for _, c := range m.wantOrder {
		if e, ok := m.wantlist[c]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Blocks returns the queued blocks in insertion order.
func (m *Message) Blocks() []block.Block {
	out := make([]block.Block, 0, len(m.blocks))
	for _, c := range m.blockOrder {
		if b, ok := m.blocks[c]; ok {
			out = append(out, b)
		}
	}
	return out
}

// BlockPresences returns the queued presences in insertion order.
func (m *Message) BlockPresences() []BlockPresence {
	out := make([]BlockPresence, 0, len(m.presences))
	for _, c := range m.presenceOrder {
		if p, ok := m.presences[c]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Merge applies other's operations after m's, honoring the overwrite and
// cancel semantics of the individual add methods. Merging a message with
// itself leaves the queued entries unchanged.
func (m *Message) Merge(other *Message) {
	if other == nil || other == m {
		return
	}
	if other.full {
		m.full = true
	}
	for _, c := range other.wantOrder {
		e, ok := other.wantlist[c]
		if !ok {
			continue
		}
		if e.Cancel {
			m.AddCancel(c)
		} else {
			m.AddEntry(c, e.Priority, e.WantType, e.SendDontHave)
		}
	}
	for _, c := range other.blockOrder {
		if b, ok := other.blocks[c]; ok {
			// Size was checked when the block entered other.
			_ = m.AddBlock(b)
		}
	}
	for _, p := range other.BlockPresences() {
		m.AddBlockPresence(p.Cid, p.Type)
	}
}

// Clone returns a deep-enough copy: entry values are copied, block payloads
// are shared (blocks are immutable).
func (m *Message) Clone() *Message {
	out := New(m.full)
	for _, e := range m.Wantlist() {
		out.wantlist[e.Cid] = e
		out.wantOrder = append(out.wantOrder, e.Cid)
	}
	for _, b := range m.Blocks() {
		out.blocks[b.Cid()] = b
		out.blockOrder = append(out.blockOrder, b.Cid())
	}
	for _, p := range m.BlockPresences() {
		out.presences[p.Cid] = p
		out.presenceOrder = append(out.presenceOrder, p.Cid)
	}
	return out
}

// Reset clears all queued entries so the message can be reused.
func (m *Message) Reset(full bool) {
	m.full = full
	m.wantlist = make(map[cidlib.Cid]Entry)
	m.wantOrder = nil
	m.blocks = make(map[cidlib.Cid]block.Block)
	m.blockOrder = nil
	m.presences = make(map[cidlib.Cid]BlockPresence)
	m.presenceOrder = nil
}

// Size returns a conservative estimate of the encoded size in bytes without
// performing a full encode. Used by Split to decide fragment boundaries.
func (m *Message) Size() int {
	size := messageOverhead
	for _, e := range m.wantlist {
		size += entrySize(e)
	}
	for _, b := range m.blocks {
		size += blockSize(b)
	}
	for _, p := range m.presences {
		size += presenceSize(p)
	}
	return size
}

// Split partitions the message into an ordered sequence of fragments, each
// with an estimated size at most maxSize, preserving the relative order
// wants, then blocks, then presences. Fragments are independently
// processable: no entry is divided across fragments. A single entry larger
// than maxSize (bounded by MaxBlockSize) travels alone in its own fragment.
func (m *Message) Split(maxSize int) []*Message {
	if m.Size() <= maxSize {
		return []*Message{m}
	}

	var out []*Message
	cur := New(m.full)
	curSize := messageOverhead

	fit := func(itemSize int) {
		if curSize+itemSize > maxSize && !cur.Empty() {
			out = append(out, cur)
			// Only the first fragment carries the full flag: a full wantlist
			// replacement must not wipe entries delivered by earlier fragments.
			cur = New(false)
			curSize = messageOverhead
		}
		curSize += itemSize
	}

	for _, e := range m.Wantlist() {
		fit(entrySize(e))
		cur.wantlist[e.Cid] = e
		cur.wantOrder = append(cur.wantOrder, e.Cid)
	}
	for _, b := range m.Blocks() {
		fit(blockSize(b))
		cur.blocks[b.Cid()] = b
		cur.blockOrder = append(cur.blockOrder, b.Cid())
	}
	for _, p := range m.BlockPresences() {
		fit(presenceSize(p))
		cur.presences[p.Cid] = p
		cur.presenceOrder = append(cur.presenceOrder, p.Cid)
	}
	if !cur.Empty() {
		out = append(out, cur)
	}
	return out
}

// CidPrefix derives the codec/hash metadata prefix a receiver needs to
// rebuild a full CID from (prefix, data).
func CidPrefix(c cidlib.Cid) []byte { return cidutil.PrefixBytes(c) }

func appendOnce(order []cidlib.Cid, set map[cidlib.Cid]Entry, c cidlib.Cid) []cidlib.Cid {
	for _, o := range order {
		if o == c {
			return order
		}
	}
	return append(order, c)
}

func removeCid(order []cidlib.Cid, c cidlib.Cid) []cidlib.Cid {
	for i, o := range order {
		if o == c {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
