package bsmsg

import (
	"errors"
	"fmt"

	cidlib "github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"

	"blockswap/core/block"
	"blockswap/core/cidutil"
)

// Wire schema (bitswap message protobuf layout):
//
//	Message
//	  1: Wantlist wantlist
//	       1: repeated Entry entries
//	            1: bytes  block (CID bytes)
//	            2: int32  priority
//	            3: bool   cancel
//	            4: enum   wantType (0 = Block, 1 = Have)
//	            5: bool   sendDontHave
//	       2: bool full
//	  2: repeated bytes blocks        (legacy 1.0.0 payload, not emitted)
//	  3: repeated Block payload
//	       1: bytes prefix
//	       2: bytes data
//	  4: repeated BlockPresence blockPresences
//	       1: bytes cid
//	       2: enum  type (0 = Have, 1 = DontHave)
//	  5: int32 pendingBytes
const (
	fieldWantlist       = 1
	fieldBlocksLegacy   = 2
	fieldPayload        = 3
	fieldBlockPresences = 4
	fieldPendingBytes   = 5

	fieldWantlistEntries = 1
	fieldWantlistFull    = 2

	fieldEntryCid          = 1
	fieldEntryPriority     = 2
	fieldEntryCancel       = 3
	fieldEntryWantType     = 4
	fieldEntrySendDontHave = 5

	fieldPayloadPrefix = 1
	fieldPayloadData   = 2

	fieldPresenceCid  = 1
	fieldPresenceType = 2
)

// ErrMalformed is wrapped by all decode failures so the dispatch layer can
// classify and drop bad messages without tearing down the peer.
var ErrMalformed = errors.New("malformed exchange message")

// Encode serializes the message into the compact binary wire form.
func (m *Message) Encode() []byte {
	buf := make([]byte, 0, m.Size())

	wl := m.encodeWantlist()
	if len(wl) > 0 {
		buf = protowire.AppendTag(buf, fieldWantlist, protowire.BytesType)
		buf = protowire.AppendBytes(buf, wl)
	}
	for _, b := range m.Blocks() {
		pb := encodePayloadBlock(b)
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pb)
	}
	for _, p := range m.BlockPresences() {
		pp := encodePresence(p)
		buf = protowire.AppendTag(buf, fieldBlockPresences, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pp)
	}
	return buf
}

func (m *Message) encodeWantlist() []byte {
	entries := m.Wantlist()
	if len(entries) == 0 && !m.full {
		return nil
	}
	var buf []byte
	for _, e := range entries {
		eb := encodeEntry(e)
		buf = protowire.AppendTag(buf, fieldWantlistEntries, protowire.BytesType)
		buf = protowire.AppendBytes(buf, eb)
	}
	if m.full {
		buf = protowire.AppendTag(buf, fieldWantlistFull, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

func encodeEntry(e Entry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldEntryCid, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Cid.Bytes())
	if e.Priority != 0 {
		buf = protowire.AppendTag(buf, fieldEntryPriority, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(e.Priority)))
	}
	if e.Cancel {
		buf = protowire.AppendTag(buf, fieldEntryCancel, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	if e.WantType != WantTypeBlock {
		buf = protowire.AppendTag(buf, fieldEntryWantType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.WantType))
	}
	if e.SendDontHave {
		buf = protowire.AppendTag(buf, fieldEntrySendDontHave, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

func encodePayloadBlock(b block.Block) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldPayloadPrefix, protowire.BytesType)
	buf = protowire.AppendBytes(buf, cidutil.PrefixBytes(b.Cid()))
	buf = protowire.AppendTag(buf, fieldPayloadData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.RawData())
	return buf
}

func encodePresence(p BlockPresence) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldPresenceCid, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Cid.Bytes())
	if p.Type != PresenceHave {
		buf = protowire.AppendTag(buf, fieldPresenceType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Type))
	}
	return buf
}

// Decode parses a wire message. A zero-length buffer decodes to an empty
// message. Unknown fields are skipped for forward compatibility; structural
// corruption yields an error wrapping ErrMalformed.
func Decode(buf []byte) (*Message, error) {
	m := New(false)
	if len(buf) == 0 {
		return m, nil
	}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldWantlist && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: wantlist: %v", ErrMalformed, protowire.ParseError(n))
			}
			if err := m.decodeWantlist(v); err != nil {
				return nil, err
			}
			buf = buf[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
			}
			if err := m.decodePayloadBlock(v); err != nil {
				return nil, err
			}
			buf = buf[n:]
		case num == fieldBlockPresences && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: presence: %v", ErrMalformed, protowire.ParseError(n))
			}
			if err := m.decodePresence(v); err != nil {
				return nil, err
			}
			buf = buf[n:]
		default:
			// Unknown or unhandled field (including legacy field 2 and
			// pendingBytes): skip it.
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func (m *Message) decodeWantlist(buf []byte) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: wantlist tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == fieldWantlistEntries && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: wantlist entry: %v", ErrMalformed, protowire.ParseError(n))
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if e.Cancel {
				// Preserve the sender's cancel as an explicit entry.
				delete(m.wantlist, e.Cid)
				m.wantOrder = removeCid(m.wantOrder, e.Cid)
				m.wantOrder = append(m.wantOrder, e.Cid)
				m.wantlist[e.Cid] = e
			} else {
				m.AddEntry(e.Cid, e.Priority, e.WantType, e.SendDontHave)
			}
			buf = buf[n:]
		case num == fieldWantlistFull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("%w: full flag: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.full = v != 0
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: wantlist field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return nil
}

func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, fmt.Errorf("%w: entry tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == fieldEntryCid && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry cid: %v", ErrMalformed, protowire.ParseError(n))
			}
			c, err := cidlib.Cast(v)
			if err != nil {
				return e, fmt.Errorf("%w: entry cid: %v", ErrMalformed, err)
			}
			e.Cid = c
			buf = buf[n:]
		case num == fieldEntryPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry priority: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Priority = int32(v)
			buf = buf[n:]
		case num == fieldEntryCancel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry cancel: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Cancel = v != 0
			buf = buf[n:]
		case num == fieldEntryWantType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry want type: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.WantType = WantType(v)
			buf = buf[n:]
		case num == fieldEntrySendDontHave && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry send-dont-have: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.SendDontHave = v != 0
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return e, fmt.Errorf("%w: entry field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if !e.Cid.Defined() {
		return e, fmt.Errorf("%w: entry without cid", ErrMalformed)
	}
	return e, nil
}

func (m *Message) decodePayloadBlock(buf []byte) error {
	var prefix, data []byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: payload tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == fieldPayloadPrefix && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: payload prefix: %v", ErrMalformed, protowire.ParseError(n))
			}
			prefix = v
			buf = buf[n:]
		case num == fieldPayloadData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: payload data: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: payload field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	c, err := cidutil.CidFromPrefix(prefix, data)
	if err != nil {
		return fmt.Errorf("%w: payload block: %v", ErrMalformed, err)
	}
	return m.AddBlock(block.NewBlockWithCid(c, data))
}

func (m *Message) decodePresence(buf []byte) error {
	var p BlockPresence
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: presence tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == fieldPresenceCid && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: presence cid: %v", ErrMalformed, protowire.ParseError(n))
			}
			c, err := cidlib.Cast(v)
			if err != nil {
				return fmt.Errorf("%w: presence cid: %v", ErrMalformed, err)
			}
			p.Cid = c
			buf = buf[n:]
		case num == fieldPresenceType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("%w: presence type: %v", ErrMalformed, protowire.ParseError(n))
			}
			p.Type = PresenceType(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: presence field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if !p.Cid.Defined() {
		return fmt.Errorf("%w: presence without cid", ErrMalformed)
	}
	m.AddBlockPresence(p.Cid, p.Type)
	return nil
}

// Estimated per-item encoded sizes. Each allows the worst case for tags and
// varints so Size never undershoots the actual encoding.
const (
	messageOverhead = 8
	itemOverhead    = 24
)

func entrySize(e Entry) int {
	return itemOverhead + len(e.Cid.Bytes())
}

func blockSize(b block.Block) int {
	return itemOverhead + len(cidutil.PrefixBytes(b.Cid())) + b.Size()
}

func presenceSize(p BlockPresence) int {
	return itemOverhead + len(p.Cid.Bytes())
}
