package block

import (
	"errors"

	cidlib "github.com/ipfs/go-cid"

	"blockswap/core/cidutil"
)

// Block represents a unit of immutable, content-addressed data.
type Block interface {
	// Cid returns the content identifier of the block's data.
	Cid() cidlib.Cid
	// RawData returns a copy of the block's bytes (immutable to callers).
	RawData() []byte
	// Size returns the size in bytes of the block's data.
	Size() int
	// Verify recomputes the CID of the data and checks it matches.
	Verify() bool
}

// block is the concrete implementation of Block.
// Data is immutable after construction.
type block struct {
	c    cidlib.Cid
	data []byte
}

var (
	// ErrCidMismatch is returned when the provided CID does not match the data.
	ErrCidMismatch = errors.New("block cid does not match data")
)

// NewBlock creates a new raw block from data, copying the bytes to ensure
// immutability. The CID is CIDv1 raw with a sha2-256 multihash.
func NewBlock(data []byte) Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	c, _ := cidutil.Sum(buf, cidutil.Raw)
	return &block{c: c, data: buf}
}

// NewBlockWithCid creates a block from a known CID without re-hashing the
// data. Callers that need strictness should use NewValidatedBlock.
func NewBlockWithCid(c cidlib.Cid, data []byte) Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &block{c: c, data: buf}
}

// NewValidatedBlock returns an error if the provided CID does not match the data.
func NewValidatedBlock(c cidlib.Cid, data []byte) (Block, error) {
	b := NewBlockWithCid(c, data).(*block)
	if !b.Verify() {
		return nil, ErrCidMismatch
	}
	return b, nil
}

func (b *block) Cid() cidlib.Cid { return b.c }

// RawData returns a copy to ensure immutability outside the block.
func (b *block) RawData() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Size returns the length of the data in bytes.
func (b *block) Size() int { return len(b.data) }

// Verify recomputes the CID under the block's own prefix and compares.
func (b *block) Verify() bool {
	chk, err := b.c.Prefix().Sum(b.data)
	if err != nil {
		return false
	}
	return chk.Equals(b.c)
}
