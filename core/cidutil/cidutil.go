package cidutil

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Common multicodecs
const (
	// Raw is the multicodec code for raw binary blocks (leaf chunks)
	Raw uint64 = 0x55
	// DagPB is the multicodec code for dag-pb
	DagPB uint64 = 0x70
	// DagCBOR is the multicodec code for dag-cbor
	DagCBOR uint64 = 0x71
)

// Sum computes the CIDv1 of data using sha2-256 and the given codec.
func Sum(data []byte, codec uint64) (gocid.Cid, error) {
	m, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash sum: %w", err)
	}
	return gocid.NewCidV1(codec, m), nil
}

// PrefixBytes returns the serialized CID prefix (version, codec, multihash
// function and digest length). A receiver holding (prefix, data) can rebuild
// the full CID without the CID itself crossing the wire.
func PrefixBytes(c gocid.Cid) []byte {
	return c.Prefix().Bytes()
}

// CidFromPrefix reconstructs the full CID of data from a serialized prefix.
func CidFromPrefix(prefix, data []byte) (gocid.Cid, error) {
	pref, err := gocid.PrefixFromBytes(prefix)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode cid prefix: %w", err)
	}
	c, err := pref.Sum(data)
	if err != nil {
		return gocid.Undef, fmt.Errorf("sum cid from prefix: %w", err)
	}
	return c, nil
}

// Parse parses a CID string.
func Parse(s string) (gocid.Cid, error) { return gocid.Parse(s) }
