package blockstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	cidlib "github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"blockswap/core/block"
)

// Metrics for blockstore operations
var (
	blockstoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockswap_blockstore_operations_total",
			Help: "Total number of blockstore operations",
		},
		[]string{"operation", "status"},
	)
	blockstoreBlocksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockswap_blockstore_blocks_total",
			Help: "Number of blocks currently stored",
		},
	)
	blockstoreSpaceAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockswap_blockstore_space_available_bytes",
			Help: "Available disk space at the blockstore path",
		},
	)
)

const blockPrefix = "block:"

// ErrNotFound is returned when a block is not in the store.
var ErrNotFound = errors.New("block not found in blockstore")

// Blockstore handles persistent storage of content-addressed blocks.
type Blockstore struct {
	db       *leveldb.DB
	dataPath string
	mu       sync.RWMutex
}

// NewBlockstore creates a new blockstore instance at the given root path.
func NewBlockstore(rootPath string) (*Blockstore, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database root directory %s: %w", rootPath, err)
	}

	leveldbPath := filepath.Join(rootPath, "leveldb")
	db, err := leveldb.OpenFile(leveldbPath, &opt.Options{
		WriteBuffer:         64 * 1024 * 1024,
		CompactionTableSize: 8 * 1024 * 1024,
		CompactionTotalSize: 64 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", leveldbPath, err)
	}

	bs := &Blockstore{db: db, dataPath: rootPath}
	blockstoreBlocksTotal.Set(float64(bs.countBlocks()))
	return bs, nil
}

// Close closes the underlying database.
func (bs *Blockstore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.db.Close()
}

// Put stores a block keyed by its CID. Putting an existing block is a no-op.
func (bs *Blockstore) Put(b block.Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := blockKey(b.Cid())
	has, err := bs.db.Has(key, nil)
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to check block %s: %w", b.Cid(), err)
	}
	if has {
		blockstoreOperationsTotal.WithLabelValues("put", "exists").Inc()
		return nil
	}

	if err := bs.db.Put(key, b.RawData(), nil); err != nil {
		blockstoreOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to store block %s: %w", b.Cid(), err)
	}
	blockstoreOperationsTotal.WithLabelValues("put", "success").Inc()
	blockstoreBlocksTotal.Inc()
	return nil
}

// Get retrieves a block by CID. Returns ErrNotFound if absent.
func (bs *Blockstore) Get(c cidlib.Cid) (block.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	data, err := bs.db.Get(blockKey(c), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			blockstoreOperationsTotal.WithLabelValues("get", "miss").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
		}
		blockstoreOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to read block %s: %w", c, err)
	}
	blockstoreOperationsTotal.WithLabelValues("get", "success").Inc()
	return block.NewBlockWithCid(c, data), nil
}

// Has reports whether a block is present.
func (bs *Blockstore) Has(c cidlib.Cid) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	has, err := bs.db.Has(blockKey(c), nil)
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues("has", "error").Inc()
		return false, fmt.Errorf("failed to check block %s: %w", c, err)
	}
	return has, nil
}

// Delete removes a block. Deleting an absent block is a no-op.
func (bs *Blockstore) Delete(c cidlib.Cid) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := blockKey(c)
	has, err := bs.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("failed to check block %s: %w", c, err)
	}
	if !has {
		return nil
	}
	if err := bs.db.Delete(key, nil); err != nil {
		blockstoreOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete block %s: %w", c, err)
	}
	blockstoreOperationsTotal.WithLabelValues("delete", "success").Inc()
	blockstoreBlocksTotal.Dec()
	return nil
}

// AllCids returns the CIDs of every stored block. Used by the admin API and
// by reproviding.
func (bs *Blockstore) AllCids() ([]cidlib.Cid, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var cids []cidlib.Cid
	iter := bs.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		raw := iter.Key()[len(blockPrefix):]
		c, err := cidlib.Cast(raw)
		if err != nil {
			log.Printf("[Blockstore] Skipping malformed block key: %v", err)
			continue
		}
		cids = append(cids, c)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocks: %w", err)
	}
	return cids, nil
}

// Stat returns the number of stored blocks and their total size in bytes.
func (bs *Blockstore) Stat() (int, int64, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var count int
	var size int64
	iter := bs.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		count++
		size += int64(len(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate blocks: %w", err)
	}
	return count, size, nil
}

func (bs *Blockstore) countBlocks() int {
	count := 0
	iter := bs.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		count++
	}
	return count
}

func blockKey(c cidlib.Cid) []byte {
	return append([]byte(blockPrefix), c.Bytes()...)
}
