// Package wantlist tracks this node's own outstanding wants. Each want is a
// small state machine (pending, then exactly one of resolved / cancelled /
// timed out) with a buffered result channel the caller awaits on.
package wantlist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/network/bsmsg"
	"blockswap/network/mtr"
)

const DefaultWantTimeout = 30 * time.Second

var (
	// ErrTimeout is delivered when a want's deadline elapses unresolved.
	ErrTimeout = errors.New("want timed out")
	// ErrCancelled is delivered when the caller abandons a want.
	ErrCancelled = errors.New("want cancelled")
)

// PeerSender is the slice of the dispatch layer the manager needs: fan a want
// out to every connected peer, target one peer, or retract interest.
type PeerSender interface {
	BroadcastWant(c cidlib.Cid, priority int32, wt bsmsg.WantType)
	SendWant(p peer.ID, c cidlib.Cid, priority int32, wt bsmsg.WantType)
	SendCancel(c cidlib.Cid)
}

// Resolution is the single outcome of a want: block bytes or a typed error.
type Resolution struct {
	Data []byte
	Err  error
}

// Want is one outstanding desire for a block. Global wants were broadcast to
// all connected peers; session wants were sent to a single known provider.
// Either kind is resolved by any matching block delivery.
type Want struct {
	id        uint64
	c         cidlib.Cid
	priority  int32
	target    peer.ID // "" for global wants
	createdAt time.Time

	mgr   *Manager
	timer *time.Timer
	ch    chan Resolution
	done  bool // guarded by mgr.mu
}

// Cid returns the wanted CID.
func (w *Want) Cid() cidlib.Cid { return w.c }

// Ch returns the result channel. It receives exactly one Resolution and is
// then closed.
func (w *Want) Ch() <-chan Resolution { return w.ch }

// Cancel abandons the want. Idempotent; a no-op after resolution. The last
// cancelled want for a CID retracts the want from peers.
func (w *Want) Cancel() {
	w.mgr.fail(w, ErrCancelled)
}

// Fail resolves the want with a caller-supplied error, e.g. when provider
// discovery finished definitively empty. A no-op after resolution.
func (w *Want) Fail(err error) {
	w.mgr.fail(w, err)
}

// Await blocks until the want resolves or ctx is done. Cancelling the context
// cancels the want and cleans up its tracking state.
func (w *Want) Await(ctx context.Context) ([]byte, error) {
	select {
	case res := <-w.ch:
		return res.Data, res.Err
	case <-ctx.Done():
		w.Cancel()
		// The channel is guaranteed to hold the single outcome once the want
		// left the pending state; a resolution that raced the cancel wins.
		res := <-w.ch
		return res.Data, res.Err
	}
}

// Manager tracks outstanding wants keyed by CID.
type Manager struct {
	mu     sync.Mutex
	wants  map[cidlib.Cid]map[uint64]*Want
	nextID uint64

	sender         PeerSender
	defaultTimeout time.Duration
}

// NewManager creates a want-list manager. timeout <= 0 selects
// DefaultWantTimeout.
func NewManager(sender PeerSender, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultWantTimeout
	}
	return &Manager{
		wants:          make(map[cidlib.Cid]map[uint64]*Want),
		sender:         sender,
		defaultTimeout: timeout,
	}
}

// WantBlock registers a global want and broadcasts it to all connected
// peers. timeout <= 0 selects the manager default.
func (m *Manager) WantBlock(c cidlib.Cid, priority int32, timeout time.Duration) *Want {
	w := m.register(c, priority, "", timeout)
	m.sender.BroadcastWant(c, priority, bsmsg.WantTypeBlock)
	return w
}

// WantSessionBlock registers a want scoped to a known provider; the want
// message goes only to that peer, but any block delivery resolves it.
func (m *Manager) WantSessionBlock(c cidlib.Cid, p peer.ID, priority int32, timeout time.Duration) *Want {
	w := m.register(c, priority, p, timeout)
	m.sender.SendWant(p, c, priority, bsmsg.WantTypeBlock)
	return w
}

func (m *Manager) register(c cidlib.Cid, priority int32, target peer.ID, timeout time.Duration) *Want {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	m.nextID++
	w := &Want{
		id:        m.nextID,
		c:         c,
		priority:  priority,
		target:    target,
		createdAt: time.Now(),
		mgr:       m,
		ch:        make(chan Resolution, 1),
	}
	byID, ok := m.wants[c]
	if !ok {
		byID = make(map[uint64]*Want)
		m.wants[c] = byID
	}
	byID[w.id] = w
	w.timer = time.AfterFunc(timeout, func() { m.timeout(w) })
	m.mu.Unlock()

	mtr.ActiveWants.Inc()
	return w
}

// ReceivedBlock resolves every pending want for the CID exactly once,
// delivering the block bytes through each registered result channel, and
// retracts the want from peers. A second call for the same CID is a no-op.
// Returns the number of wants resolved.
func (m *Manager) ReceivedBlock(c cidlib.Cid, data []byte) int {
	m.mu.Lock()
	byID := m.wants[c]
	delete(m.wants, c)
	var resolved int
	for _, w := range byID {
		if w.done {
			continue
		}
		w.done = true
		w.timer.Stop()
		w.ch <- Resolution{Data: data}
		close(w.ch)
		resolved++
	}
	m.mu.Unlock()

	if resolved > 0 {
		mtr.ActiveWants.Sub(float64(resolved))
		m.sender.SendCancel(c)
	}
	return resolved
}

func (m *Manager) timeout(w *Want) {
	m.mu.Lock()
	if w.done {
		m.mu.Unlock()
		return
	}
	w.done = true
	w.ch <- Resolution{Err: ErrTimeout}
	close(w.ch)
	last := m.untrack(w)
	m.mu.Unlock()

	mtr.ActiveWants.Dec()
	mtr.WantTimeoutsTotal.Inc()
	log.Printf("[Wantlist] Want for %s timed out after %s", w.c, time.Since(w.createdAt).Round(time.Millisecond))
	if last {
		m.sender.SendCancel(w.c)
	}
}

func (m *Manager) fail(w *Want, err error) {
	m.mu.Lock()
	if w.done {
		m.mu.Unlock()
		return
	}
	w.done = true
	w.timer.Stop()
	w.ch <- Resolution{Err: err}
	close(w.ch)
	last := m.untrack(w)
	m.mu.Unlock()

	mtr.ActiveWants.Dec()
	if last {
		m.sender.SendCancel(w.c)
	}
}

// untrack removes w from the index and reports whether it was the last want
// for its CID. Callers hold m.mu.
func (m *Manager) untrack(w *Want) bool {
	byID, ok := m.wants[w.c]
	if !ok {
		return false
	}
	delete(byID, w.id)
	if len(byID) == 0 {
		delete(m.wants, w.c)
		return true
	}
	return false
}

// Wantlist returns the CIDs of all pending wants.
func (m *Manager) Wantlist() []cidlib.Cid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cidlib.Cid, 0, len(m.wants))
	for c := range m.wants {
		out = append(out, c)
	}
	return out
}

// Wants reports whether any pending want exists for the CID.
func (m *Manager) Wants(c cidlib.Cid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wants[c]
	return ok
}

// Len returns the number of distinct wanted CIDs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wants)
}

// SendWantsTo replays the current wantlist to a newly connected peer.
func (m *Manager) SendWantsTo(p peer.ID) {
	m.mu.Lock()
	type pending struct {
		c        cidlib.Cid
		priority int32
	}
	var out []pending
	for c, byID := range m.wants {
		var max int32
		for _, w := range byID {
			if w.priority > max {
				max = w.priority
			}
		}
		out = append(out, pending{c, max})
	}
	m.mu.Unlock()

	for _, pw := range out {
		m.sender.SendWant(p, pw.c, pw.priority, bsmsg.WantTypeBlock)
	}
}
