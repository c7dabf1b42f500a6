// Package dhtquery turns single-shot, ID-correlated DHT operations into
// cancellable, timeout-bound result streams. Every outstanding query is
// registered in a map owned by one run loop; substrate events are funneled
// through a single events channel and republished on per-query channels.
package dhtquery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"

	"blockswap/network/mtr"
)

const (
	// DefaultQueryTimeout bounds any single DHT operation.
	DefaultQueryTimeout = 60 * time.Second
	// maxProviders caps one provider query; it also bounds per-query
	// channel buffering so the run loop never blocks on a slow consumer.
	maxProviders = 32
)

var (
	// ErrTimeout is returned when a query's deadline elapses.
	ErrTimeout = errors.New("dht query timed out")
	// ErrShutdown is returned for queries issued after Shutdown.
	ErrShutdown = errors.New("query manager shut down")
)

// Substrate is the DHT surface the manager drives. *dht.IpfsDHT satisfies it.
type Substrate interface {
	FindProvidersAsync(ctx context.Context, c cidlib.Cid, count int) <-chan peer.AddrInfo
	FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error)
	GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error)
	PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error
	Provide(ctx context.Context, c cidlib.Cid, broadcast bool) error
}

// ProviderResult is one item of a provider stream: a provider, or a terminal
// substrate error.
type ProviderResult struct {
	Provider peer.AddrInfo
	Err      error
}

// result is the internal event payload shared by all query kinds.
type result struct {
	provider peer.AddrInfo
	value    []byte
	err      error
}

// pendingQuery is one outstanding operation, owned by the run loop.
type pendingQuery struct {
	id  uuid.UUID
	out chan result
}

type event struct {
	id       uuid.UUID
	res      result
	deliver  bool
	terminal bool
}

type registration struct {
	pq  *pendingQuery
	ack chan struct{}
}

type deregistration struct {
	id uuid.UUID
}

// Manager multiplexes DHT queries over one event loop.
type Manager struct {
	substrate Substrate
	timeout   time.Duration

	events     chan event
	register   chan registration
	deregister chan deregistration
	countReq   chan chan int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates and starts a query manager. timeout <= 0 selects
// DefaultQueryTimeout.
func NewManager(ctx context.Context, substrate Substrate, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		substrate:  substrate,
		timeout:    timeout,
		events:     make(chan event, 16),
		register:   make(chan registration),
		deregister: make(chan deregistration),
		countReq:   make(chan chan int),
		ctx:        ctx,
		cancel:     cancel,
	}
	go m.run()
	return m
}

// Shutdown stops the run loop; in-flight queries resolve via their contexts.
func (m *Manager) Shutdown() { m.cancel() }

// run owns the pending-query map. Registration, completion and removal all
// pass through this loop, so no lock guards the map.
func (m *Manager) run() {
	pending := make(map[uuid.UUID]*pendingQuery)

	for {
		select {
		case reg := <-m.register:
			pending[reg.pq.id] = reg.pq
			mtr.OutstandingQueries.Set(float64(len(pending)))
			close(reg.ack)

		case dereg := <-m.deregister:
			if pq, ok := pending[dereg.id]; ok {
				delete(pending, dereg.id)
				close(pq.out)
				mtr.OutstandingQueries.Set(float64(len(pending)))
			}

		case ev := <-m.events:
			pq, ok := pending[ev.id]
			if !ok {
				continue // already deregistered; drop late events
			}
			if ev.terminal {
				delete(pending, ev.id)
				mtr.OutstandingQueries.Set(float64(len(pending)))
			}
			if ev.deliver {
				select {
				case pq.out <- ev.res:
				default:
					// Buffer sized to the query's result bound; a full
					// buffer means the consumer is gone.
				}
			}
			if ev.terminal {
				close(pq.out)
			}

		case resp := <-m.countReq:
			resp <- len(pending)

		case <-m.ctx.Done():
			for id, pq := range pending {
				delete(pending, id)
				close(pq.out)
			}
			mtr.OutstandingQueries.Set(0)
			return
		}
	}
}

// OutstandingQueries returns the number of registered queries.
func (m *Manager) OutstandingQueries() int {
	resp := make(chan int, 1)
	select {
	case m.countReq <- resp:
		return <-resp
	case <-m.ctx.Done():
		return 0
	}
}

// registerQuery allocates a query ID and result channel and installs them in
// the run loop's map.
func (m *Manager) registerQuery(bufSize int) (*pendingQuery, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	pq := &pendingQuery{
		id:  uuid.New(),
		out: make(chan result, bufSize),
	}
	reg := registration{pq: pq, ack: make(chan struct{})}
	select {
	case m.register <- reg:
		<-reg.ack
		return pq, nil
	case <-m.ctx.Done():
		return nil, ErrShutdown
	}
}

// completeQuery forwards one substrate result to the query's stream; for
// multi-result operations it is invoked once per discovered item. A terminal
// call with deliver=false only closes the stream.
func (m *Manager) completeQuery(id uuid.UUID, res result, deliver, terminal bool) {
	select {
	case m.events <- event{id: id, res: res, deliver: deliver, terminal: terminal}:
	case <-m.ctx.Done():
	}
}

// dropQuery removes a query whose consumer went away. Idempotent: the run
// loop ignores unknown IDs, so racing a terminal event is harmless.
func (m *Manager) dropQuery(id uuid.UUID) {
	select {
	case m.deregister <- deregistration{id: id}:
	case <-m.ctx.Done():
	}
}

// FindProviders issues a provider query and returns a finite, non-restartable
// stream of results in substrate order. No de-duplication is performed. The
// stream ends on the substrate's completion signal or on the query timeout,
// whichever is first; cancelling ctx ends it early and deregisters the query.
func (m *Manager) FindProviders(ctx context.Context, c cidlib.Cid) <-chan ProviderResult {
	out := make(chan ProviderResult, maxProviders)

	pq, err := m.registerQuery(maxProviders + 1)
	if err != nil {
		close(out)
		return out
	}

	qctx, qcancel := context.WithTimeout(ctx, m.timeout)

	// Substrate driver: pushes discovered providers into the event loop.
	go func() {
		defer qcancel()
		for ai := range m.substrate.FindProvidersAsync(qctx, c, maxProviders) {
			m.completeQuery(pq.id, result{provider: ai}, true, false)
		}
		m.completeQuery(pq.id, result{}, false, true)
	}()

	// Republisher: forwards the query's stream to the caller and tears the
	// registration down if the caller leaves early.
	go func() {
		defer close(out)
		defer qcancel()
		for {
			select {
			case res, ok := <-pq.out:
				if !ok {
					return
				}
				select {
				case out <- ProviderResult{Provider: res.provider, Err: res.err}:
				case <-ctx.Done():
					m.dropQuery(pq.id)
					return
				}
			case <-ctx.Done():
				m.dropQuery(pq.id)
				return
			}
		}
	}()

	return out
}

// FindPeer locates a peer's addresses. Single-result form of the same
// pattern.
func (m *Manager) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	res, err := m.singleShot(ctx, func(qctx context.Context) result {
		ai, err := m.substrate.FindPeer(qctx, p)
		return result{provider: ai, err: err}
	})
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return res.provider, res.err
}

// GetRecord retrieves a DHT record by key.
func (m *Manager) GetRecord(ctx context.Context, key string) ([]byte, error) {
	res, err := m.singleShot(ctx, func(qctx context.Context) result {
		value, err := m.substrate.GetValue(qctx, key)
		return result{value: value, err: err}
	})
	if err != nil {
		return nil, err
	}
	return res.value, res.err
}

// PutRecord stores a DHT record, waiting for one terminal success or failure.
func (m *Manager) PutRecord(ctx context.Context, key string, value []byte) error {
	res, err := m.singleShot(ctx, func(qctx context.Context) result {
		return result{err: m.substrate.PutValue(qctx, key, value)}
	})
	if err != nil {
		return err
	}
	return res.err
}

// Provide announces this node as a provider for the CID.
func (m *Manager) Provide(ctx context.Context, c cidlib.Cid) error {
	res, err := m.singleShot(ctx, func(qctx context.Context) result {
		return result{err: m.substrate.Provide(qctx, c, true)}
	})
	if err != nil {
		return err
	}
	return res.err
}

// singleShot registers a query, runs one blocking substrate call under the
// query timeout, and waits for its terminal event.
func (m *Manager) singleShot(ctx context.Context, op func(context.Context) result) (result, error) {
	pq, err := m.registerQuery(1)
	if err != nil {
		return result{}, err
	}

	qctx, qcancel := context.WithTimeout(ctx, m.timeout)
	defer qcancel()

	go func() {
		res := op(qctx)
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = ErrTimeout
		}
		m.completeQuery(pq.id, res, true, true)
	}()

	select {
	case res, ok := <-pq.out:
		if !ok {
			return result{}, ErrShutdown
		}
		return res, nil
	case <-ctx.Done():
		m.dropQuery(pq.id)
		log.Printf("[DHTQuery] Query %s abandoned by caller: %v", pq.id, ctx.Err())
		return result{}, ctx.Err()
	case <-qctx.Done():
		m.dropQuery(pq.id)
		return result{}, ErrTimeout
	}
}
