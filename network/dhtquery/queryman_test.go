package dhtquery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/block"
)

// fakeSubstrate scripts the DHT surface. Zero-value fields make every
// operation succeed immediately with empty results.
type fakeSubstrate struct {
	providers []peer.AddrInfo

	findPeerErr  error
	findPeerHang bool

	values map[string][]byte

	putErr     error
	provideErr error
	provided   chan cidlib.Cid
}

func (f *fakeSubstrate) FindProvidersAsync(ctx context.Context, c cidlib.Cid, count int) <-chan peer.AddrInfo {
	out := make(chan peer.AddrInfo, len(f.providers))
	go func() {
		defer close(out)
		for _, ai := range f.providers {
			select {
			case out <- ai:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeSubstrate) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	if f.findPeerHang {
		<-ctx.Done()
		return peer.AddrInfo{}, ctx.Err()
	}
	if f.findPeerErr != nil {
		return peer.AddrInfo{}, f.findPeerErr
	}
	return peer.AddrInfo{ID: p}, nil
}

func (f *fakeSubstrate) GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, routing.ErrNotFound
	}
	return v, nil
}

func (f *fakeSubstrate) PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.values == nil {
		f.values = make(map[string][]byte)
	}
	f.values[key] = value
	return nil
}

func (f *fakeSubstrate) Provide(ctx context.Context, c cidlib.Cid, broadcast bool) error {
	if f.provided != nil {
		f.provided <- c
	}
	return f.provideErr
}

func testCid(t *testing.T, s string) cidlib.Cid {
	t.Helper()
	return block.NewBlock([]byte(s)).Cid()
}

func testPeers(n int) []peer.AddrInfo {
	out := make([]peer.AddrInfo, n)
	for i := range out {
		out[i] = peer.AddrInfo{ID: peer.ID(fmt.Sprintf("provider-%d", i))}
	}
	return out
}

func TestFindProvidersStreamsAllThenCloses(t *testing.T) {
	sub := &fakeSubstrate{providers: testPeers(5)}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	var got []peer.AddrInfo
	for res := range m.FindProviders(context.Background(), testCid(t, "stream")) {
		require.NoError(t, res.Err)
		got = append(got, res.Provider)
	}
	assert.Equal(t, sub.providers, got)
}

func TestFindProvidersCleansUpRegistration(t *testing.T) {
	sub := &fakeSubstrate{providers: testPeers(2)}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	ch := m.FindProviders(context.Background(), testCid(t, "cleanup"))
	for range ch {
	}

	require.Eventually(t, func() bool {
		return m.OutstandingQueries() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFindProvidersCallerCancel(t *testing.T) {
	sub := &fakeSubstrate{providers: testPeers(3)}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.FindProviders(ctx, testCid(t, "caller-cancel"))
	cancel()

	// The stream terminates; results observed before the cancel are fine.
	for range ch {
	}
	require.Eventually(t, func() bool {
		return m.OutstandingQueries() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFindPeerSuccess(t *testing.T) {
	sub := &fakeSubstrate{}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	ai, err := m.FindPeer(context.Background(), peer.ID("somebody"))
	require.NoError(t, err)
	assert.Equal(t, peer.ID("somebody"), ai.ID)
}

func TestFindPeerSubstrateError(t *testing.T) {
	boom := errors.New("routing broke")
	sub := &fakeSubstrate{findPeerErr: boom}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	_, err := m.FindPeer(context.Background(), peer.ID("somebody"))
	require.ErrorIs(t, err, boom)
}

func TestFindPeerTimeout(t *testing.T) {
	sub := &fakeSubstrate{findPeerHang: true}
	m := NewManager(context.Background(), sub, 50*time.Millisecond)
	defer m.Shutdown()

	_, err := m.FindPeer(context.Background(), peer.ID("slowpoke"))
	require.ErrorIs(t, err, ErrTimeout)
	require.Eventually(t, func() bool {
		return m.OutstandingQueries() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGetPutRecordRoundtrip(t *testing.T) {
	sub := &fakeSubstrate{}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	require.NoError(t, m.PutRecord(context.Background(), "/ns/key", []byte("value")))
	got, err := m.GetRecord(context.Background(), "/ns/key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	_, err = m.GetRecord(context.Background(), "/ns/missing")
	require.ErrorIs(t, err, routing.ErrNotFound)
}

func TestProvide(t *testing.T) {
	sub := &fakeSubstrate{provided: make(chan cidlib.Cid, 1)}
	m := NewManager(context.Background(), sub, time.Minute)
	defer m.Shutdown()

	c := testCid(t, "provide")
	require.NoError(t, m.Provide(context.Background(), c))
	assert.Equal(t, c, <-sub.provided)
}

func TestQueriesAfterShutdown(t *testing.T) {
	sub := &fakeSubstrate{}
	m := NewManager(context.Background(), sub, time.Minute)
	m.Shutdown()

	_, err := m.FindPeer(context.Background(), peer.ID("late"))
	require.ErrorIs(t, err, ErrShutdown)

	ch := m.FindProviders(context.Background(), testCid(t, "late"))
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, m.OutstandingQueries())
}
