package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/network/bsmsg"
	"blockswap/network/dhtquery"
	"blockswap/network/engine"
	"blockswap/network/ledger"
)

// idleNetwork is a dispatch stand-in with no peers: wants fail fast and
// nothing goes on the wire.
type idleNetwork struct{}

func (idleNetwork) BroadcastWant(c cidlib.Cid, priority int32, wt bsmsg.WantType)        {}
func (idleNetwork) SendWant(p peer.ID, c cidlib.Cid, priority int32, wt bsmsg.WantType) {}
func (idleNetwork) SendCancel(c cidlib.Cid)                                              {}
func (idleNetwork) SendMessage(p peer.ID, msg *bsmsg.Message)                            {}
func (idleNetwork) ConnectedPeers() []peer.ID                                            { return nil }
func (idleNetwork) IsConnected(p peer.ID) bool                                           { return false }

type idleFinder struct{}

func (idleFinder) FindProviders(ctx context.Context, c cidlib.Cid) <-chan dhtquery.ProviderResult {
	out := make(chan dhtquery.ProviderResult)
	close(out)
	return out
}

func (idleFinder) Provide(ctx context.Context, c cidlib.Cid) error { return nil }

type idleConnector struct{}

func (idleConnector) Connect(ctx context.Context, ai peer.AddrInfo) error { return nil }

type fakeReporter struct{}

func (fakeReporter) NetworkStats() map[string]interface{} {
	return map[string]interface{}{"peer_id": "test-node", "connected_peers": 0}
}

func newTestServer(t *testing.T) (*Server, *blockstore.Blockstore) {
	t.Helper()
	store, err := blockstore.NewBlockstore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng := engine.New(context.Background(), store, idleNetwork{}, idleFinder{}, idleConnector{}, engine.Config{})
	t.Cleanup(eng.Close)

	transfers := ledger.New()
	transfers.MessageSent(peer.ID("remote"), 42, 1)
	return NewServer(eng, store, fakeReporter{}, transfers, "test"), store
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestPutAndGetBlock(t *testing.T) {
	s, _ := newTestServer(t)
	data := []byte("api roundtrip")

	rec := doRequest(t, s, http.MethodPost, "/block", data)
	require.Equal(t, http.StatusCreated, rec.Code)

	var put BlockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &put))
	assert.Equal(t, len(data), put.Size)

	rec = doRequest(t, s, http.MethodGet, "/block/"+put.Cid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestPutBlockEmptyBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/block", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBlockNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	c := block.NewBlock([]byte("not here")).Cid()

	rec := doRequest(t, s, http.MethodGet, "/block/"+c.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetBlockInvalidCid(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/block/not-a-cid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBlockInvalidTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	c := block.NewBlock([]byte("timeout")).Cid()
	rec := doRequest(t, s, http.MethodGet, "/block/"+c.String()+"?timeout=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteBlock(t *testing.T) {
	s, store := newTestServer(t)
	b := block.NewBlock([]byte("short lived"))
	require.NoError(t, store.Put(b))

	rec := doRequest(t, s, http.MethodDelete, "/block/"+b.Cid().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	has, err := store.Has(b.Cid())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStatBlock(t *testing.T) {
	s, store := newTestServer(t)
	b := block.NewBlock([]byte("measured"))
	require.NoError(t, store.Put(b))

	rec := doRequest(t, s, http.MethodGet, "/block/"+b.Cid().String()+"/stat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BlockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, b.Cid().String(), resp.Cid)
	assert.Equal(t, b.Size(), resp.Size)

	rec = doRequest(t, s, http.MethodGet, "/block/"+block.NewBlock([]byte("ghost")).Cid().String()+"/stat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWantlist(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/wantlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Wants []string `json:"wants"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestGetPeerWantlistInvalidPeer(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/wantlist/not-a-peer-id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStats(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.Put(block.NewBlock([]byte("counted"))))

	rec := doRequest(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Exchange engine.Stats `json:"exchange"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Exchange.BlocksStored)
}

func TestGetNetworkStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/network", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test-node", resp["peer_id"])
}

func TestGetPeers(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Peers []ledger.PeerTransfer `json:"peers"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, uint64(42), resp.Peers[0].Transfer.BytesSent)
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/block", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
