// Package rest exposes the node's admin API: store and fetch blocks, inspect
// want-lists and network state, and scrape metrics.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/network/engine"
	"blockswap/network/ledger"
)

const maxUploadSize = 1 << 20

// NetworkReporter is the slice of the node the API reads stats from.
type NetworkReporter interface {
	NetworkStats() map[string]interface{}
}

// TransferReporter is the slice of the dispatch layer exposing per-peer
// transfer accounting.
type TransferReporter interface {
	Snapshot() []ledger.PeerTransfer
}

// Server is the REST API server.
type Server struct {
	engine    *engine.Engine
	store     *blockstore.Blockstore
	node      NetworkReporter
	transfers TransferReporter
	router    *mux.Router
	server    *http.Server
	version   string
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BlockResponse describes a stored block.
type BlockResponse struct {
	Cid     string `json:"cid"`
	Size    int    `json:"size"`
	Message string `json:"message,omitempty"`
}

// NewServer creates the REST API server and registers its routes.
func NewServer(eng *engine.Engine, store *blockstore.Blockstore, node NetworkReporter, transfers TransferReporter, version string) *Server {
	s := &Server{
		engine:    eng,
		store:     store,
		node:      node,
		transfers: transfers,
		router:    mux.NewRouter(),
		version:   version,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/block", s.putBlock).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/block/{cid}", s.getBlock).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/block/{cid}", s.deleteBlock).Methods("DELETE", "OPTIONS")
	s.router.HandleFunc("/block/{cid}/stat", s.statBlock).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/wantlist", s.getWantlist).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/wantlist/{peer}", s.getPeerWantlist).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/stats", s.getStats).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/network", s.getNetworkStats).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/peers", s.getPeers).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "OPTIONS")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the server until it fails or is stopped.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	log.Printf("[API] Starting REST API server on %s", addr)
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// putBlock stores the request body as a block and announces it.
func (s *Server) putBlock(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	if len(data) > maxUploadSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Block exceeds %d bytes", maxUploadSize), nil)
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "Empty request body", nil)
		return
	}

	b := block.NewBlock(data)
	if err := s.engine.Notify(r.Context(), b); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to store block", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, BlockResponse{
		Cid:     b.Cid().String(),
		Size:    b.Size(),
		Message: "Block stored and announced",
	})
}

// getBlock returns a block's bytes, fetching it from the network when it is
// not held locally. An optional timeout query parameter bounds the fetch in
// seconds.
func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cidVar(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if t := r.URL.Query().Get("timeout"); t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil || secs <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid timeout", err)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	data, err := s.engine.Want(ctx, c)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Block not found", err)
		case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "Block fetch timed out", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "Failed to fetch block", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		log.Printf("[API] Failed to write block %s: %v", c, err)
	}
}

// deleteBlock removes a block from the local store.
func (s *Server) deleteBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cidVar(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(c); err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Block not found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to delete block", err)
		return
	}
	s.writeJSON(w, http.StatusOK, BlockResponse{Cid: c.String(), Message: "Block deleted"})
}

// statBlock reports whether a block is held locally and its size.
func (s *Server) statBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cidVar(w, r)
	if !ok {
		return
	}

	b, err := s.store.Get(c)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Block not found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to read block", err)
		return
	}
	s.writeJSON(w, http.StatusOK, BlockResponse{Cid: c.String(), Size: b.Size()})
}

// getWantlist returns the CIDs this node is currently trying to fetch.
func (s *Server) getWantlist(w http.ResponseWriter, r *http.Request) {
	wants := s.engine.Wantlist()
	out := make([]string, len(wants))
	for i, c := range wants {
		out[i] = c.String()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wants": out,
		"count": len(out),
	})
}

// getPeerWantlist returns the want records held for one remote peer.
func (s *Server) getPeerWantlist(w http.ResponseWriter, r *http.Request) {
	p, err := peer.Decode(mux.Vars(r)["peer"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid peer ID", err)
		return
	}

	records := s.engine.PeerWantlist(p)
	type wantEntry struct {
		Cid      string `json:"cid"`
		Priority int32  `json:"priority"`
		WantType int32  `json:"want_type"`
	}
	out := make([]wantEntry, len(records))
	for i, rec := range records {
		out[i] = wantEntry{
			Cid:      rec.Cid.String(),
			Priority: rec.Priority,
			WantType: int32(rec.WantType),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer":  p.String(),
		"wants": out,
		"count": len(out),
	})
}

// getStats returns exchange statistics.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}
	out := map[string]interface{}{
		"exchange":  stats,
		"timestamp": time.Now(),
	}
	if space, err := s.store.GetAvailableSpace(); err == nil {
		out["space_available"] = space
	}
	s.writeJSON(w, http.StatusOK, out)
}

// getNetworkStats returns host and DHT statistics.
func (s *Server) getNetworkStats(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Network node not available", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.NetworkStats())
}

// getPeers returns the per-peer transfer ledger, busiest peers first.
func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Transfer accounting not available", nil)
		return
	}
	peers := s.transfers.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

// healthCheck returns server health status.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   s.version,
	})
}

func (s *Server) cidVar(w http.ResponseWriter, r *http.Request) (cidlib.Cid, bool) {
	c, err := cidlib.Decode(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return cidlib.Undef, false
	}
	return c, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
		log.Printf("[API] Error: %s", errorMsg)
	}

	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: errorMsg,
	})
}
