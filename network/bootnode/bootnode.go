// Package bootnode implements a standalone rendezvous node. It keeps no
// blocks: it serves the DHT, relays circuit connections and block
// announcements, and introduces peers to each other.
package bootnode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"blockswap/network/dispatch"
	"blockswap/network/mtr"
	blockswapnode "blockswap/network/node"
)

const (
	PeerDiscoveryInterval     = 5 * time.Second
	BootnodeDiscoveryInterval = 60 * time.Second
	MaxDiscoveryPeerReqCount  = 16
	MaxOutboundPeers          = 8
	MaxInboundPeers           = 32
	MinimumPeerConnections    = 1
	PeerOutboundBufferSize    = 1024
	ValidateBufferSize        = 1024
	SubscribeOutputBufferSize = 1024
	DefaultBucketSize         = 20
	MaxPeerEventLogs          = 100
)

// Config carries the bootnode's startup parameters.
type Config struct {
	KeyPath   string
	P2PPort   int
	Bootnodes []string
}

// PeerEvent records one discovery, connection, or disconnection event.
type PeerEvent struct {
	PeerID    peer.ID   `json:"peer_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Addresses []string  `json:"addresses"`
}

// ConnectionInfo tracks connection counts against per-direction limits.
type ConnectionInfo struct {
	inboundConnectionCount  int64
	outboundConnectionCount int64
	maxInboundCount         int64
	maxOutboundCount        int64
}

// NewConnectionInfo creates a ConnectionInfo with the given limits.
func NewConnectionInfo(maxInbound, maxOutbound int64) *ConnectionInfo {
	return &ConnectionInfo{
		maxInboundCount:  maxInbound,
		maxOutboundCount: maxOutbound,
	}
}

// HasFreeConnectionSlot reports whether a new connection fits the limit.
func (ci *ConnectionInfo) HasFreeConnectionSlot(direction network.Direction) bool {
	switch direction {
	case network.DirInbound:
		return atomic.LoadInt64(&ci.inboundConnectionCount) < ci.maxInboundCount
	case network.DirOutbound:
		return atomic.LoadInt64(&ci.outboundConnectionCount) < ci.maxOutboundCount
	}
	return false
}

// UpdateConnCount adjusts the count for one direction.
func (ci *ConnectionInfo) UpdateConnCount(delta int64, direction network.Direction) {
	switch direction {
	case network.DirInbound:
		atomic.AddInt64(&ci.inboundConnectionCount, delta)
	case network.DirOutbound:
		atomic.AddInt64(&ci.outboundConnectionCount, delta)
	}
}

// Bootnode is a storage-less rendezvous and relay node.
type Bootnode struct {
	host          host.Host
	ctx           context.Context
	cancel        context.CancelFunc
	mdns          mdns.Service
	dht           *dht.IpfsDHT
	routingTable  *kbucket.RoutingTable
	pubsub        *pubsub.PubSub
	announceTopic *pubsub.Topic
	dialQueue     *DialQueue
	connCounts    *ConnectionInfo

	bootnodeInfos []*peer.AddrInfo

	peerEventsMu sync.RWMutex
	peerEvents   []PeerEvent
}

// New creates and starts a bootnode: DHT in server mode, relay service,
// announce-topic forwarding, and continuous peer discovery.
func New(ctx context.Context, cfg Config) (*Bootnode, error) {
	privKey, err := loadOrCreateIdentity(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.P2PPort),
	}

	addrInfos := parseBootnodeAddrs(cfg.Bootnodes)

	var nodeDHT *dht.IpfsDHT
	var routingTable *kbucket.RoutingTable
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.EnableRelay(),
		libp2p.EnableRelayService(),
		libp2p.EnableHolePunching(),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var infos []peer.AddrInfo
			for _, ai := range addrInfos {
				infos = append(infos, *ai)
			}
			nodeDHT, err = dht.New(ctx, h,
				dht.Mode(dht.ModeServer),
				dht.BootstrapPeers(infos...),
				dht.BucketSize(DefaultBucketSize),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create DHT: %w", err)
			}
			routingTable, err = kbucket.NewRoutingTable(
				DefaultBucketSize,
				kbucket.ConvertPeerID(h.ID()),
				time.Minute,
				h.Peerstore(),
				10*time.Second,
				nil,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create routing table: %w", err)
			}
			return nodeDHT, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(
		ctx,
		h,
		pubsub.WithPeerOutboundQueueSize(PeerOutboundBufferSize),
		pubsub.WithValidateQueueSize(ValidateBufferSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	announceTopic, err := ps.Join(blockswapnode.AnnounceTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join announce topic: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	bn := &Bootnode{
		host:          h,
		ctx:           nodeCtx,
		cancel:        cancel,
		dht:           nodeDHT,
		routingTable:  routingTable,
		pubsub:        ps,
		announceTopic: announceTopic,
		dialQueue:     NewDialQueue(),
		connCounts:    NewConnectionInfo(MaxInboundPeers, MaxOutboundPeers),
		bootnodeInfos: addrInfos,
		peerEvents:    make([]PeerEvent, 0, MaxPeerEventLogs),
	}

	// A bootnode keeps no blocks: refuse exchange streams outright so peers
	// fall back to real providers.
	rejectExchange := func(s network.Stream) {
		log.Printf("[Bootnode] Rejecting exchange stream from %s", s.Conn().RemotePeer())
		s.Reset()
	}
	h.SetStreamHandler(dispatch.ProtocolExchange, rejectExchange)
	h.SetStreamHandler(dispatch.ProtocolExchangeLegacy, rejectExchange)

	mdnsService := mdns.NewMdnsService(h, blockswapnode.ServiceTag, &discoveryNotifiee{node: bn})
	if err := mdnsService.Start(); err != nil {
		log.Printf("[Bootnode] Warning: failed to start mDNS: %v", err)
	} else {
		bn.mdns = mdnsService
	}

	h.Network().Notify(&networkNotifiee{node: bn})

	if err := bn.subscribeAnnounces(); err != nil {
		log.Printf("[Bootnode] Warning: failed to subscribe to announce topic: %v", err)
	}

	go bn.startDiscovery()
	go bn.runDial()
	go bn.keepAliveMinimumPeerConnections()

	log.Printf("[Bootnode] Started with ID: %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Printf("[Bootnode]   listening on %s/p2p/%s", addr, h.ID())
	}

	go func() {
		if err := bn.bootstrapDHT(); err != nil {
			log.Printf("[Bootnode] Warning: failed to bootstrap DHT: %v", err)
		}
		for _, ai := range bn.bootnodeInfos {
			bn.dialQueue.AddTask(ai, 1)
		}
	}()

	return bn, nil
}

// Close shuts the bootnode down.
func (bn *Bootnode) Close() error {
	var errs []error
	if bn.mdns != nil {
		if err := bn.mdns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing mDNS: %w", err))
		}
	}
	if bn.announceTopic != nil {
		if err := bn.announceTopic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing announce topic: %w", err))
		}
	}
	if bn.dht != nil {
		if err := bn.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing DHT: %w", err))
		}
	}
	bn.dialQueue.Close()
	bn.cancel()
	if err := bn.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing host: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// ID returns the bootnode's peer ID.
func (bn *Bootnode) ID() peer.ID {
	return bn.host.ID()
}

// Addrs returns the bootnode's full listen addresses.
func (bn *Bootnode) Addrs() []string {
	var addrs []string
	for _, addr := range bn.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, bn.host.ID()))
	}
	return addrs
}

// ConnectedPeers returns the peers in the routing table.
func (bn *Bootnode) ConnectedPeers() []peer.ID {
	return bn.routingTable.ListPeers()
}

// Connect queues a dial to the peer.
func (bn *Bootnode) Connect(peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address %s: %w", peerAddr, err)
	}
	bn.dialQueue.AddTask(addrInfo, 1)
	return nil
}

func (bn *Bootnode) logPeerEvent(peerID peer.ID, eventType string, addrs []string) {
	bn.peerEventsMu.Lock()
	bn.peerEvents = append(bn.peerEvents, PeerEvent{
		PeerID:    peerID,
		Type:      eventType,
		Timestamp: time.Now(),
		Addresses: addrs,
	})
	if len(bn.peerEvents) > MaxPeerEventLogs {
		bn.peerEvents = bn.peerEvents[len(bn.peerEvents)-MaxPeerEventLogs:]
	}
	bn.peerEventsMu.Unlock()
}

// LatestPeerEvents returns the most recent peer events, newest first.
func (bn *Bootnode) LatestPeerEvents(limit int) []PeerEvent {
	bn.peerEventsMu.RLock()
	defer bn.peerEventsMu.RUnlock()
	if limit <= 0 || limit > len(bn.peerEvents) {
		limit = len(bn.peerEvents)
	}
	result := make([]PeerEvent, limit)
	for i := 0; i < limit; i++ {
		result[i] = bn.peerEvents[len(bn.peerEvents)-1-i]
	}
	return result
}

type networkNotifiee struct {
	node *Bootnode
}

func (n *networkNotifiee) Connected(net network.Network, conn network.Conn) {
	mtr.PeerConnectionsTotal.Inc()
	peerID := conn.RemotePeer()
	n.node.logPeerEvent(peerID, "connected", peerAddrStrings(n.node.host, peerID))
	n.node.connCounts.UpdateConnCount(1, conn.Stat().Direction)
	n.node.routingTable.TryAddPeer(peerID, false, false)
}

func (n *networkNotifiee) Disconnected(net network.Network, conn network.Conn) {
	mtr.PeerDisconnectionsTotal.Inc()
	peerID := conn.RemotePeer()
	n.node.logPeerEvent(peerID, "disconnected", peerAddrStrings(n.node.host, peerID))
	n.node.connCounts.UpdateConnCount(-1, conn.Stat().Direction)
	n.node.routingTable.RemovePeer(peerID)
}

func (n *networkNotifiee) Listen(net network.Network, addr multiaddr.Multiaddr)      {}
func (n *networkNotifiee) ListenClose(net network.Network, addr multiaddr.Multiaddr) {}

type discoveryNotifiee struct {
	node *Bootnode
}

func (n *discoveryNotifiee) HandlePeerFound(pi peer.AddrInfo) {
	addrs := make([]string, 0, len(pi.Addrs))
	for _, addr := range pi.Addrs {
		addrs = append(addrs, addr.String())
	}
	n.node.logPeerEvent(pi.ID, "discovered", addrs)
	n.node.dialQueue.AddTask(&pi, 1)
}

// subscribeAnnounces consumes the announce topic so the bootnode's gossipsub
// router forwards block announcements between peers that only see each other
// through it.
func (bn *Bootnode) subscribeAnnounces() error {
	sub, err := bn.announceTopic.Subscribe(pubsub.WithBufferSize(SubscribeOutputBufferSize))
	if err != nil {
		return fmt.Errorf("failed to subscribe to announce topic: %w", err)
	}
	go bn.readAnnounceLoop(sub)
	return nil
}

func (bn *Bootnode) readAnnounceLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(bn.ctx)
		if err != nil {
			if bn.ctx.Err() != nil {
				return
			}
			log.Printf("[Bootnode] Failed to read announce message: %v", err)
			continue
		}
		// Remember the announcer's address so later lookups can resolve it.
		addrs := bn.host.Peerstore().Addrs(msg.GetFrom())
		if len(addrs) > 0 {
			bn.host.Peerstore().AddAddr(msg.GetFrom(), addrs[0], peerstore.TempAddrTTL)
		}
		mtr.AnnouncesRelayedTotal.Inc()
	}
}

// startDiscovery runs the periodic peer discovery loops.
func (bn *Bootnode) startDiscovery() {
	peerTicker := time.NewTicker(PeerDiscoveryInterval)
	bootnodeTicker := time.NewTicker(BootnodeDiscoveryInterval)
	defer func() {
		peerTicker.Stop()
		bootnodeTicker.Stop()
	}()
	for {
		select {
		case <-bn.ctx.Done():
			return
		case <-peerTicker.C:
			bn.regularPeerDiscovery()
		case <-bootnodeTicker.C:
			bn.bootnodePeerDiscovery()
		}
	}
}

// regularPeerDiscovery queues dials to the peers nearest a random known peer.
func (bn *Bootnode) regularPeerDiscovery() {
	if !bn.connCounts.HasFreeConnectionSlot(network.DirOutbound) {
		return
	}
	peerID := bn.getRandomPeer()
	if peerID == nil {
		return
	}
	peers := bn.routingTable.NearestPeers(kbucket.ConvertPeerID(*peerID), MaxDiscoveryPeerReqCount)
	for _, p := range peers {
		if p != *peerID && p != bn.host.ID() {
			info := bn.host.Peerstore().PeerInfo(p)
			bn.dialQueue.AddTask(&info, 1)
		}
	}
}

// bootnodePeerDiscovery refreshes connectivity through an unconnected
// bootnode.
func (bn *Bootnode) bootnodePeerDiscovery() {
	if !bn.connCounts.HasFreeConnectionSlot(network.DirOutbound) {
		return
	}
	other := bn.getRandomBootnode()
	if other == nil {
		return
	}
	bn.dialQueue.AddTask(other, 1)
	peers := bn.routingTable.NearestPeers(kbucket.ConvertPeerID(other.ID), MaxDiscoveryPeerReqCount)
	for _, p := range peers {
		if p != other.ID && p != bn.host.ID() {
			info := bn.host.Peerstore().PeerInfo(p)
			bn.dialQueue.AddTask(&info, 1)
		}
	}
}

func (bn *Bootnode) getRandomPeer() *peer.ID {
	peers := bn.routingTable.ListPeers()
	if len(peers) == 0 {
		return nil
	}
	randNum, _ := rand.Int(rand.Reader, big.NewInt(int64(len(peers))))
	return &peers[randNum.Int64()]
}

func (bn *Bootnode) getRandomBootnode() *peer.AddrInfo {
	nonConnected := make([]*peer.AddrInfo, 0, len(bn.bootnodeInfos))
	for _, v := range bn.bootnodeInfos {
		if bn.host.Network().Connectedness(v.ID) != network.Connected {
			nonConnected = append(nonConnected, v)
		}
	}
	if len(nonConnected) == 0 {
		return nil
	}
	randNum, _ := rand.Int(rand.Reader, big.NewInt(int64(len(nonConnected))))
	return nonConnected[randNum.Int64()]
}

// runDial drains the dial queue with a bounded number of dialing slots.
func (bn *Bootnode) runDial() {
	slots := make(chan struct{}, MaxOutboundPeers)
	for i := int64(0); i < MaxOutboundPeers; i++ {
		slots <- struct{}{}
	}
	ctx, cancel := context.WithCancel(bn.ctx)
	defer cancel()
	for {
		if closed := bn.dialQueue.Wait(ctx); closed {
			return
		}
		for {
			task := bn.dialQueue.PopTask()
			if task == nil {
				break
			}
			peerInfo := task.AddrInfo()
			if bn.host.Network().Connectedness(peerInfo.ID) == network.Connected {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-slots:
				go func(pi *peer.AddrInfo) {
					defer func() { slots <- struct{}{} }()
					dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
					defer cancelDial()
					if err := bn.host.Connect(dialCtx, *pi); err != nil {
						log.Printf("[Bootnode] Failed to dial %s: %v", pi.ID, err)
						mtr.DialFailuresTotal.Inc()
					}
				}(peerInfo)
			}
		}
	}
}

// keepAliveMinimumPeerConnections redials bootnodes when the routing table
// runs dry.
func (bn *Bootnode) keepAliveMinimumPeerConnections() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if len(bn.routingTable.ListPeers()) < MinimumPeerConnections {
				if other := bn.getRandomBootnode(); other != nil {
					bn.dialQueue.AddTask(other, 1)
				}
			}
		case <-bn.ctx.Done():
			return
		}
	}
}

func (bn *Bootnode) bootstrapDHT() error {
	if bn.dht == nil {
		return fmt.Errorf("DHT not initialized")
	}
	log.Printf("[Bootnode] Bootstrapping DHT...")
	ctx, cancel := context.WithTimeout(bn.ctx, 30*time.Second)
	defer cancel()
	return bn.dht.Bootstrap(ctx)
}

// NetworkStats returns a snapshot of the bootnode's network state.
func (bn *Bootnode) NetworkStats() map[string]interface{} {
	peers := bn.ConnectedPeers()
	peerList := make([]string, len(peers))
	for i, p := range peers {
		peerList[i] = p.String()
	}
	return map[string]interface{}{
		"peer_id":         bn.ID().String(),
		"connected_peers": len(peers),
		"peer_list":       peerList,
		"addresses":       bn.Addrs(),
		"dht": map[string]interface{}{
			"enabled":    true,
			"peer_count": bn.routingTable.Size(),
		},
		"peer_events": bn.LatestPeerEvents(0),
	}
}

func loadOrCreateIdentity(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if keyData, err := os.ReadFile(keyPath); err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(string(keyData))
		if err != nil {
			log.Printf("[Bootnode] Warning: failed to decode key, creating new: %v", err)
		} else {
			privKey, err := crypto.UnmarshalPrivateKey(keyBytes)
			if err == nil {
				log.Printf("[Bootnode] Loaded identity from %s", keyPath)
				return privKey, nil
			}
			log.Printf("[Bootnode] Warning: failed to unmarshal key, creating new: %v", err)
		}
	}
	log.Printf("[Bootnode] Generating new identity at %s", keyPath)
	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(keyBytes)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	return privKey, nil
}

func parseBootnodeAddrs(bootnodes []string) []*peer.AddrInfo {
	var infos []*peer.AddrInfo
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		ai, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Printf("[Bootnode] Failed to parse bootnode address %s: %v", addr, err)
			continue
		}
		infos = append(infos, ai)
	}
	return infos
}

func peerAddrStrings(h host.Host, p peer.ID) []string {
	addrs := h.Peerstore().Addrs(p)
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
