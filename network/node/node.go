// Package node owns the libp2p host: identity, transports, DHT routing,
// local discovery, bootstrapping, and the gossip topic blocks are announced
// on.
package node

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	cidlib "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	circuit "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

const (
	ServiceTag       = "blockswap"
	AnnounceTopic    = "/blockswap/announce/1.0.0"
	MaxPeerEventLogs = 100

	dhtBootstrapInterval = 5 * time.Minute
)

// PeerEvent records one discovery, connection, or disconnection event.
type PeerEvent struct {
	PeerID    peer.ID   `json:"peer_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Addresses []string  `json:"addresses"`
}

// Config carries the host's startup parameters.
type Config struct {
	KeyPath   string
	P2PPort   int
	Bootnodes []string
}

// AnnounceHandler is invoked for every block announcement heard on the
// gossip topic, excluding our own.
type AnnounceHandler func(from peer.ID, c cidlib.Cid)

// Node wraps the libp2p host with DHT routing, mDNS discovery, and the
// block-announce gossip topic.
type Node struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	mdns   mdns.Service
	dht    *dht.IpfsDHT

	ps            *pubsub.PubSub
	announceTopic *pubsub.Topic

	bootnodes []string

	peerEventsMu sync.RWMutex
	peerEvents   []PeerEvent
}

// New creates and starts a libp2p node: persistent identity, TCP and QUIC
// transports secured with noise, DHT in auto-server mode, relay with hole
// punching, mDNS, and the announce gossip topic. Bootstrapping runs in the
// background.
func New(ctx context.Context, cfg Config) (*Node, error) {
	var privKey crypto.PrivKey
	var err error
	if cfg.KeyPath != "" {
		privKey, err = loadOrCreateIdentity(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
	} else {
		log.Println("[Node] Warning: no key path, generating ephemeral identity")
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
	}

	addrInfos, err := bootnodeAddrInfos(cfg.Bootnodes)
	if err != nil {
		log.Printf("[Node] Warning: failed to parse some bootnode addresses: %v", err)
	}

	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.P2PPort),
	}

	var nodeDHT *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			nodeDHT, err = dht.New(ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.BootstrapPeers(addrInfos...),
				dht.BucketSize(20),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create DHT: %w", err)
			}
			return nodeDHT, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	if _, err := circuit.New(h); err != nil {
		return nil, fmt.Errorf("failed to create circuit relay: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:       h,
		ctx:        nodeCtx,
		cancel:     cancel,
		dht:        nodeDHT,
		bootnodes:  cfg.Bootnodes,
		peerEvents: make([]PeerEvent, 0, MaxPeerEventLogs),
	}

	n.ps, err = pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}
	n.announceTopic, err = n.ps.Join(AnnounceTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to join announce topic: %w", err)
	}

	h.Network().Notify(&eventNotifiee{node: n})

	if err := n.setupMDNS(); err != nil {
		log.Printf("[Node] Warning: failed to setup mDNS: %v", err)
	}

	log.Printf("[Node] Started with ID: %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Printf("[Node]   listening on %s/p2p/%s", addr, h.ID())
	}

	go n.bootstrapLoop()
	go func() {
		if err := n.bootstrapDHT(); err != nil {
			log.Printf("[Node] Warning: failed to bootstrap DHT: %v", err)
		}
		if err := n.connectToBootnodes(cfg.Bootnodes); err != nil {
			log.Printf("[Node] Warning: %v", err)
		}
	}()

	return n, nil
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// DHT returns the node's Kademlia DHT.
func (n *Node) DHT() *dht.IpfsDHT { return n.dht }

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the node's full listen addresses.
func (n *Node) Addrs() []string {
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// ConnectedPeers returns the currently connected peers.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Close shuts the node down.
func (n *Node) Close() error {
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			log.Printf("[Node] Error closing mDNS: %v", err)
		}
	}
	if n.announceTopic != nil {
		if err := n.announceTopic.Close(); err != nil {
			log.Printf("[Node] Error closing announce topic: %v", err)
		}
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Printf("[Node] Error closing DHT: %v", err)
		}
	}
	n.cancel()
	return n.host.Close()
}

// Connect dials a peer, clearing any swarm backoff first and retrying with
// exponential backoff.
func (n *Node) Connect(ctx context.Context, ai peer.AddrInfo) error {
	if sw, ok := n.host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(ai.ID)
	}

	const maxRetries = 3
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, time.Duration(10+5*attempt)*time.Second)
		err = n.host.Connect(dialCtx, ai)
		cancel()
		if err == nil {
			log.Printf("[Node] Connected to peer %s", ai.ID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[Node] Attempt %d/%d: failed to connect to %s: %v", attempt, maxRetries, ai.ID, err)
		if attempt < maxRetries {
			time.Sleep(time.Duration(100*(1<<uint(attempt))) * time.Millisecond)
		}
	}
	return fmt.Errorf("failed to connect to peer %s after %d attempts: %w", ai.ID, maxRetries, err)
}

// ConnectString dials a peer given as a multiaddr string.
func (n *Node) ConnectString(ctx context.Context, peerAddr string) error {
	ai, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address %s: %w", peerAddr, err)
	}
	return n.Connect(ctx, *ai)
}

// Announce publishes a block CID to the announce gossip topic.
func (n *Node) Announce(ctx context.Context, c cidlib.Cid) error {
	return n.announceTopic.Publish(ctx, c.Bytes())
}

// SubscribeAnnounces starts consuming the announce topic, invoking handler
// for every valid foreign announcement until the node shuts down.
func (n *Node) SubscribeAnnounces(handler AnnounceHandler) error {
	sub, err := n.announceTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to announce topic: %w", err)
	}

	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			c, err := cidlib.Cast(msg.Data)
			if err != nil {
				log.Printf("[Node] Invalid announce from %s: %v", msg.ReceivedFrom, err)
				continue
			}
			handler(msg.ReceivedFrom, c)
		}
	}()
	return nil
}

// setupMDNS starts local peer discovery.
func (n *Node) setupMDNS() error {
	svc := mdns.NewMdnsService(n.host, ServiceTag, &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	n.mdns = svc
	return nil
}

func (n *Node) bootstrapLoop() {
	ticker := time.NewTicker(dhtBootstrapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.bootstrapDHT(); err != nil {
				log.Printf("[Node] Failed to bootstrap DHT: %v", err)
			}
		}
	}
}

func (n *Node) bootstrapDHT() error {
	if n.dht == nil {
		return fmt.Errorf("DHT not initialized")
	}
	log.Printf("[Node] Bootstrapping DHT...")
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.dht.Bootstrap(ctx)
}

// connectToBootnodes dials all configured bootnodes in parallel and reserves
// a relay slot with each one that answers.
func (n *Node) connectToBootnodes(bootnodes []string) error {
	var live []string
	for _, b := range bootnodes {
		if b != "" {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		log.Printf("[Node] No bootnodes specified")
		return nil
	}

	log.Printf("[Node] Connecting to %d bootnode(s)...", len(live))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var connected int
	var lastErr error

	for _, bootnode := range live {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ai, err := peer.AddrInfoFromString(addr)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				log.Printf("[Node] Bad bootnode address %s: %v", addr, err)
				return
			}

			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.Connect(ctx, *ai); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()

			reserveCtx, reserveCancel := context.WithTimeout(n.ctx, 10*time.Second)
			defer reserveCancel()
			if _, err := relayv2client.Reserve(reserveCtx, n.host, *ai); err != nil {
				log.Printf("[Node] Failed to reserve relay slot with %s: %v", ai.ID, err)
			} else {
				log.Printf("[Node] Reserved relay slot with %s", ai.ID)
			}
		}(bootnode)
	}
	wg.Wait()

	log.Printf("[Node] Connected to %d of %d bootnodes", connected, len(live))
	if connected == 0 {
		return fmt.Errorf("failed to connect to any bootnode: %w", lastErr)
	}
	return nil
}

// NetworkStats returns a snapshot of the host's network state.
func (n *Node) NetworkStats() map[string]interface{} {
	peers := n.ConnectedPeers()
	peerList := make([]string, len(peers))
	for i, p := range peers {
		peerList[i] = p.String()
	}

	n.peerEventsMu.RLock()
	events := make([]PeerEvent, len(n.peerEvents))
	copy(events, n.peerEvents)
	n.peerEventsMu.RUnlock()

	return map[string]interface{}{
		"peer_id":         n.ID().String(),
		"connected_peers": len(peers),
		"peer_list":       peerList,
		"addresses":       n.Addrs(),
		"dht":             n.DHTStats(),
		"peer_events":     events,
	}
}

// DHTStats returns routing table statistics.
func (n *Node) DHTStats() map[string]interface{} {
	if n.dht == nil {
		return map[string]interface{}{"enabled": false}
	}
	rt := n.dht.RoutingTable()
	return map[string]interface{}{
		"enabled":    true,
		"peer_count": rt.Size(),
	}
}

func (n *Node) logPeerEvent(peerID peer.ID, eventType string, addrs []string) {
	n.peerEventsMu.Lock()
	n.peerEvents = append(n.peerEvents, PeerEvent{
		PeerID:    peerID,
		Type:      eventType,
		Timestamp: time.Now(),
		Addresses: addrs,
	})
	if len(n.peerEvents) > MaxPeerEventLogs {
		n.peerEvents = n.peerEvents[len(n.peerEvents)-MaxPeerEventLogs:]
	}
	n.peerEventsMu.Unlock()
}

// eventNotifiee records connection churn in the peer event log.
type eventNotifiee struct {
	node *Node
}

func (e *eventNotifiee) Connected(net network.Network, conn network.Conn) {
	e.node.logPeerEvent(conn.RemotePeer(), "connected", peerAddrStrings(e.node.host, conn.RemotePeer()))
}

func (e *eventNotifiee) Disconnected(net network.Network, conn network.Conn) {
	e.node.logPeerEvent(conn.RemotePeer(), "disconnected", peerAddrStrings(e.node.host, conn.RemotePeer()))
}

func (e *eventNotifiee) Listen(net network.Network, addr multiaddr.Multiaddr)      {}
func (e *eventNotifiee) ListenClose(net network.Network, addr multiaddr.Multiaddr) {}

// discoveryNotifee dials peers found via mDNS.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	d.node.logPeerEvent(pi.ID, "discovered", addrStrings(pi))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err != nil {
		log.Printf("[Node] Failed to connect to discovered peer %s: %v", pi.ID, err)
	}
}

func loadOrCreateIdentity(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if keyData, err := os.ReadFile(keyPath); err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(string(keyData))
		if err != nil {
			log.Printf("[Node] Warning: failed to decode key, creating new: %v", err)
		} else {
			privKey, err := crypto.UnmarshalPrivateKey(keyBytes)
			if err == nil {
				log.Printf("[Node] Loaded identity from %s", keyPath)
				return privKey, nil
			}
			log.Printf("[Node] Warning: failed to unmarshal key, creating new: %v", err)
		}
	}

	log.Printf("[Node] Generating new identity at %s", keyPath)
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

func bootnodeAddrInfos(bootnodes []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	var lastErr error
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		ai, err := peer.AddrInfoFromString(addr)
		if err != nil {
			lastErr = err
			log.Printf("[Node] Failed to parse bootnode address %s: %v", addr, err)
			continue
		}
		infos = append(infos, *ai)
	}
	return infos, lastErr
}

func addrStrings(pi peer.AddrInfo) []string {
	out := make([]string, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		out = append(out, a.String())
	}
	return out
}

func peerAddrStrings(h host.Host, p peer.ID) []string {
	addrs := h.Peerstore().Addrs(p)
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
