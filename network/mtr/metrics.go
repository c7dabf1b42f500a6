package mtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MessagesSentTotal counts outbound exchange messages by type
var MessagesSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_messages_sent_total",
		Help: "Total number of exchange messages sent",
	},
	[]string{"type"},
)

// MessagesReceivedTotal counts inbound exchange messages by type
var MessagesReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_messages_received_total",
		Help: "Total number of exchange messages received",
	},
	[]string{"type"},
)

// DecodeErrorsTotal counts malformed wire messages dropped per peer path
var DecodeErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_decode_errors_total",
		Help: "Total number of malformed wire messages dropped",
	},
)

// BlocksSentTotal counts blocks served to peers
var BlocksSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_blocks_sent_total",
		Help: "Total number of blocks sent to peers",
	},
)

// BlocksReceivedTotal counts blocks received from peers
var BlocksReceivedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_blocks_received_total",
		Help: "Total number of blocks received from peers",
	},
)

// ActiveWants tracks the number of outstanding wants
var ActiveWants = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "blockswap_active_wants",
		Help: "Number of outstanding wants",
	},
)

// OutstandingQueries tracks the number of in-flight DHT queries
var OutstandingQueries = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "blockswap_outstanding_dht_queries",
		Help: "Number of in-flight DHT queries",
	},
)

// PeerConnectionsTotal counts the total number of peer connections
var PeerConnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_peer_connections_total",
		Help: "Total number of peer connections",
	},
)

// PeerDisconnectionsTotal counts the total number of peer disconnections
var PeerDisconnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_peer_disconnections_total",
		Help: "Total number of peer disconnections",
	},
)

// DialFailuresTotal counts failed outbound dials
var DialFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_dial_failures_total",
		Help: "Total number of failed outbound dials",
	},
)

// AnnouncesRelayedTotal counts block announcements forwarded by bootnodes
var AnnouncesRelayedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_announces_relayed_total",
		Help: "Total number of block announcements relayed",
	},
)

// WantTimeoutsTotal counts wants that expired before a block arrived
var WantTimeoutsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_want_timeouts_total",
		Help: "Total number of wants that timed out",
	},
)
