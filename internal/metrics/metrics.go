// Package metrics exposes the core's Prometheus instrumentation. The
// teacher's go.mod carries prometheus/client_golang for its own HTTP
// handlers (out of this core's scope); this package gives the
// dependency a home inside the core itself so consensus, slashing,
// p2p, and sync can all report through one registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the core emits. An external HTTP
// adapter mounts Gatherer on a /metrics handler; the core never
// imports net/http itself.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	ValidatorSelections *prometheus.CounterVec
	BlocksValidated     *prometheus.CounterVec
	ForksResolved       prometheus.Counter

	SlashingEvents *prometheus.CounterVec
	JailedCurrently prometheus.Gauge

	ConnectedPeers prometheus.Gauge
	PeersBanned    prometheus.Counter
	MessagesSent   *prometheus.CounterVec
	MessagesRecv   *prometheus.CounterVec

	SyncsStarted   prometheus.Counter
	SyncChunkFails prometheus.Counter
	ChainHeight    prometheus.Gauge
}

// New builds a Registry and registers every metric against a fresh
// prometheus.Registry, returned as both Registerer and Gatherer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		ValidatorSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "consensus",
			Name:      "validator_selections_total",
			Help:      "Count of ProofOfScale validator selections, by selected address.",
		}, []string{"validator"}),
		BlocksValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "consensus",
			Name:      "blocks_validated_total",
			Help:      "Count of blocks passed to ValidateBlock, by outcome.",
		}, []string{"result"}),
		ForksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "consensus",
			Name:      "forks_resolved_total",
			Help:      "Count of ResolveFork invocations.",
		}),
		SlashingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "slashing",
			Name:      "events_total",
			Help:      "Count of applied slashing penalties, by reason.",
		}, []string{"reason"}),
		JailedCurrently: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bt2c",
			Subsystem: "slashing",
			Name:      "jailed_validators",
			Help:      "Number of validators currently jailed.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bt2c",
			Subsystem: "p2p",
			Name:      "connected_peers",
			Help:      "Number of peers currently in the CONNECTED or ACTIVE state.",
		}),
		PeersBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "p2p",
			Name:      "peers_banned_total",
			Help:      "Count of peers transitioned to BANNED.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "p2p",
			Name:      "messages_sent_total",
			Help:      "Count of P2P messages sent, by message type.",
		}, []string{"type"}),
		MessagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "p2p",
			Name:      "messages_received_total",
			Help:      "Count of P2P messages received, by message type.",
		}, []string{"type"}),
		SyncsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "sync",
			Name:      "syncs_started_total",
			Help:      "Count of Sync invocations that acquired the single-flight guard.",
		}),
		SyncChunkFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bt2c",
			Subsystem: "sync",
			Name:      "chunk_failures_total",
			Help:      "Count of sync chunks that failed to fetch or apply.",
		}),
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bt2c",
			Subsystem: "sync",
			Name:      "chain_height",
			Help:      "Local chain height after the last successful sync.",
		}),
	}

	reg.MustRegister(
		r.ValidatorSelections, r.BlocksValidated, r.ForksResolved,
		r.SlashingEvents, r.JailedCurrently,
		r.ConnectedPeers, r.PeersBanned, r.MessagesSent, r.MessagesRecv,
		r.SyncsStarted, r.SyncChunkFails, r.ChainHeight,
	)
	return r
}
