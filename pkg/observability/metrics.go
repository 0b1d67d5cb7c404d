package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/transport"
)

var (
	// Router operation metrics
	OpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_op_duration_seconds",
			Help:    "Duration of routed document operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"collection", "op"},
	)

	OpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_ops_total",
			Help: "Total number of routed document operations",
		},
		[]string{"collection", "op", "status"},
	)

	StaleConfigRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_stale_config_retries_total",
			Help: "Total stale-shard-version retries triggered by routing cache refresh",
		},
		[]string{"collection"},
	)

	// Shard connection pool metrics
	ShardConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shard_connections_active",
			Help: "Number of pooled connections held per shard host",
		},
		[]string{"host"},
	)

	// Migration metrics
	MigrationPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migration_phase",
			Help: "Current donor-side migration state, one gauge per collection (1 = active in that phase)",
		},
		[]string{"collection", "phase"},
	)

	MigrationDocsCloned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_docs_cloned_total",
			Help: "Total documents cloned by a migration's initial Clone phase",
		},
		[]string{"collection"},
	)

	MigrationPendingMods = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migration_pending_mods",
			Help: "Pending reload+delete entries tracked by an active donor",
		},
		[]string{"collection"},
	)

	// Catalog metrics
	CatalogVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_collection_version_major",
			Help: "Current major chunk version per collection",
		},
		[]string{"collection"},
	)

	CatalogUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_chunk_ops_total",
			Help: "Total chunk operations (splits, merges, migrations) applied to the catalog",
		},
		[]string{"collection", "op"},
	)
)

// ConnPoolHooks wires a connpool.Pool's lifecycle events into
// ShardConnections, keeping the gauge in lock-step with the pool's actual
// idle/checked-out connection count per host.
func ConnPoolHooks() connpool.Hooks {
	return connpool.Hooks{
		OnCreate: func(host string, _ *transport.Conn) {
			ShardConnections.WithLabelValues(host).Inc()
		},
		OnDestroy: func(host string, _ *transport.Conn) {
			ShardConnections.WithLabelValues(host).Dec()
		},
	}
}

