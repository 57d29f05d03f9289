// Package metrics provides Prometheus metrics for vaultmesh nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry served by the vault.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// VaultMetrics holds all Prometheus metrics for one vault node.
type VaultMetrics struct {
	// Message flow
	MessagesTotal   *prometheus.CounterVec // vaultmesh_messages_total{persona,type}
	RepliesTotal    *prometheus.CounterVec // vaultmesh_replies_total{type,code}
	MessagesIgnored prometheus.Counter     // not responsible for target
	PeerTimeouts    *prometheus.CounterVec // vaultmesh_peer_timeouts_total{type}

	// Client operations
	ClientRequests *prometheus.CounterVec   // vaultmesh_client_requests_total{operation,code}
	ClientDuration *prometheus.HistogramVec // vaultmesh_client_request_duration_seconds{operation}
	BytesStored    prometheus.Counter
	BytesRetrieved prometheus.Counter

	// Replication and churn
	Placements   *prometheus.CounterVec // vaultmesh_placements_total{result}
	HolderFaults prometheus.Counter
	Replications prometheus.Counter
	ChurnEvents  prometheus.Counter
	Transfers    *prometheus.CounterVec // vaultmesh_transfers_total{persona,result}

	// Gauges refreshed by Collector
	Records      *prometheus.GaugeVec // vaultmesh_records{persona}
	PendingOps   prometheus.Gauge
	Members      prometheus.Gauge
	StoredChunks prometheus.Gauge
	StoredBytes  prometheus.Gauge
	QuotaUsed    prometheus.Gauge
	CapacityUsed prometheus.Gauge
}

// New registers a VaultMetrics set on reg with node as a constant label.
// A nil reg uses Registry.
func New(reg prometheus.Registerer, node string) *VaultMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"node": node}

	return &VaultMetrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_messages_total",
			Help:        "Inbound overlay messages handled, by persona and type",
			ConstLabels: constLabels,
		}, []string{"persona", "type"}),
		RepliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_replies_total",
			Help:        "Replies sent, by request type and error code",
			ConstLabels: constLabels,
		}, []string{"type", "code"}),
		MessagesIgnored: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_messages_ignored_total",
			Help:        "Group messages ignored because another member is responsible",
			ConstLabels: constLabels,
		}),
		PeerTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_peer_timeouts_total",
			Help:        "Outstanding requests that expired without a reply",
			ConstLabels: constLabels,
		}, []string{"type"}),

		ClientRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_client_requests_total",
			Help:        "Client API requests by operation and result code",
			ConstLabels: constLabels,
		}, []string{"operation", "code"}),
		ClientDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "vaultmesh_client_request_duration_seconds",
			Help:        "Client API request duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"operation"}),
		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_pmid_bytes_stored_total",
			Help:        "Chunk bytes written by this node's PmidNode",
			ConstLabels: constLabels,
		}),
		BytesRetrieved: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_pmid_bytes_retrieved_total",
			Help:        "Chunk bytes served by this node's PmidNode",
			ConstLabels: constLabels,
		}),

		Placements: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_placements_total",
			Help:        "Chunk placements finished by DataManager, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		HolderFaults: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_holder_faults_total",
			Help:        "Holders removed after failing or corrupt retrieves",
			ConstLabels: constLabels,
		}),
		Replications: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_replications_total",
			Help:        "Re-replications started for under-replicated chunks",
			ConstLabels: constLabels,
		}),
		ChurnEvents: f.NewCounter(prometheus.CounterOpts{
			Name:        "vaultmesh_churn_events_total",
			Help:        "Membership change notifications processed",
			ConstLabels: constLabels,
		}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vaultmesh_transfers_total",
			Help:        "Account transfers by persona and result (sent, acked, failed, merged)",
			ConstLabels: constLabels,
		}, []string{"persona", "result"}),

		Records: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "vaultmesh_records",
			Help:        "Records held per persona",
			ConstLabels: constLabels,
		}, []string{"persona"}),
		PendingOps: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_pending_operations",
			Help:        "Cross-node operations awaiting a reply",
			ConstLabels: constLabels,
		}),
		Members: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_members",
			Help:        "Nodes in this vault's routing view",
			ConstLabels: constLabels,
		}),
		StoredChunks: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_stored_chunks",
			Help:        "Chunks held in the local chunk store",
			ConstLabels: constLabels,
		}),
		StoredBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_stored_bytes",
			Help:        "On-disk bytes of the local chunk store",
			ConstLabels: constLabels,
		}),
		QuotaUsed: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_maid_used_bytes",
			Help:        "Client usage summed over MaidManager accounts held here",
			ConstLabels: constLabels,
		}),
		CapacityUsed: f.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultmesh_pmid_used_bytes",
			Help:        "Custodian usage summed over PmidManager accounts held here",
			ConstLabels: constLabels,
		}),
	}
}
