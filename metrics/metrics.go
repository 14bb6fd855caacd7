// Package metrics instruments the storage engine with Prometheus counters
// and gauges. It mirrors the operational surface the retrieval pack's
// erigon-derived dependency chain pulls in client_golang for: every
// subsystem that touches disk exposes counters for the engine and
// collection manager to increment, with a nil registry a valid no-op so
// tests never need a real Prometheus endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric BlockDB exposes. A nil *Registry is valid:
// every method is a no-op on a nil receiver.
type Registry struct {
	reg *prometheus.Registry

	puts                prometheus.Counter
	duplicateRejections prometheus.Counter
	flushes             prometheus.Counter
	compactions         prometheus.Counter
	chainReseals        prometheus.Counter
	quiesceEvents       prometheus.Counter

	memtableBytes *prometheus.GaugeVec
	sstableCount  *prometheus.GaugeVec
}

// New builds a Registry registered under the given Prometheus registerer.
// If reg is nil, a fresh private registry is created (useful for tests that
// want real counters without touching any global state).
func New(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Registry{
		reg: reg,
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "puts_total",
			Help:      "Total number of successful put operations.",
		}),
		duplicateRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "duplicate_key_rejections_total",
			Help:      "Total number of puts rejected for violating append-only semantics.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "flushes_total",
			Help:      "Total number of MemTable flushes to SSTable.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "compactions_total",
			Help:      "Total number of SSTable compactions performed.",
		}),
		chainReseals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "chain_reseals_total",
			Help:      "Total number of hash chain blocks rebuilt after a verify mismatch.",
		}),
		quiesceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "quiesce_events_total",
			Help:      "Total number of times an engine entered the quiesced-on-error state.",
		}),
		memtableBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockdb",
			Name:      "memtable_bytes",
			Help:      "Approximate size of the active MemTable in bytes.",
		}, []string{"collection"}),
		sstableCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockdb",
			Name:      "sstable_count",
			Help:      "Number of live SSTables.",
		}, []string{"collection"}),
	}

	reg.MustRegister(r.puts, r.duplicateRejections, r.flushes, r.compactions,
		r.chainReseals, r.quiesceEvents, r.memtableBytes, r.sstableCount)
	return r
}

func (r *Registry) IncPuts() {
	if r == nil {
		return
	}
	r.puts.Inc()
}

func (r *Registry) IncDuplicateRejections() {
	if r == nil {
		return
	}
	r.duplicateRejections.Inc()
}

func (r *Registry) IncFlushes() {
	if r == nil {
		return
	}
	r.flushes.Inc()
}

func (r *Registry) IncCompactions() {
	if r == nil {
		return
	}
	r.compactions.Inc()
}

func (r *Registry) IncChainReseals() {
	if r == nil {
		return
	}
	r.chainReseals.Inc()
}

func (r *Registry) IncQuiesceEvents() {
	if r == nil {
		return
	}
	r.quiesceEvents.Inc()
}

func (r *Registry) SetMemtableBytes(collection string, n int) {
	if r == nil {
		return
	}
	r.memtableBytes.WithLabelValues(collection).Set(float64(n))
}

func (r *Registry) SetSSTableCount(collection string, n int) {
	if r == nil {
		return
	}
	r.sstableCount.WithLabelValues(collection).Set(float64(n))
}
