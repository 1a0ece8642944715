package rc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runtime's prometheus collectors. Only slow-path events are
// counted; the inline retain/release fast path stays uninstrumented.
type Metrics struct {
	Overflows         prometheus.Counter
	Borrows           prometheus.Counter
	Migrations        prometheus.Counter
	Deallocations     prometheus.Counter
	WeakRegistrations prometheus.Counter
	WeakCleared       prometheus.Counter
	Violations        *prometheus.CounterVec
	SideTableEntries  prometheus.Gauge
	WeakTableEntries  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "overflow_total",
			Help:      "Counter of inline count overflows moved to the side table.",
		}),
		Borrows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "borrow_total",
			Help:      "Counter of inline count underflows refilled from the side table.",
		}),
		Migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "migration_total",
			Help:      "Counter of objects moved from inline to side-table-only counting.",
		}),
		Deallocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "dealloc_total",
			Help:      "Counter of objects deallocated.",
		}),
		WeakRegistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "weak",
			Name:      "register_total",
			Help:      "Counter of weak locations registered.",
		}),
		WeakCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "weak",
			Name:      "cleared_total",
			Help:      "Counter of weak locations nil-ed because their referent died.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "violation_total",
			Help:      "Counter of usage violations by kind.",
		}, []string{"kind"}),
		SideTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objrt",
			Subsystem: "rc",
			Name:      "side_table_entries",
			Help:      "Number of live side-table entries.",
		}),
		WeakTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objrt",
			Subsystem: "weak",
			Name:      "table_entries",
			Help:      "Number of referents with registered weak locations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Overflows,
			m.Borrows,
			m.Migrations,
			m.Deallocations,
			m.WeakRegistrations,
			m.WeakCleared,
			m.Violations,
			m.SideTableEntries,
			m.WeakTableEntries,
		)
	}
	return m
}
