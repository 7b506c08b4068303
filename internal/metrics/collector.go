// Package metrics exports environment and transaction statistics as
// Prometheus metrics via github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the gauges and counters for a single open
// environment. Each Collector gets its own prometheus.Registry rather
// than registering into the global DefaultRegisterer, since a process
// may open more than one environment (or reopen the same path in
// tests) and global metric names would collide.
type Collector struct {
	Registry *prometheus.Registry

	FreePages     prometheus.Gauge
	PendingPages  prometheus.Gauge
	FreelistBytes prometheus.Gauge
	OpenTxns      prometheus.Gauge
	TotalTxns     prometheus.Counter

	CommitsTotal   prometheus.Counter
	RebalanceTotal prometheus.Counter
	SplitTotal     prometheus.Counter
	SpillTotal     prometheus.Counter
	WriteTotal     prometheus.Counter
}

// NewCollector builds a Collector and registers its metrics under the
// given namespace. An empty namespace falls back to "mdb".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "mdb"
	}

	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		FreePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_pages",
			Help:      "Number of pages on the free list available for reuse.",
		}),
		PendingPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_pages",
			Help:      "Number of pages freed by a transaction not yet reclaimable.",
		}),
		FreelistBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "freelist_bytes",
			Help:      "Bytes used to persist the free list.",
		}),
		OpenTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_transactions",
			Help:      "Number of currently open read transactions.",
		}),
		TotalTxns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Total number of read transactions started.",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total number of write transactions committed.",
		}),
		RebalanceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_rebalances_total",
			Help:      "Total number of B-tree node rebalances performed.",
		}),
		SplitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_splits_total",
			Help:      "Total number of B-tree node splits performed.",
		}),
		SpillTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_spills_total",
			Help:      "Total number of dirty node spills performed.",
		}),
		WriteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_writes_total",
			Help:      "Total number of pages written to disk.",
		}),
	}

	reg.MustRegister(
		c.FreePages, c.PendingPages, c.FreelistBytes, c.OpenTxns, c.TotalTxns,
		c.CommitsTotal, c.RebalanceTotal, c.SplitTotal, c.SpillTotal, c.WriteTotal,
	)
	return c
}

// EnvStats is the subset of environment-level counters the collector
// needs; kept as plain fields (rather than importing the owning
// package) so this package has no dependency back on the store.
type EnvStats struct {
	FreePageN     int
	PendingPageN  int
	FreelistInuse int
	OpenTxN       int
	TxN           int
}

// ObserveEnv updates the environment-level gauges.
func (c *Collector) ObserveEnv(s EnvStats) {
	c.FreePages.Set(float64(s.FreePageN))
	c.PendingPages.Set(float64(s.PendingPageN))
	c.FreelistBytes.Set(float64(s.FreelistInuse))
	c.OpenTxns.Set(float64(s.OpenTxN))
}

// TxStats is the subset of per-transaction counters the collector
// needs in order to update the running totals on commit.
type TxStats struct {
	Rebalance int64
	Split     int64
	Spill     int64
	Write     int64
}

// ObserveCommit records a completed write transaction's deltas.
func (c *Collector) ObserveCommit(s TxStats) {
	c.CommitsTotal.Inc()
	c.RebalanceTotal.Add(float64(s.Rebalance))
	c.SplitTotal.Add(float64(s.Split))
	c.SpillTotal.Add(float64(s.Spill))
	c.WriteTotal.Add(float64(s.Write))
}

// ObserveTxStart increments the started-transactions counter.
func (c *Collector) ObserveTxStart() {
	c.TotalTxns.Inc()
}
