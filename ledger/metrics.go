package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedLightTxs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "ledger",
		Name:      "applied_light_txs_total",
		Help:      "Light transactions applied, by type.",
	}, []string{"type"})
	rejectedLightTxs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "ledger",
		Name:      "rejected_light_txs_total",
		Help:      "Light transactions rejected, by error class.",
	}, []string{"class"})
	commitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "ledger",
		Name:      "commit_conflicts_total",
		Help:      "Apply attempts re-run after losing a commit race.",
	})
	lastGSN = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Subsystem: "ledger",
		Name:      "last_gsn",
		Help:      "GSN of the most recently applied light transaction.",
	})
)
