package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "stage",
		Name:      "committed_total",
		Help:      "Stages whose trees were built and persisted.",
	})
	stagesAnchored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "stage",
		Name:      "anchored_total",
		Help:      "Stages confirmed against the anchor contract.",
	})
	anchorMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Subsystem: "stage",
		Name:      "anchor_mismatches_total",
		Help:      "Anchor confirmations whose roots differed from the local stage.",
	})
	expectedStageHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Subsystem: "stage",
		Name:      "expected_height",
		Help:      "Height the next CommitStage must target.",
	})
	receiptsPerStage = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sidechain",
		Subsystem: "stage",
		Name:      "receipts",
		Help:      "Receipts included in a committed stage.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)
