// Package metrics defines the Prometheus collectors for replication.
// They live in a standalone package so the coordinator and the transports
// can record into them without importing each other.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replica"

// Round results.
const (
	ResultOK     = "ok"
	ResultNoop   = "noop"
	ResultFailed = "failed"
)

// Compaction results.
const (
	CompactionDone    = "compacted"
	CompactionSkipped = "skipped"
	CompactionFailed  = "failed"
)

var (
	SyncRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_rounds_total",
		Help:      "Sync rounds by result (ok, noop, failed).",
	}, []string{"result"})

	SyncRoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_round_duration_seconds",
		Help:      "Wall time of sync rounds that exchanged data.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	RecordsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_sent_total",
		Help:      "Change records handed to the transport.",
	})

	RecordsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_received_total",
		Help:      "Received change records by apply outcome (applied, skipped, failed).",
	}, []string{"status"})

	Compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_total",
		Help:      "Retention passes by result (compacted, skipped, failed).",
	}, []string{"result"})

	CompactedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compacted_records_total",
		Help:      "Change log records removed by compaction.",
	})

	UniqueConflicts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unique_conflicts",
		Help:      "Unique values held by more than one live row after the last round.",
	})

	ConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_consecutive_failures",
		Help:      "Sync rounds failed in a row; reset by a successful round.",
	})

	LocalVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_version",
		Help:      "Current local db_version.",
	})

	InboundBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_batches_total",
		Help:      "Batches pushed by peers by result (accepted, duplicate, rejected, rate_limited).",
	}, []string{"result"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncRounds,
		SyncRoundDuration,
		RecordsSent,
		RecordsApplied,
		Compactions,
		CompactedRecords,
		UniqueConflicts,
		ConsecutiveFailures,
		LocalVersion,
		InboundBatches,
	}
}

// Register registers every collector on reg (or the default registerer if
// nil). Collectors already registered are ignored, so Register may be
// called more than once.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler serves the metrics gathered by g (or the default gatherer if nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveRound records one sync round.
func ObserveRound(result string, sent int, d time.Duration) {
	SyncRounds.WithLabelValues(result).Inc()
	if result == ResultNoop {
		return
	}
	RecordsSent.Add(float64(sent))
	SyncRoundDuration.Observe(d.Seconds())
}

// ObserveApplied records the outcome counts of applied batches.
func ObserveApplied(applied, skipped, failed int) {
	RecordsApplied.WithLabelValues("applied").Add(float64(applied))
	RecordsApplied.WithLabelValues("skipped").Add(float64(skipped))
	RecordsApplied.WithLabelValues("failed").Add(float64(failed))
}

// ObserveCompaction records one retention pass.
func ObserveCompaction(result string, removed int64) {
	Compactions.WithLabelValues(result).Inc()
	if removed > 0 {
		CompactedRecords.Add(float64(removed))
	}
}
