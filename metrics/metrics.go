// Package metrics exposes the prometheus counters and histograms
// recorded at every catga boundary. Registration happens at package
// init via promauto; recording is cheap enough to leave always-on,
// and the Enabled switch turns the helpers into no-ops for callers
// that want zero overhead.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetEnabled toggles recording. Disabled recording is a no-op.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether recording is on.
func Enabled() bool {
	return enabled.Load()
}

var (
	// Mediator metrics

	// Commands tracks requests dispatched through the mediator
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "commands_total",
			Help:      "Total requests dispatched through the mediator",
		},
		[]string{"type", "result"}, // result: success, failure
	)

	// Events tracks events published through the mediator
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "events_total",
			Help:      "Total events published through the mediator",
		},
		[]string{"type"},
	)

	// DispatchDuration tracks handler execution time
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to dispatch a request through the pipeline",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Outbox metrics

	// OutboxAdds tracks rows added to the outbox
	OutboxAdds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "outbox",
			Name:      "add_total",
			Help:      "Total messages added to the outbox",
		},
	)

	// OutboxPublishes tracks rows published from the outbox
	OutboxPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "outbox",
			Name:      "publish_total",
			Help:      "Total outbox messages published to the transport",
		},
	)

	// OutboxFailures tracks publish failures
	OutboxFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "outbox",
			Name:      "fail_total",
			Help:      "Total outbox publish failures",
		},
	)

	// OutboxPending tracks the pending backlog observed by the publisher
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catga",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Pending outbox messages observed at the last poll",
		},
	)

	// Inbox metrics

	// InboxProcessed tracks messages marked processed in the inbox
	InboxProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "inbox",
			Name:      "process_total",
			Help:      "Total messages marked processed in the inbox",
		},
	)

	// InboxLocks tracks lock attempts, by outcome
	InboxLocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "inbox",
			Name:      "lock_total",
			Help:      "Total inbox lock attempts",
		},
		[]string{"outcome"}, // acquired, contended
	)

	// DLQ metrics

	// DLQAdds tracks messages routed to the dead-letter queue
	DLQAdds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "dlq",
			Name:      "add_total",
			Help:      "Total messages routed to the dead-letter queue",
		},
		[]string{"type"},
	)

	// Resilience metrics

	// Retries tracks retry attempts by operation
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "resilience",
			Name:      "retry_total",
			Help:      "Total retry attempts",
		},
		[]string{"operation"},
	)

	// CircuitBreakerState tracks breaker state per operation
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "catga",
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"operation"},
	)

	// Batch metrics

	// BatchOverflows tracks shard queue overflows
	BatchOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "batch",
			Name:      "overflow_total",
			Help:      "Total enqueues rejected because a shard queue was full",
		},
		[]string{"type"},
	)

	// BatchFlushes tracks shard flushes by trigger
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "batch",
			Name:      "flush_total",
			Help:      "Total shard flushes",
		},
		[]string{"type", "trigger"}, // trigger: size, timeout, evict
	)

	// BatchShards tracks live shards per request type
	BatchShards = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "catga",
			Subsystem: "batch",
			Name:      "shards",
			Help:      "Live shards per request type",
		},
		[]string{"type"},
	)

	// Transport metrics

	// TransportPublishes tracks publishes by subject and outcome
	TransportPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "transport",
			Name:      "publish_total",
			Help:      "Total transport publishes",
		},
		[]string{"subject", "result"},
	)

	// TransportDeduplicated tracks QoS2 duplicates dropped
	TransportDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "transport",
			Name:      "deduplicated_total",
			Help:      "Total duplicate messages dropped by the QoS2 window",
		},
		[]string{"subject"},
	)
)

// ObserveDispatch records one mediator dispatch.
func ObserveDispatch(msgType string, start time.Time, success bool) {
	if !enabled.Load() {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	Commands.WithLabelValues(msgType, outcome).Inc()
	DispatchDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

// CountEvent records one event publication.
func CountEvent(evtType string) {
	if !enabled.Load() {
		return
	}
	Events.WithLabelValues(evtType).Inc()
}

// CountRetry records one retry attempt.
func CountRetry(operation string) {
	if !enabled.Load() {
		return
	}
	Retries.WithLabelValues(operation).Inc()
}

// CountBatchOverflow records one rejected enqueue.
func CountBatchOverflow(reqType string) {
	if !enabled.Load() {
		return
	}
	BatchOverflows.WithLabelValues(reqType).Inc()
}

// CountOutboxAdd records one row added to the outbox.
func CountOutboxAdd() {
	if !enabled.Load() {
		return
	}
	OutboxAdds.Inc()
}

// CountInboxLock records one inbox lock attempt.
func CountInboxLock(acquired bool) {
	if !enabled.Load() {
		return
	}
	outcome := "acquired"
	if !acquired {
		outcome = "contended"
	}
	InboxLocks.WithLabelValues(outcome).Inc()
}

// CountInboxProcessed records one message finalized in the inbox.
func CountInboxProcessed() {
	if !enabled.Load() {
		return
	}
	InboxProcessed.Inc()
}

// CountDLQ records one dead-lettered message.
func CountDLQ(msgType string) {
	if !enabled.Load() {
		return
	}
	DLQAdds.WithLabelValues(msgType).Inc()
}
