package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LocalQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_relay_local_queues",
			Help: "Number of task queues owned by this node.",
		},
	)

	ProxyQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_relay_proxy_queues",
			Help: "Number of remote task queues mirrored by this node.",
		},
	)

	ListenerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_relay_listener_running",
			Help: "1 while the shared relay listener is running.",
		},
	)

	LeasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_relay_leases_total",
			Help: "Lease operations by operation and result.",
		},
		[]string{"op", "result"}, // op: register, renew, remove; result: ok, exists, lost, error
	)

	RelayPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_relay_published_total",
			Help: "Events handled by relay publishers by result.",
		},
		[]string{"result"}, // ok, error, skipped, encode_error
	)

	RelayReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_relay_received_total",
			Help: "Relay messages received by the shared listener by result.",
		},
		[]string{"result"}, // dispatched, unknown_task, malformed, enqueue_error
	)

	OwnershipLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "task_relay_ownership_lost_total",
			Help: "Relay publishers stopped because another node owns the task.",
		},
	)

	// RelayBacklog and RelayInFlight are polled from nsqd when the relay
	// runs over NSQ
	RelayBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_relay_nsq_channel_depth",
			Help: "Messages waiting in NSQ relay channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	RelayInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_relay_nsq_channel_inflight",
			Help: "In-flight messages for NSQ relay channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	PublishLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "task_relay_publish_latency_seconds",
			Help:    "Time to check ownership, publish and renew for one event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		LocalQueues,
		ProxyQueues,
		ListenerRunning,
		LeasesTotal,
		RelayPublishedTotal,
		RelayReceivedTotal,
		OwnershipLostTotal,
		RelayBacklog,
		RelayInFlight,
		PublishLatency,
	)
}

// RecordLease counts one lease operation
func RecordLease(op, result string) {
	LeasesTotal.WithLabelValues(op, result).Inc()
}

// RecordRelayPublish counts one event taken by a relay publisher
func RecordRelayPublish(result string, latency time.Duration) {
	RelayPublishedTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		PublishLatency.Observe(latency.Seconds())
	}
}

// RecordRelayReceive counts one message taken off the shared listener
func RecordRelayReceive(result string) {
	RelayReceivedTotal.WithLabelValues(result).Inc()
}

// RecordOwnershipLost counts a publisher that stopped on a foreign owner
func RecordOwnershipLost() {
	OwnershipLostTotal.Inc()
}

// SetQueueCounts publishes the size of the local and proxy tables
func SetQueueCounts(local, proxy int) {
	LocalQueues.Set(float64(local))
	ProxyQueues.Set(float64(proxy))
}

// SetListenerRunning flips the listener gauge
func SetListenerRunning(running bool) {
	if running {
		ListenerRunning.Set(1)
		return
	}
	ListenerRunning.Set(0)
}

// SetRelayChannel records the depth and in-flight count of one NSQ channel
func SetRelayChannel(topic, channel string, depth, inFlight int64) {
	RelayBacklog.WithLabelValues(topic, channel).Set(float64(depth))
	RelayInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}

// ResetRelayChannels drops every NSQ channel series, so topics that
// disappeared stop reporting
func ResetRelayChannels() {
	RelayBacklog.Reset()
	RelayInFlight.Reset()
}
