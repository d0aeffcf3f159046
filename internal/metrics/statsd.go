package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsDSink emits every dispatch event as a dogstatsd metric over the
// datadog-go statsd client, the counter-side complement to dd-trace-go's
// span tracing used elsewhere in this service.
type StatsDSink struct {
	client *statsd.Client
}

// NewStatsDSink dials the dogstatsd agent at addr (e.g. "127.0.0.1:8125")
// and prefixes every metric name with the given namespace.
func NewStatsDSink(addr, namespace string) (*StatsDSink, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("metrics: dial statsd: %w", err)
	}
	return &StatsDSink{client: client}, nil
}

func (s *StatsDSink) Emit(e Event) {
	tags := []string{"kind:" + e.Kind.String()}
	if e.Reason != "" {
		tags = append(tags, "reason:"+e.Reason)
	}

	switch e.Kind {
	case Enqueued, EnqueueRejected, WorkStarted, WorkFailed, WorkTimedOut:
		_ = s.client.Incr("dispatch."+kindMetricName(e.Kind), tags, 1)
	case WorkCompleted:
		_ = s.client.Incr("dispatch.work_completed", tags, 1)
		_ = s.client.Timing("dispatch.work_duration", e.Duration, tags, 1)
	case PoolResized:
		_ = s.client.Gauge("dispatch.pool_size", float64(e.PoolTo), tags, 1)
	case CircuitBreakerOpened:
		_ = s.client.Gauge("dispatch.breaker_open", 1, tags, 1)
	case CircuitBreakerClosed:
		_ = s.client.Gauge("dispatch.breaker_open", 0, tags, 1)
	}
}

// Close flushes and closes the underlying statsd client.
func (s *StatsDSink) Close() error {
	return s.client.Close()
}

func kindMetricName(k Kind) string {
	switch k {
	case Enqueued:
		return "enqueued"
	case EnqueueRejected:
		return "enqueue_rejected"
	case WorkStarted:
		return "work_started"
	case WorkFailed:
		return "work_failed"
	case WorkTimedOut:
		return "work_timed_out"
	default:
		return "unknown"
	}
}
