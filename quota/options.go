package quota

import (
	"fmt"
	"log"

	"github.com/buchgr/quota-remote/metric"
	"golang.org/x/sync/semaphore"
)

// Option configures a Keeper at construction time, following the
// teacher's functional-options pattern (cache/disk/options.go).
type Option func(*Keeper) error

// WithLogger sets the info logger used for diagnostic messages. Defaults
// to a logger discarding everything.
func WithLogger(logger *log.Logger) Option {
	return func(k *Keeper) error {
		if logger == nil {
			return fmt.Errorf("WithLogger: logger must not be nil")
		}
		k.infoLog = logger
		return nil
	}
}

// WithErrorLogger sets the error logger. Defaults to a logger discarding
// everything.
func WithErrorLogger(logger *log.Logger) Option {
	return func(k *Keeper) error {
		if logger == nil {
			return fmt.Errorf("WithErrorLogger: logger must not be nil")
		}
		k.errorLog = logger
		return nil
	}
}

// WithMetricsCollector wires a metric.Collector (e.g. a Prometheus-backed
// one) for the keeper's counters and gauges. Defaults to no-op metrics.
func WithMetricsCollector(c metric.Collector) Option {
	return func(k *Keeper) error {
		if c == nil {
			return fmt.Errorf("WithMetricsCollector: collector must not be nil")
		}
		k.metrics = newMetrics(c)
		return nil
	}
}

// WithMaxConcurrentEvictions bounds how many Evict calls the purger may
// have outstanding at once, via a golang.org/x/sync/semaphore.Weighted,
// generalizing the teacher's utils/backendproxy fixed worker pool to a
// single tunable.
func WithMaxConcurrentEvictions(n int64) Option {
	return func(k *Keeper) error {
		if n <= 0 {
			return fmt.Errorf("WithMaxConcurrentEvictions: n must be positive, got %d", n)
		}
		k.evictionSem = semaphore.NewWeighted(n)
		return nil
	}
}

// WithReserveQueueCapacity sets the buffer size of the reserve_queue
// channel. Defaults to a reasonably large buffer so producers rarely
// block on queue capacity alone (they still block on admission).
func WithReserveQueueCapacity(n int) Option {
	return func(k *Keeper) error {
		if n <= 0 {
			return fmt.Errorf("WithReserveQueueCapacity: n must be positive, got %d", n)
		}
		k.reserveQueueCap = n
		return nil
	}
}
