package bandwidth

import "fmt"

// TimeoutError is returned when a copy's throughput drops below the
// adaptive minimum speed and is canceled by the checker.
type TimeoutError struct {
	ObservedBytes   uint64
	RequiredMBPerS  float64
	Interval        string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("copy bandwidth timeout: observed %d bytes, required >= %.3f MB/s over %s interval",
		e.ObservedBytes, e.RequiredMBPerS, e.Interval)
}
