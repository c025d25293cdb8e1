// Package bandwidth implements the BandwidthChecker: interval-sampled
// progress monitoring that cancels a copy when its throughput drops below
// an adaptive minimum, with historical-speed feedback.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// CopyStatistics is the shared (bytes, network_copy_duration) cell a copy
// task increments as bytes arrive. It must be safe for concurrent use: the
// copy task writes to it while the checker reads snapshots.
type CopyStatistics struct {
	mu              sync.Mutex
	bytes           uint64
	networkDuration time.Duration
}

// AddBytes records n additional bytes transferred.
func (s *CopyStatistics) AddBytes(n uint64) {
	s.mu.Lock()
	s.bytes += n
	s.mu.Unlock()
}

// AddNetworkDuration records an additional d spent attributable to the
// network, excluding disk/flush time.
func (s *CopyStatistics) AddNetworkDuration(d time.Duration) {
	s.mu.Lock()
	s.networkDuration += d
	s.mu.Unlock()
}

// Snapshot returns the current (bytes, network duration) pair.
func (s *CopyStatistics) Snapshot() (uint64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes, s.networkDuration
}

// CopyResult is the trait every copy result must implement: an optional
// final size, and a mutable minimum-speed field the checker stamps before
// returning.
type CopyResult interface {
	// Size returns the copy's final byte count, if known.
	Size() (size uint64, ok bool)
	// SetMinimumSpeedMBPerS stamps the floor speed that was enforced.
	SetMinimumSpeedMBPerS(mbPerS float64)
}

// CopyFactory drives a copy, incrementing stats as bytes arrive, and
// returns the final result. It is called exactly once, with a fresh
// cancellation token linked to the checker's.
type CopyFactory func(ctx context.Context, stats *CopyStatistics) (CopyResult, error)

// Options are the per-call overrides named in the spec's algorithm:
// an explicit required speed, and whether to prefer network_copy_duration
// over wall-clock interval when computing elapsed time.
type Options struct {
	RequiredMBPerS     *float64
	UseNetworkDuration bool
}

// ToTimeoutResult builds the CopyResult to return when a copy is canceled
// for being too slow, given a human-readable diagnostic.
type ToTimeoutResult func(diagnostic string) CopyResult

// Checker is the BandwidthChecker.
type Checker struct {
	config      Config
	limitSource LimitSource

	infoLog  *log.Logger
	errorLog *log.Logger
}

// Option configures a Checker at construction time.
type Option func(*Checker)

// WithLogger sets the info logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Checker) { c.infoLog = logger }
}

// WithErrorLogger sets the error logger.
func WithErrorLogger(logger *log.Logger) Option {
	return func(c *Checker) { c.errorLog = logger }
}

// New builds a Checker from a Config and a LimitSource. Pass a
// ConstantLimitSource or a HistoricalLimitSource depending on whether the
// config specifies an explicit MinimumMBPerS.
func New(config Config, limitSource LimitSource, opts ...Option) *Checker {
	c := &Checker{
		config:      config,
		limitSource: limitSource,
		infoLog:     log.New(io.Discard, "", 0),
		errorLog:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type copyOutcome struct {
	result CopyResult
	err    error
}

// CheckBandwidthAtInterval races factory's copy against an interval
// timer, canceling the copy and returning toTimeoutResult if throughput
// ever drops below the adaptive minimum.
func (c *Checker) CheckBandwidthAtInterval(ctx context.Context, factory CopyFactory, opts Options, toTimeoutResult ToTimeoutResult) (CopyResult, error) {
	stats := &CopyStatistics{}
	copyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan copyOutcome, 1)
	go func() {
		res, err := factory(copyCtx, stats)
		resultCh <- copyOutcome{res, err}
	}()

	minMBPerS := clamp(c.limitSource.Current()*c.config.multiplier(), 0, c.config.maxCap())
	if opts.RequiredMBPerS != nil {
		minMBPerS = *opts.RequiredMBPerS
	}

	callStart := time.Now()
	startBytes, _ := stats.Snapshot()
	prevBytes, prevDuration := startBytes, time.Duration(0)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			c.observeAbandonedCopy(resultCh)
			return nil, ctx.Err()

		case outcome := <-resultCh:
			if outcome.err != nil {
				return nil, outcome.err
			}
			res := outcome.result
			res.SetMinimumSpeedMBPerS(minMBPerS)

			curBytes, _ := stats.Snapshot()
			finalBytes := curBytes
			if sz, ok := res.Size(); ok {
				finalBytes = sz
			}
			bytesCopied := finalBytes - startBytes

			if elapsed := time.Since(callStart); elapsed > 0 {
				speed := mbPerSecond(bytesCopied, elapsed)
				c.limitSource.Observe(speed)
			}
			return res, nil

		case <-ticker.C:
			curBytes, curDuration := stats.Snapshot()
			transferred := curBytes - prevBytes

			elapsed := c.config.Interval
			if opts.UseNetworkDuration {
				if d := curDuration - prevDuration; d > 0 {
					elapsed = d
				}
			}

			speedMBPerS := mbPerSecond(transferred, elapsed)
			if speedMBPerS == 0 || speedMBPerS < minMBPerS {
				cancel()
				c.observeAbandonedCopy(resultCh)

				diagnostic := fmt.Sprintf(
					"transferred %d bytes in %s (%.3f MB/s), required >= %.3f MB/s",
					transferred, c.config.Interval, speedMBPerS, minMBPerS)
				timeoutRes := toTimeoutResult(diagnostic)
				timeoutRes.SetMinimumSpeedMBPerS(minMBPerS)

				return timeoutRes, &TimeoutError{
					ObservedBytes:  transferred,
					RequiredMBPerS: minMBPerS,
					Interval:       c.config.Interval.String(),
				}
			}

			prevBytes, prevDuration = curBytes, curDuration
		}
	}
}

func mbPerSecond(bytes uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	const mb = 1e6
	return (float64(bytes) / mb) / d.Seconds()
}

// observeAbandonedCopy drains resultCh in the background once the checker
// has already returned, so the copy task's outcome is never left
// unobserved. Benign cancellation errors are ignored; anything else is
// logged.
func (c *Checker) observeAbandonedCopy(resultCh <-chan copyOutcome) {
	go func() {
		outcome := <-resultCh
		if outcome.err == nil {
			return
		}
		if errors.Is(outcome.err, context.Canceled) || errors.Is(outcome.err, context.DeadlineExceeded) {
			return
		}
		c.errorLog.Printf("bandwidth: abandoned copy failed: %v", outcome.err)
	}()
}
