package bandwidth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buchgr/quota-remote/bandwidth"
)

type fakeResult struct {
	size     uint64
	hasSize  bool
	minSpeed float64
}

func (f *fakeResult) Size() (uint64, bool)          { return f.size, f.hasSize }
func (f *fakeResult) SetMinimumSpeedMBPerS(v float64) { f.minSpeed = v }

// pacedCopy simulates a copy transferring total bytes at ratePerSec,
// chunked every tick, optionally attributing only a networkDelayFraction
// of each tick's wall time to network_copy_duration (to simulate a copy
// that is mostly disk-bound).
func pacedCopy(total uint64, ratePerSec uint64, tick time.Duration, networkDelayFraction float64) bandwidth.CopyFactory {
	return func(ctx context.Context, stats *bandwidth.CopyStatistics) (bandwidth.CopyResult, error) {
		perTick := uint64(float64(ratePerSec) * tick.Seconds())
		if perTick == 0 {
			perTick = 1
		}
		var sent uint64
		for sent < total {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tick):
			}
			chunk := perTick
			if sent+chunk > total {
				chunk = total - sent
			}
			sent += chunk
			stats.AddBytes(chunk)
			stats.AddNetworkDuration(time.Duration(float64(tick) * networkDelayFraction))
		}
		return &fakeResult{size: total, hasSize: true}, nil
	}
}

func TestAdmitsSmallCopyWhenUnderBandwidth(t *testing.T) {
	// actual >> min: the copy comfortably clears the floor every tick.
	interval := 40 * time.Millisecond
	cfg := bandwidth.Config{Interval: interval}
	min := 10.0 // MB/s floor far below the simulated rate
	cfg.MinimumMBPerS = &min

	c := bandwidth.New(cfg, bandwidth.ConstantLimitSource{MBPerS: min})

	factory := pacedCopy(2048, 100_000_000, 5*time.Millisecond, 1.0)
	res, err := c.CheckBandwidthAtInterval(context.Background(), factory, bandwidth.Options{}, func(d string) bandwidth.CopyResult {
		return &fakeResult{}
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if res == nil {
		t.Fatal("expected non-nil result")
	}
}

func TestTimesOutSlowCopy(t *testing.T) {
	interval := 30 * time.Millisecond
	min := 1_000_000.0 // MB/s floor the simulated rate can never reach
	cfg := bandwidth.Config{Interval: interval, MinimumMBPerS: &min}

	c := bandwidth.New(cfg, bandwidth.ConstantLimitSource{MBPerS: min})

	factory := pacedCopy(2048, 1024, 5*time.Millisecond, 1.0)
	start := time.Now()
	res, err := c.CheckBandwidthAtInterval(context.Background(), factory, bandwidth.Options{}, func(d string) bandwidth.CopyResult {
		return &fakeResult{}
	})
	elapsed := time.Since(start)

	var timeoutErr *bandwidth.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *bandwidth.TimeoutError", err)
	}
	if res == nil {
		t.Fatal("expected a timeout result, got nil")
	}
	if elapsed > 5*interval {
		t.Fatalf("took %s, expected to time out within a couple of intervals", elapsed)
	}
}

func TestNetworkDurationModeTolerantOfSlowDisk(t *testing.T) {
	interval := 30 * time.Millisecond
	min := 0.2048 // MB/s: twice the simulated 102,400 B/s rate
	cfg := bandwidth.Config{Interval: interval, MinimumMBPerS: &min}

	c := bandwidth.New(cfg, bandwidth.ConstantLimitSource{MBPerS: min})

	// The copy spans about 40 ticks, several intervals. Its wall-clock
	// speed (~0.1 MB/s) is below the floor, but only 1% of wall time is
	// attributed to the network: the effective network-duration speed
	// (~10 MB/s) is ~100x the wall-clock speed.
	factory := pacedCopy(20_480, 102_400, 5*time.Millisecond, 0.01)
	_, err := c.CheckBandwidthAtInterval(context.Background(), factory, bandwidth.Options{UseNetworkDuration: true}, func(d string) bandwidth.CopyResult {
		return &fakeResult{}
	})
	if err != nil {
		t.Fatalf("expected success under network-duration accounting, got err=%v", err)
	}
}
