package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Quota is the three-tier threshold contract every rule variant enforces:
// crossing Hard blocks, crossing Soft warns and starts a background purge,
// crossing Target stops a running purge.
type Quota struct {
	Target uint64
	Soft   uint64
	Hard   uint64
}

// Rule is a predicate over the candidate total size (current accounted
// size plus whatever the caller is asking it to account for). Rule
// variants: MaxSize, DiskFreePercent, Elastic.
type Rule interface {
	Name() string

	IsInsideTargetLimit(candidate uint64) bool
	IsInsideSoftLimit(candidate uint64) bool
	IsInsideHardLimit(candidate uint64) bool

	// CanBeCalibrated reports whether Calibrate can recompute this
	// rule's cap from historical data.
	CanBeCalibrated() bool

	// Calibrate recomputes the rule's cap. Only called when
	// CanBeCalibrated is true.
	Calibrate(ctx context.Context) error

	// Enabled/SetEnabled implement the calibration-fallback toggle: a
	// disabled rule is treated as always satisfied until re-enabled by
	// a successful Calibrate.
	Enabled() bool
	SetEnabled(enabled bool)
}

// disabledState is embedded by every rule variant to provide the shared
// enable/disable toggle without repeating the atomic bookkeeping.
type disabledState struct {
	disabled atomic.Bool
}

func (d *disabledState) Enabled() bool       { return !d.disabled.Load() }
func (d *disabledState) SetEnabled(e bool)   { d.disabled.Store(!e) }

// MaxSizeRule is a static byte cap. NewMaxSizeRule's hardLimitMultiplier,
// when positive, supplements an unspecified Hard tier by scaling Soft up,
// mirroring the
// teacher's maxSizeHardLimit headroom so asynchronous eviction can catch
// up before new reservations are refused outright.
type MaxSizeRule struct {
	disabledState
	quota Quota
}

// NewMaxSizeRule builds a MaxSizeRule from an explicit three-tier Quota.
// If q.Hard is zero, it defaults to q.Soft scaled by hardLimitMultiplier
// (1.0 if hardLimitMultiplier is <= 0, i.e. no headroom).
func NewMaxSizeRule(q Quota, hardLimitMultiplier float64) *MaxSizeRule {
	if q.Hard == 0 {
		mult := hardLimitMultiplier
		if mult <= 0 {
			mult = 1.0
		}
		q.Hard = uint64(float64(q.Soft) * mult)
	}
	return &MaxSizeRule{quota: q}
}

func (r *MaxSizeRule) Name() string { return "MaxSize" }

func (r *MaxSizeRule) IsInsideTargetLimit(candidate uint64) bool {
	return !r.Enabled() || candidate <= r.quota.Target
}
func (r *MaxSizeRule) IsInsideSoftLimit(candidate uint64) bool {
	return !r.Enabled() || candidate <= r.quota.Soft
}
func (r *MaxSizeRule) IsInsideHardLimit(candidate uint64) bool {
	return !r.Enabled() || candidate <= r.quota.Hard
}
func (r *MaxSizeRule) CanBeCalibrated() bool          { return false }
func (r *MaxSizeRule) Calibrate(context.Context) error { return nil }

// DiskFreePercentRule is a dynamic rule reading free space from the
// underlying filesystem: crossing a tier means the store would leave less
// than the configured percentage of the volume free if the candidate size
// were accounted for.
type DiskFreePercentRule struct {
	disabledState
	fs              FileSystem
	path            string
	targetFreePct   float64
	softFreePct     float64
	hardFreePct     float64
}

// NewDiskFreePercentRule builds a DiskFreePercentRule. Percentages are
// expressed as 0-100; target >= soft >= hard is expected (the target tier
// is the most conservative, leaving the most headroom).
func NewDiskFreePercentRule(fs FileSystem, path string, targetFreePct, softFreePct, hardFreePct float64) *DiskFreePercentRule {
	return &DiskFreePercentRule{
		fs: fs, path: path,
		targetFreePct: targetFreePct, softFreePct: softFreePct, hardFreePct: hardFreePct,
	}
}

func (r *DiskFreePercentRule) Name() string { return "DiskFreePercent" }

// freePercentAfter computes the free-space percentage the volume would
// have if candidate additional bytes were consumed.
func (r *DiskFreePercentRule) freePercentAfter(candidate uint64) (float64, error) {
	total, free, err := r.fs.TotalAndFreeBytes(r.path)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("disk free percent rule: zero-sized volume at %s", r.path)
	}
	var remaining int64
	if candidate < free {
		remaining = int64(free - candidate)
	}
	return float64(remaining) / float64(total) * 100.0, nil
}

func (r *DiskFreePercentRule) IsInsideTargetLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	pct, err := r.freePercentAfter(candidate)
	return err == nil && pct >= r.targetFreePct
}
func (r *DiskFreePercentRule) IsInsideSoftLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	pct, err := r.freePercentAfter(candidate)
	return err == nil && pct >= r.softFreePct
}
func (r *DiskFreePercentRule) IsInsideHardLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	pct, err := r.freePercentAfter(candidate)
	return err == nil && pct >= r.hardFreePct
}
func (r *DiskFreePercentRule) CanBeCalibrated() bool           { return false }
func (r *DiskFreePercentRule) Calibrate(context.Context) error { return nil }

// ElasticRule adjusts its own cap from pin-size history. It is the only
// rule variant with CanBeCalibrated() == true, and may be temporarily
// disabled by the keeper's calibration fallback when it is the sole
// obstacle to an otherwise-satisfiable reservation.
type ElasticRule struct {
	disabledState
	history PinSizeHistory

	mu     sync.Mutex
	target uint64
	soft   uint64
	hard   uint64
}

// NewElasticRule builds an ElasticRule with an initial size (mirroring
// QuotaKeeperConfiguration's initial_elastic_size) and a history source
// used by Calibrate to recompute the cap.
func NewElasticRule(history PinSizeHistory, initialSize uint64) *ElasticRule {
	return &ElasticRule{
		history: history,
		target:  initialSize,
		soft:    initialSize,
		hard:    initialSize,
	}
}

func (r *ElasticRule) Name() string { return "Elastic" }

func (r *ElasticRule) snapshot() (target, soft, hard uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.soft, r.hard
}

func (r *ElasticRule) IsInsideTargetLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	target, _, _ := r.snapshot()
	return candidate <= target
}
func (r *ElasticRule) IsInsideSoftLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	_, soft, _ := r.snapshot()
	return candidate <= soft
}
func (r *ElasticRule) IsInsideHardLimit(candidate uint64) bool {
	if !r.Enabled() {
		return true
	}
	_, _, hard := r.snapshot()
	return candidate <= hard
}

func (r *ElasticRule) CanBeCalibrated() bool { return true }

// Calibrate reads pin-size history and recomputes the cap as a multiple of
// the observed maximum pinned size, then re-enables the rule. With an
// empty history it returns nil and changes neither the cap nor whether
// the rule is enabled. It is the
// mechanism referenced by the calibration-fallback open question: a rule
// disabled after overshoot is expected to raise its cap here.
func (r *ElasticRule) Calibrate(ctx context.Context) error {
	sizes, err := r.history.ReadHistory()
	if err != nil {
		return err
	}
	if len(sizes) == 0 {
		return nil
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	observedMax := sizes[len(sizes)-1]

	r.mu.Lock()
	r.target = observedMax * 2
	r.soft = observedMax * 3
	r.hard = observedMax * 4
	r.mu.Unlock()

	r.SetEnabled(true)
	return nil
}
