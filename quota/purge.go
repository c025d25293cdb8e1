package quota

import (
	"context"
	"time"

	"github.com/buchgr/quota-remote/utils/annotate"
)

// purgeResult is the purge-result structure named by the Tracing/metrics
// collaborator contract: evicted_files, current_content_size, and a
// merged description of whatever rule stopped the pass.
type purgeResult struct {
	evictedFiles       int
	evictionErrors     int
	currentContentSize uint64
	description        string
}

// maybeStartPurge starts the purge task if one is not already running,
// guarded by purge_lock so at most one is active at a time (invariant
// R2).
func (k *Keeper) maybeStartPurge() {
	k.purgeMu.Lock()
	if k.purging {
		k.purgeMu.Unlock()
		return
	}
	k.purging = true
	ctx, cancel := context.WithCancel(k.lifecycle.ShutdownStartedToken())
	k.purgeCancel = cancel
	k.purgeDone = make(chan struct{})
	k.purgeMu.Unlock()

	k.wg.Add(1)
	go k.runPurge(ctx)
}

func (k *Keeper) runPurge(ctx context.Context) {
	defer k.wg.Done()
	defer func() {
		k.purgeMu.Lock()
		k.purging = false
		close(k.purgeDone)
		k.purgeMu.Unlock()
	}()

	for {
		start := time.Now()
		result := k.runPurgePass(ctx)
		k.metrics.purgeCall.observe(time.Since(start))

		select {
		case <-ctx.Done():
			// Shutdown (or an explicit purge cancellation) fired while
			// this pass was running. Leave failing the queued waiters
			// to the shutdown path so the two don't race to complete
			// the same requests with different error kinds.
			return
		default:
		}

		if !k.continuePurging(result) {
			return
		}
	}
}

// runPurgePass retrieves an LRU-ordered snapshot and attempts to evict
// items from it one at a time, stopping early via shouldStopPurging.
func (k *Keeper) runPurgePass(ctx context.Context) purgeResult {
	list, err := k.store.LRUOrderedContentList(ctx)
	if err != nil {
		annotated := annotate.Err(ctx, "purge: list content", err)
		k.errorLog.Printf("%v", annotated)
		return purgeResult{currentContentSize: k.CurrentSize(), description: annotated.Error()}
	}

	result := purgeResult{currentContentSize: k.CurrentSize()}

	for _, entry := range list {
		stop, activeRule := k.shouldStopPurging(ctx)
		if stop {
			if activeRule != nil {
				result.description = "stopped at rule " + activeRule.Name()
			}
			break
		}

		if err := k.evictionSem.Acquire(ctx, 1); err != nil {
			break
		}
		evicted, size, err := k.store.Evict(ctx, entry.Hash, false)
		k.evictionSem.Release(1)
		if err != nil {
			k.errorLog.Printf("purge: evict %s: %v", entry.Hash, err)
			k.metrics.evictionFailuresTotal.Inc()
			result.evictionErrors++
			result.description = err.Error()
			continue
		}
		if evicted {
			result.evictedFiles++
			k.OnContentEvicted(size)
		}
	}

	result.currentContentSize = k.CurrentSize()
	return result
}

// shouldStopPurging implements §4.2.4 step 5: stop when cancellation is
// requested, or when every rule reports is_inside_target_limit == true.
// Rules are checked in order; the first not-inside-target rule becomes
// active_rule.
func (k *Keeper) shouldStopPurging(ctx context.Context) (bool, Rule) {
	select {
	case <-ctx.Done():
		return true, nil
	default:
	}

	candidate := k.candidateTotal()
	for _, r := range k.rules {
		if !r.IsInsideTargetLimit(candidate) {
			return false, r
		}
	}
	return true, nil
}

// continuePurging implements §4.2.4 step 4. It reports whether another
// pass should run.
func (k *Keeper) continuePurging(result purgeResult) bool {
	if result.evictedFiles == 0 {
		if result.evictionErrors > 0 {
			// The purger had content to evict and attempted to, but the
			// store itself rejected every attempt: a genuine failure to
			// free space, distinct from every rule simply being at its
			// limit.
			k.failAllEvictionWaiters(evictionFailedErr("failed to evict: " + result.description))
			return false
		}

		ok, description := k.calibrationFallback()
		if !ok {
			// Some above-hard-limit rule cannot be calibrated down any
			// further: the quota as configured cannot be satisfied, not
			// merely that this pass failed to evict anything.
			k.failAllEvictionWaiters(unsatisfiableErr(description))
			return false
		}
		// Rules blocking progress were disabled; re-walk the queue now
		// that they're out of the way.
		k.drainEvictionQueue()
	}

	k.evictionMu.Lock()
	empty := len(k.evictionQueue) == 0
	k.evictionMu.Unlock()

	return !empty
}
