// Package quota implements the QuotaKeeper: admission control for byte
// reservations against a content store, eviction scheduling, an LRU purge
// loop, and rule-based limit enforcement across hard/soft/target tiers.
package quota

import (
	"context"
	"fmt"
	"log"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buchgr/quota-remote/lifecycle"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Keeper is the QuotaKeeper: the single owner of all_content_size,
// requested_size, and reserved_size, the reserve_queue consumer, and the
// purge task supervisor.
type Keeper struct {
	rules []Rule
	store ContentStore

	lifecycle *lifecycle.State

	allContentSize atomic.Uint64
	requestedSize  atomic.Uint64
	reservedSize   atomic.Uint64
	peakSize       atomic.Uint64

	reserveQueueCap int
	reserveQueue    chan *request

	evictionMu    sync.Mutex
	evictionQueue []*request

	purgeMu      sync.Mutex
	purging      bool
	purgeDone    chan struct{}
	purgeCancel  context.CancelFunc
	evictionSem  *semaphore.Weighted

	wg sync.WaitGroup

	infoLog  *log.Logger
	errorLog *log.Logger
	metrics  *metrics
}

// New constructs a Keeper with the given rules (evaluated in order; at
// least one is required) backed by store. Rules without at least one
// entry are rejected, matching "configurations without rules are
// rejected at construction".
func New(store ContentStore, rules []Rule, opts ...Option) (*Keeper, error) {
	if store == nil {
		return nil, fmt.Errorf("quota.New: store must not be nil")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("quota.New: at least one rule must be configured")
	}

	k := &Keeper{
		rules:           rules,
		store:           store,
		lifecycle:       lifecycle.New("quota.Keeper", false),
		reserveQueueCap: 1024,
		infoLog:         log.New(io.Discard, "", 0),
		errorLog:        log.New(io.Discard, "", 0),
		metrics:         newMetrics(nil),
		evictionSem:     semaphore.NewWeighted(4),
	}

	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}

	k.reserveQueue = make(chan *request, k.reserveQueueCap)

	return k, nil
}

// Start begins the reserve-processor task. It is idempotent: only the
// first call spawns the goroutine.
func (k *Keeper) Start() error {
	return k.lifecycle.Startup(func() error {
		k.wg.Add(1)
		go k.runProcessor()
		return nil
	})
}

// Shutdown runs the shutdown sequence from the spec: fire the
// shutdown-started token, stop accepting new reserve_queue writes, await
// the processor and purge tasks, then fail anything left unresolved.
func (k *Keeper) Shutdown(ctx context.Context) error {
	return k.lifecycle.Shutdown(func() error {
		done := make(chan struct{})
		go func() {
			k.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		k.failAllEvictionWaiters(shutdownErr())
		return nil
	})
}

// ShutdownStartedToken exposes the lifecycle cancellation signal fired
// when shutdown begins.
func (k *Keeper) ShutdownStartedToken() context.Context {
	return k.lifecycle.ShutdownStartedToken()
}

// CurrentSize returns all_content_size with relaxed-read semantics,
// intended for observability and as a rule input.
func (k *Keeper) CurrentSize() uint64 {
	return k.allContentSize.Load()
}

// PeakSize returns the largest candidate total size ever accounted,
// including in-flight reservations, supplementing the teacher's
// totalDiskSizePeak tracking.
func (k *Keeper) PeakSize() uint64 {
	return k.peakSize.Load()
}

// candidateTotal is "current size + pending reserve": the quantity every
// Rule predicate is evaluated against.
func (k *Keeper) candidateTotal() uint64 {
	return k.allContentSize.Load() + k.requestedSize.Load()
}

func (k *Keeper) recordPeak(candidate uint64) {
	for {
		cur := k.peakSize.Load()
		if candidate <= cur {
			return
		}
		if k.peakSize.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

func (k *Keeper) publishGauges() {
	k.metrics.currentSize.Set(float64(k.allContentSize.Load()))
	k.metrics.requestedSize.Set(float64(k.requestedSize.Load()))
	k.metrics.reservedSize.Set(float64(k.reservedSize.Load()))
	k.metrics.peakSize.Set(float64(k.peakSize.Load()))
}

// isAboveHardLimit evaluates the ordered rule list against candidate,
// returning the first rule whose hard-limit check fails.
func (k *Keeper) isAboveHardLimit(candidate uint64) (bool, Rule) {
	for _, r := range k.rules {
		if !r.IsInsideHardLimit(candidate) {
			return true, r
		}
	}
	return false, nil
}

func (k *Keeper) isAboveSoftLimit(candidate uint64) (bool, Rule) {
	for _, r := range k.rules {
		if !r.IsInsideSoftLimit(candidate) {
			return true, r
		}
	}
	return false, nil
}

// Reserve increments requested_size and enqueues a Reserve request,
// returning once the keeper has either confirmed the reservation fits
// within current limits or evicted enough content to make room.
func (k *Keeper) Reserve(ctx context.Context, size uint64) (*Reservation, error) {
	if err := k.lifecycle.Guard(); err != nil {
		return nil, shutdownErr()
	}

	res := &Reservation{ID: uuid.New(), Size: size, keeper: k}

	if size == 0 {
		// A reservation of size 0 succeeds immediately and affects no
		// counter.
		return res, nil
	}

	k.requestedSize.Add(size)
	k.recordPeak(k.candidateTotal())
	k.publishGauges()

	req := newRequest(reqReserve)
	req.size = size
	req.reservation = res

	token := k.lifecycle.ShutdownStartedToken()

	select {
	case k.reserveQueue <- req:
	case <-token.Done():
		k.requestedSize.Add(^(size - 1)) // -size
		return nil, shutdownErr()
	case <-ctx.Done():
		k.requestedSize.Add(^(size - 1))
		return nil, ctx.Err()
	}

	select {
	case err := <-req.done:
		if err != nil {
			return nil, err
		}
		return res, nil
	case <-token.Done():
		return nil, shutdownErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Calibrate enqueues a Calibrate request for every calibratable rule and
// returns once it has been processed.
func (k *Keeper) Calibrate(ctx context.Context) error {
	return k.enqueueAndWait(ctx, reqCalibrate)
}

// Sync enqueues either a Synchronize fence or, if purge is true, a Purge
// request that also forces a purge pass, and waits for it to be
// processed.
func (k *Keeper) Sync(ctx context.Context, purge bool) error {
	kind := reqSynchronize
	if purge {
		kind = reqPurge
	}
	return k.enqueueAndWait(ctx, kind)
}

func (k *Keeper) enqueueAndWait(ctx context.Context, kind requestKind) error {
	if err := k.lifecycle.Guard(); err != nil {
		return shutdownErr()
	}
	req := newRequest(kind)
	token := k.lifecycle.ShutdownStartedToken()

	select {
	case k.reserveQueue <- req:
	case <-token.Done():
		return shutdownErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-token.Done():
		return shutdownErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnContentEvicted is called by the ContentStore after each successful
// eviction. It decrements all_content_size and walks eviction_queue,
// releasing as many head reservations as the freed bytes allow.
func (k *Keeper) OnContentEvicted(physicalSize uint64) {
	for {
		cur := k.allContentSize.Load()
		var next uint64
		if physicalSize < cur {
			next = cur - physicalSize
		}
		if k.allContentSize.CompareAndSwap(cur, next) {
			break
		}
	}
	k.metrics.evictionsTotal.Inc()
	k.drainEvictionQueue()
	k.publishGauges()
}

// drainEvictionQueue implements §4.2.3 step 2: under the eviction lock,
// speculatively promise reserved_size to the queue's head and either
// dequeue-and-complete it or stop and wait for the next eviction.
func (k *Keeper) drainEvictionQueue() {
	k.evictionMu.Lock()
	defer k.evictionMu.Unlock()

	for len(k.evictionQueue) > 0 {
		head := k.evictionQueue[0]

		speculative := k.reservedSize.Add(head.size)
		// The candidate here is all_content_size plus the reserved-from-
		// eviction pool alone, not requested_size: every head in
		// eviction_queue already contributes to requested_size (added
		// back in Reserve before enqueueing) and stays there until its
		// owner commits, so folding requested_size in here would count
		// the same bytes twice and never let the queue drain.
		candidate := k.allContentSize.Load() + speculative
		if above, _ := k.isAboveHardLimit(candidate); above {
			// Undo the speculative increment; stop until the next
			// eviction arrives.
			k.reservedSize.Add(^(head.size - 1))
			return
		}

		k.evictionQueue = k.evictionQueue[1:]
		head.reservation.mu.Lock()
		head.reservation.reservedFromEviction = true
		head.reservation.mu.Unlock()

		// No further hard-limit re-check here: candidate above already
		// proved all_content_size+reserved_size is safe under the lock,
		// and candidateTotal() (all_content_size+requested_size) isn't the
		// right quantity to re-check against -- requested_size still
		// includes this and every other still-queued reservation's size,
		// so it would fail this release almost every time.
		head.complete(nil)
	}
}

func (k *Keeper) runProcessor() {
	defer k.wg.Done()
	token := k.lifecycle.ShutdownStartedToken()

	for {
		select {
		case <-token.Done():
			k.drainReserveQueue()
			return
		case req, ok := <-k.reserveQueue:
			if !ok {
				return
			}
			k.handleRequest(req)
		}
	}
}

// drainReserveQueue fails every request still sitting in reserve_queue
// once shutdown has begun, without blocking on further sends.
func (k *Keeper) drainReserveQueue() {
	for {
		select {
		case req := <-k.reserveQueue:
			req.complete(shutdownErr())
		default:
			return
		}
	}
}

func (k *Keeper) handleRequest(req *request) {
	start := time.Now()
	defer func() { k.metrics.processQuotaRequest.observe(time.Since(start)) }()

	switch req.kind {
	case reqReserve:
		k.handleReserve(req)
	case reqPurge:
		k.maybeStartPurge()
		req.complete(nil)
	case reqCalibrate:
		req.complete(k.runCalibrate(context.Background()))
	case reqSynchronize:
		req.complete(nil)
	}
}

func (k *Keeper) handleReserve(req *request) {
	candidate := k.candidateTotal()

	above, _ := k.isAboveHardLimit(candidate)
	if above {
		// §4.2.1 step 2: hand off to eviction_queue. This does not
		// block the processor loop; completion arrives asynchronously
		// via OnContentEvicted or the no-progress purge failure path.
		k.evictionMu.Lock()
		k.evictionQueue = append(k.evictionQueue, req)
		k.metrics.evictionQueue.Set(float64(len(k.evictionQueue)))
		k.evictionMu.Unlock()

		k.maybeStartPurge()
		return
	}

	softAbove, _ := k.isAboveSoftLimit(candidate)
	if softAbove {
		k.maybeStartPurge()
	}

	// Below hard limit: complete immediately with success. Re-check the
	// invariant defensively, per §4.2.1's closing paragraph.
	if above, rule := k.isAboveHardLimit(k.candidateTotal()); above {
		req.complete(aboveHardLimitErr(fmt.Sprintf("still above hard limit for rule %s after immediate success", rule.Name())))
		return
	}
	req.complete(nil)
}

// commit transfers Size bytes from requested_size to all_content_size,
// and releases the reserved_size promise if this reservation was
// satisfied via eviction. commit() happens-before any visibility of the
// committed bytes in CurrentSize().
func (k *Keeper) commit(r *Reservation) error {
	if r.Size == 0 {
		return nil
	}
	k.requestedSize.Add(^(r.Size - 1))
	k.allContentSize.Add(r.Size)
	if r.ReservedFromEviction() {
		k.reservedSize.Add(^(r.Size - 1))
	}
	k.publishGauges()
	return nil
}

// rollback decrements requested_size, and if the reservation had been
// satisfied via eviction, also decrements reserved_size. This is the
// required resolution to the spec's rollback/eviction open question.
func (k *Keeper) rollback(r *Reservation) error {
	if r.Size == 0 {
		return nil
	}
	k.requestedSize.Add(^(r.Size - 1))
	if r.ReservedFromEviction() {
		k.reservedSize.Add(^(r.Size - 1))
	}
	k.publishGauges()
	return nil
}

// failAllEvictionWaiters fails and drains the entire eviction_queue with
// err. Used both by the no-progress purge path and by shutdown.
func (k *Keeper) failAllEvictionWaiters(err error) {
	k.evictionMu.Lock()
	queued := k.evictionQueue
	k.evictionQueue = nil
	k.evictionMu.Unlock()

	for _, req := range queued {
		req.complete(err)
	}
	k.metrics.evictionQueue.Set(0)
}

// calibrationFallback implements §4.2.2: when a purge pass evicts
// nothing, enumerate rules currently above hard limit. If any is not
// calibratable, report failure with a concatenated description. If all
// are calibratable, disable them (a later Calibrate re-enables them) and
// report success.
func (k *Keeper) calibrationFallback() (ok bool, description string) {
	candidate := k.candidateTotal() + k.reservedSize.Load()

	var nonCalibratable []string
	var toDisable []Rule

	for _, r := range k.rules {
		if r.IsInsideHardLimit(candidate) {
			continue
		}
		if !r.CanBeCalibrated() {
			nonCalibratable = append(nonCalibratable, r.Name())
			continue
		}
		toDisable = append(toDisable, r)
	}

	if len(nonCalibratable) > 0 {
		return false, "above hard limit and not calibratable: " + strings.Join(nonCalibratable, ", ")
	}

	for _, r := range toDisable {
		r.SetEnabled(false)
	}
	return true, ""
}

// runCalibrate asks every calibratable rule to recompute its cap.
func (k *Keeper) runCalibrate(ctx context.Context) error {
	var failures []string
	for _, r := range k.rules {
		if !r.CanBeCalibrated() {
			continue
		}
		if err := r.Calibrate(ctx); err != nil {
			failures = append(failures, r.Name()+": "+err.Error())
			k.errorLog.Printf("calibrate %s: %v", r.Name(), err)
		}
	}
	if len(failures) > 0 {
		return calibrationFailedErr("calibrate", strings.Join(failures, "; "))
	}
	return nil
}
