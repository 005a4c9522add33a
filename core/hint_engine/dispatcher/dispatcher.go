// Package dispatcher is the inbound face of the NVMe hint engine. Buffer pool
// code calls NotifyClean, NotifyDirty and NotifyEvicted on its hot paths; the
// calls only enqueue. A fixed pool of workers drains the queue, resolves each
// page to its device sector through the sector cache and sends one Dataset
// Management lifecycle hint per resolved range.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	extentresolver "github.com/sushant-115/nvmehint/core/hint_engine/extent_resolver"
	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	nvmedevice "github.com/sushant-115/nvmehint/core/hint_engine/nvme_device"
	"github.com/sushant-115/nvmehint/core/hint_engine/reclaim"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
	internaltelemetry "github.com/sushant-115/nvmehint/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"

// ErrStopped is returned by Initialize once the dispatcher has shut down.
var ErrStopped = errors.New("hint dispatcher has been shut down")

type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Drop reasons reported through metrics.
const (
	dropNotResident = "not_resident"
	dropStopped     = "stopped"
	dropNoDevice    = "no_device"
)

// Options carries the collaborators of a Dispatcher. Zero values select the
// production implementations.
type Options struct {
	Resolver extentresolver.PathResolver
	Opener   nvmedevice.Opener
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  *internaltelemetry.HintMetrics
}

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	Submitted uint64 // accepted onto a queue
	Dropped   uint64 // rejected at submit or orphaned by dead workers
	Issued    uint64 // device commands that succeeded
	Failed    uint64 // device commands that returned an error
	Skipped   uint64 // requests that never reached the device: unknown sector or unencodable range
	QueueLen  int
	Cache     sectorcache.Stats
}

// Dispatcher owns the hint queue, the worker pool, the sector cache and the
// reclaim aggregator. It is safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	locator   hinttypes.PageLocator
	cache     *sectorcache.MappingCache
	opener    nvmedevice.Opener
	reclaim   *reclaim.Aggregator
	limiter   *rate.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *internaltelemetry.HintMetrics
	sessionID string

	enabled atomic.Bool
	state   atomic.Int32

	lifecycleMu sync.Mutex
	queues      []*hintQueue
	wg          sync.WaitGroup

	submitted atomic.Uint64
	dropped   atomic.Uint64
	issued    atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New builds a stopped dispatcher. Initialize starts the workers.
func New(cfg Config, locator hinttypes.PageLocator, opts Options) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if locator == nil {
		return nil, fmt.Errorf("%w: page locator is required", ErrInvalidConfig)
	}
	if opts.Resolver == nil {
		opts.Resolver = extentresolver.NewFiemapResolver()
	}
	if opts.Opener == nil {
		opts.Opener = cfg.Opener()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	sessionID := uuid.NewString()
	logger := opts.Logger.Named("hint_dispatcher").With(zap.String("session", sessionID))

	cacheOpts := sectorcache.Options{
		SectorSize: cfg.SectorSize,
		Policy:     cfg.ExtentPolicy,
		Logger:     logger,
	}
	if opts.Metrics != nil {
		cacheOpts.Metrics = opts.Metrics
	}
	cache, err := sectorcache.New(opts.Resolver, locator, cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sector cache: %w", err)
	}

	d := &Dispatcher{
		cfg:       cfg,
		locator:   locator,
		cache:     cache,
		opener:    opts.Opener,
		reclaim:   reclaim.NewAggregator(),
		logger:    logger,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		sessionID: sessionID,
	}
	if cfg.MaxHintsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxHintsPerSecond), cfg.Workers)
	}
	d.enabled.Store(cfg.Enabled)
	return d, nil
}

// Initialize clears the sector cache and starts the worker pool. Calling it
// on a running dispatcher is a no-op; a shut down dispatcher cannot be
// restarted.
func (d *Dispatcher) Initialize() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	switch state(d.state.Load()) {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	d.cache.ClearAll()

	if d.cfg.PartitionByPage {
		d.queues = make([]*hintQueue, d.cfg.Workers)
		for i := range d.queues {
			d.queues[i] = newHintQueue(1)
		}
	} else {
		d.queues = []*hintQueue{newHintQueue(d.cfg.Workers)}
	}

	d.state.Store(int32(stateRunning))
	for i := 0; i < d.cfg.Workers; i++ {
		q := d.queues[0]
		if d.cfg.PartitionByPage {
			q = d.queues[i]
		}
		d.wg.Add(1)
		go d.runWorker(i, q)
	}

	d.logger.Info("Hint dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Bool("partitioned", d.cfg.PartitionByPage),
		zap.String("extentPolicy", string(d.cfg.ExtentPolicy)),
		zap.Bool("enabled", d.enabled.Load()))
	return nil
}

// Shutdown stops accepting hints, lets the workers drain what is already
// queued, waits for them and clears the sector cache. It is idempotent.
func (d *Dispatcher) Shutdown() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if state(d.state.Load()) != stateRunning {
		return
	}
	d.logger.Info("Stopping hint dispatcher...", zap.Int("queued", queuesLen(d.queues)))
	d.state.Store(int32(stateStopped))
	for _, q := range d.queues {
		q.close()
	}
	d.wg.Wait()
	d.cache.ClearAll()

	s := d.stats(0)
	d.logger.Info("Hint dispatcher stopped",
		zap.Uint64("submitted", s.Submitted),
		zap.Uint64("issued", s.Issued),
		zap.Uint64("failed", s.Failed),
		zap.Uint64("skipped", s.Skipped),
		zap.Uint64("dropped", s.Dropped))
}

// NotifyClean queues a CLEAN hint for page. It never blocks.
func (d *Dispatcher) NotifyClean(page hinttypes.PageHandle) {
	d.submit(page, hinttypes.LifecycleClean)
}

// NotifyDirty queues a DIRTY hint for page. It never blocks.
func (d *Dispatcher) NotifyDirty(page hinttypes.PageHandle) {
	d.submit(page, hinttypes.LifecycleDirty)
}

// NotifyEvicted queues an EVICTED hint for page. Call it while page is
// still located.
func (d *Dispatcher) NotifyEvicted(page hinttypes.PageHandle) {
	d.submit(page, hinttypes.LifecycleEvicted)
}

// InvalidateMapping drops the cached sector of page. The buffer pool calls it
// after the page stops being located and before the handle can name a
// different page. It works in every state.
func (d *Dispatcher) InvalidateMapping(page hinttypes.PageHandle) {
	d.cache.Invalidate(page)
}

// SetEnabled turns submission on or off. Queued hints are still sent.
func (d *Dispatcher) SetEnabled(enabled bool) {
	if d.enabled.Swap(enabled) != enabled {
		d.logger.Info("Hint dispatch toggled", zap.Bool("enabled", enabled))
	}
}

func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }

// NextReclaimBatch returns the sectors of pages evicted since the previous
// call.
func (d *Dispatcher) NextReclaimBatch() reclaim.Batch {
	batch := d.reclaim.NextBatch()
	d.metrics.ReclaimBatch(context.Background(), batch.PageCount)
	return batch
}

// Cache exposes the sector cache for inspection tools.
func (d *Dispatcher) Cache() *sectorcache.MappingCache { return d.cache }

func (d *Dispatcher) SessionID() string { return d.sessionID }

// QueueLen is the number of hints waiting for a worker.
func (d *Dispatcher) QueueLen() int {
	d.lifecycleMu.Lock()
	queues := d.queues
	d.lifecycleMu.Unlock()
	return queuesLen(queues)
}

func queuesLen(queues []*hintQueue) int {
	n := 0
	for _, q := range queues {
		n += q.len()
	}
	return n
}

// Stats returns the dispatcher counters and the sector cache stats.
func (d *Dispatcher) Stats() Stats {
	return d.stats(d.QueueLen())
}

func (d *Dispatcher) stats(queueLen int) Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Dropped:   d.dropped.Load(),
		Issued:    d.issued.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
		QueueLen:  queueLen,
		Cache:     d.cache.Stats(),
	}
}

// submit never blocks on the device or the filesystem. The enable switch is
// checked before anything else.
func (d *Dispatcher) submit(page hinttypes.PageHandle, flag hinttypes.Lifecycle) {
	if !d.enabled.Load() {
		return
	}
	if state(d.state.Load()) != stateRunning {
		return
	}
	ctx := context.Background()

	if page == hinttypes.InvalidPageHandle {
		d.drop(ctx, flag, dropNotResident)
		return
	}
	loc, ok := d.locator.Locate(page)
	if !ok || !loc.Valid() {
		d.drop(ctx, flag, dropNotResident)
		return
	}

	req := hintRequest{page: page, flag: flag, loc: loc}
	if flag == hinttypes.LifecycleEvicted {
		if m, ok := d.cache.Lookup(page); ok {
			req.mapping = &m
		}
	}

	if !d.queueFor(page).push(req) {
		d.drop(ctx, flag, dropStopped)
		return
	}
	d.submitted.Add(1)
	d.metrics.Submitted(ctx, flag.String())
}

// queueFor is only called while the dispatcher is running, after queues has
// been published by Initialize.
func (d *Dispatcher) queueFor(page hinttypes.PageHandle) *hintQueue {
	if len(d.queues) == 1 {
		return d.queues[0]
	}
	h := uint64(page) * 0x9E3779B97F4A7C15
	return d.queues[(h>>32)%uint64(len(d.queues))]
}

func (d *Dispatcher) drop(ctx context.Context, flag hinttypes.Lifecycle, reason string) {
	d.dropped.Add(1)
	d.metrics.Dropped(ctx, flag.String(), reason)
}

func (d *Dispatcher) runWorker(id int, q *hintQueue) {
	defer d.wg.Done()
	logger := d.logger.With(zap.Int("worker", id))

	dev, err := d.opener.Open()
	if err != nil {
		// Without a device this worker can do nothing useful. If it was the
		// last consumer of its queue, the queue stops accepting hints.
		logger.Warn("Hint worker could not open device, exiting", zap.Error(err))
		d.orphan(q.detach())
		return
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("Failed to close NVMe device", zap.Error(err))
		}
	}()
	logger.Debug("Hint worker started")

	for {
		req, ok := q.pop()
		if !ok {
			if q.isClosed() {
				break
			}
			q.wait()
			continue
		}
		d.metrics.Dequeued(context.Background())
		d.dispatch(logger, dev, req)
	}
	d.orphan(q.detach())
	logger.Debug("Hint worker exited")
}

func (d *Dispatcher) orphan(reqs []hintRequest) {
	ctx := context.Background()
	for _, req := range reqs {
		d.metrics.Dequeued(ctx)
		d.drop(ctx, req.flag, dropNoDevice)
	}
	if len(reqs) > 0 {
		d.logger.Warn("Dropped queued hints with no worker left", zap.Int("count", len(reqs)))
	}
}

func (d *Dispatcher) dispatch(logger *zap.Logger, dev nvmedevice.Device, req hintRequest) {
	flag := req.flag.String()
	ctx, span := d.tracer.Start(context.Background(), "nvmehint.dispatch",
		trace.WithAttributes(
			attribute.Int64("page", int64(req.page)),
			attribute.String("flag", flag),
			attribute.String("session", d.sessionID),
		))
	defer span.End()

	m, ok := d.resolve(req)
	if !ok {
		d.skipped.Add(1)
		d.metrics.Skipped(ctx, flag)
		span.SetStatus(codes.Error, "sector unknown")
		logger.Debug("Skipping hint for unresolved page",
			zap.Uint64("page", uint64(req.page)),
			zap.String("flag", flag))
		return
	}
	span.SetAttributes(attribute.Int64("sector", int64(m.Sector)))

	if req.flag == hinttypes.LifecycleEvicted {
		d.reclaim.Record(m.Sector)
	} else {
		d.reclaim.Forget(m.Sector)
	}

	cmds, err := nvmedevice.CommandsFor(m.Ranges, d.cache.SectorSize(), req.flag)
	if err != nil {
		d.skipped.Add(1)
		d.metrics.Skipped(ctx, flag)
		span.RecordError(err)
		span.SetStatus(codes.Error, "command not built")
		logger.Warn("Failed to build NVMe hint command",
			zap.Uint64("page", uint64(req.page)),
			zap.Uint64("sector", uint64(m.Sector)),
			zap.Error(err))
		return
	}

	for _, cmd := range cmds {
		if d.limiter != nil {
			// Cannot fail: the context never ends and burst >= 1.
			_ = d.limiter.Wait(ctx)
		}
		start := time.Now()
		err := dev.SendHint(cmd)
		d.metrics.Command(ctx, flag, time.Since(start), err)
		if err != nil {
			d.failed.Add(1)
			span.RecordError(err)
			logger.Warn("NVMe lifecycle hint failed",
				zap.Uint64("page", uint64(req.page)),
				zap.Uint64("slba", cmd.SLBA),
				zap.Uint32("nlb", cmd.NLB),
				zap.String("flag", flag),
				zap.Error(err))
			continue
		}
		d.issued.Add(1)
		logger.Debug("NVMe lifecycle hint sent",
			zap.Uint64("page", uint64(req.page)),
			zap.Uint64("slba", cmd.SLBA),
			zap.Uint32("nlb", cmd.NLB),
			zap.String("flag", flag))
	}
}

// resolve maps a request to device ranges. CLEAN and DIRTY go through the
// cache. An evicted page uses the mapping captured at submit time, or is
// resolved without being cached since its handle is about to be retired.
func (d *Dispatcher) resolve(req hintRequest) (sectorcache.Mapping, bool) {
	if req.flag != hinttypes.LifecycleEvicted {
		return d.cache.ResolveAt(req.page, req.loc)
	}
	if req.mapping != nil {
		return *req.mapping, true
	}
	if m, ok := d.cache.Lookup(req.page); ok {
		return m, true
	}
	return d.cache.ResolveUncached(req.loc)
}
