package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shm-exec/internal/logger"
)

const instrumentationName = "github.com/srediag/shm-exec/pkg/shm"

// CacheConfig holds SegmentCache construction parameters. Every field is optional.
type CacheConfig struct {
	// Attacher defaults to SysVAttacher.
	Attacher   Attacher
	Registerer prometheus.Registerer
	Meter      metric.Meter
	Tracer     trace.Tracer
	Logger     *logger.Logger
}

// cacheEntry serialises the attach for one id. seg is nil until the first
// attach succeeds; err is sticky so waiters of a failed attach do not retry it.
type cacheEntry struct {
	mu       sync.Mutex
	seg      *Segment
	err      error
	released bool
}

// SegmentCache maps external segment ids to attached Segments. An id is
// attached lazily on its first Acquire and at most once until Release.
//
// The id map is sharded; the attach for an unseen id runs under that id's entry
// lock, so racing Acquires for the same id share one attach and one Segment.
type SegmentCache struct {
	attacher Attacher
	entries  cmap.ConcurrentMap[uint64, *cacheEntry]
	closed   atomic.Bool

	metrics       *cacheMetrics
	tracer        trace.Tracer
	attachCounter metric.Int64Counter
	log           *logger.Logger
}

func shardOf(id uint64) uint32 {
	return uint32(id ^ id>>32)
}

// NewSegmentCache builds an empty cache.
func NewSegmentCache(cfg CacheConfig) *SegmentCache {
	if cfg.Attacher == nil {
		cfg.Attacher = SysVAttacher{}
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("shm", os.Stdout)
	}
	counter, err := cfg.Meter.Int64Counter("shm.segment.attach",
		metric.WithDescription("Segments attached into the process."))
	if err != nil {
		cfg.Logger.Warnf("otel attach counter unavailable: %v", err)
		counter, _ = metricnoop.Meter{}.Int64Counter("shm.segment.attach")
	}
	return &SegmentCache{
		attacher:      cfg.Attacher,
		entries:       cmap.NewWithCustomShardingFunction[uint64, *cacheEntry](shardOf),
		metrics:       newCacheMetrics(cfg.Registerer),
		tracer:        cfg.Tracer,
		attachCounter: counter,
		log:           cfg.Logger,
	}
}

// Acquire resolves (attaching on first use) the segment for id and returns a
// Descriptor over [offset, offset+length). A range outside the segment fails
// with ErrOutOfBounds; the segment stays cached if this call attached it, so
// racing Acquires for the same id still share one attach. A failed attach
// fails with ErrAttach and caches nothing.
func (c *SegmentCache) Acquire(ctx context.Context, id, offset, length uint64) (*Descriptor, error) {
	if c.closed.Load() {
		c.metrics.acquires.WithLabelValues(resultClosed).Inc()
		return nil, ErrCacheClosed
	}
	seg, err := c.segment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCacheClosed) {
			c.metrics.acquires.WithLabelValues(resultClosed).Inc()
		} else {
			c.metrics.acquires.WithLabelValues(resultAttachError).Inc()
		}
		return nil, err
	}
	d, err := newDescriptor(seg, offset, length)
	if err != nil {
		c.metrics.acquires.WithLabelValues(resultOutOfBounds).Inc()
		_ = seg.release()
		return nil, err
	}
	c.metrics.acquires.WithLabelValues(resultOK).Inc()
	return d, nil
}

// segment returns the cached segment for id with one extra reference taken for
// the caller.
func (c *SegmentCache) segment(ctx context.Context, id uint64) (*Segment, error) {
	for {
		e := c.entries.Upsert(id, nil, func(exist bool, inMap, _ *cacheEntry) *cacheEntry {
			if exist {
				return inMap
			}
			return &cacheEntry{}
		})
		seg, err := c.resolve(ctx, id, e)
		if err != nil {
			return nil, err
		}
		if seg != nil {
			return seg, nil
		}
		// e was released between lookup and lock; look the id up again.
	}
}

func (c *SegmentCache) resolve(ctx context.Context, id uint64, e *cacheEntry) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, nil
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.seg == nil {
		// Close may have drained the map after this caller's Upsert.
		if c.closed.Load() {
			e.err = ErrCacheClosed
			c.unlink(id, e)
			return nil, ErrCacheClosed
		}
		seg, err := c.attach(ctx, id)
		if err != nil {
			e.err = err
			c.unlink(id, e)
			return nil, err
		}
		e.seg = seg
		c.metrics.cached.Inc()
	}
	if !e.seg.retain() {
		return nil, nil
	}
	return e.seg, nil
}

// unlink removes e if it is still the entry cached for id.
func (c *SegmentCache) unlink(id uint64, e *cacheEntry) bool {
	return c.entries.RemoveCb(id, func(_ uint64, v *cacheEntry, exists bool) bool {
		return exists && v == e
	})
}

func (c *SegmentCache) attach(ctx context.Context, id uint64) (*Segment, error) {
	ctx, span := c.tracer.Start(ctx, "shm.attach", trace.WithAttributes(attribute.Int64("shm.id", int64(id))))
	defer span.End()

	c.log.Infof("attaching to shm_id: %d", id)
	start := time.Now()
	mem, err := c.attacher.Attach(ctx, id)
	c.metrics.attachDur.Observe(time.Since(start).Seconds())
	if err == nil && len(mem) == 0 {
		err = fmt.Errorf("segment %d has zero size", id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach failed")
		c.log.Errorf("attach shm_id %d failed: %v", id, err)
		return nil, fmt.Errorf("%w: shm_id %d: %w", ErrAttach, id, err)
	}
	c.metrics.attaches.Inc()
	c.attachCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int64("shm.id", int64(id))))
	span.SetAttributes(attribute.Int("shm.size", len(mem)))
	return newSegment(id, mem, c.detach), nil
}

func (c *SegmentCache) detach(s *Segment) error {
	c.metrics.detaches.Inc()
	c.log.Debugf("detaching shm_id: %d", s.id)
	if err := c.attacher.Detach(s.id, s.mem); err != nil {
		c.log.Warnf("detach shm_id %d failed: %v", s.id, err)
		return err
	}
	return nil
}

// Release drops the cache entry for id. Descriptors already handed out keep the
// old segment attached until they are closed; the next Acquire attaches anew.
// Releasing an id that is not cached only logs a warning.
func (c *SegmentCache) Release(id uint64) {
	e, ok := c.entries.Pop(id)
	if !ok {
		c.metrics.releases.WithLabelValues("false").Inc()
		c.log.Warnf("attempting to release an unmapped shm_id: %d", id)
		return
	}
	c.metrics.releases.WithLabelValues("true").Inc()
	c.drop(id, e)
}

func (c *SegmentCache) drop(id uint64, e *cacheEntry) {
	e.mu.Lock()
	seg := e.seg
	e.seg = nil
	e.released = true
	e.mu.Unlock()
	if seg == nil {
		return
	}
	c.metrics.cached.Dec()
	if err := seg.release(); err != nil {
		c.log.Warnf("release shm_id %d: %v", id, err)
	}
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	return c.entries.Count()
}

// IDs returns the cached ids in no particular order.
func (c *SegmentCache) IDs() []uint64 {
	return c.entries.Keys()
}

// Close releases every cached segment and rejects further Acquires.
func (c *SegmentCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range c.entries.Keys() {
		if e, ok := c.entries.Pop(id); ok {
			c.drop(id, e)
		}
	}
	return nil
}
