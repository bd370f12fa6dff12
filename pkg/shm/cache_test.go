package shm

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shm-exec/internal/logger"
	"github.com/srediag/shm-exec/pkg/shm/shmtest"
)

type SegmentCacheTestSuite struct {
	suite.Suite
	attacher *shmtest.Attacher
	reg      *prometheus.Registry
	logs     *bytes.Buffer
	cache    *SegmentCache
	ctx      context.Context
}

func (s *SegmentCacheTestSuite) SetupTest() {
	s.attacher = shmtest.NewAttacher()
	s.reg = prometheus.NewRegistry()
	s.logs = &bytes.Buffer{}
	s.ctx = context.Background()
	s.cache = NewSegmentCache(CacheConfig{
		Attacher:   s.attacher,
		Registerer: s.reg,
		Logger:     logger.New("shm-test", &syncWriter{buf: s.logs}),
	})
}

func (s *SegmentCacheTestSuite) TearDownTest() {
	s.Require().NoError(s.cache.Close())
}

func (s *SegmentCacheTestSuite) counter(name string, labels map[string]string) float64 {
	families, err := s.reg.Gather()
	s.Require().NoError(err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func (s *SegmentCacheTestSuite) TestAcquireViewMatchesBackingBytes() {
	mem := s.attacher.Create(7, 64)
	for i := range mem {
		mem[i] = byte(i)
	}
	for _, r := range []struct{ off, n uint64 }{{0, 64}, {0, 0}, {64, 0}, {10, 20}, {63, 1}} {
		d, err := s.cache.Acquire(s.ctx, 7, r.off, r.n)
		s.Require().NoError(err)
		s.Require().Equal(mem[r.off:r.off+r.n], d.Bytes())
		s.Require().Equal(int(r.n), d.Len())
		s.Require().Equal(r.off, d.Offset())
		s.Require().NoError(d.Close())
	}
	s.Require().Equal(1, s.attacher.Attaches(7))

	d, err := s.cache.Acquire(s.ctx, 7, 8, 8)
	s.Require().NoError(err)
	d.Bytes()[0] = 0xFF
	s.Require().Equal(byte(0xFF), mem[8])
	s.Require().NoError(d.Close())
	s.Require().Equal(float64(6), s.counter("shmexec_segment_acquire_total", map[string]string{"result": "ok"}))
}

func (s *SegmentCacheTestSuite) TestAcquireOutOfBoundsLeavesCacheUnchanged() {
	s.attacher.Create(3, 32)
	held, err := s.cache.Acquire(s.ctx, 3, 0, 16)
	s.Require().NoError(err)
	defer held.Close()
	seg := held.Segment()
	s.Require().Equal(int64(2), seg.Refs())

	for _, r := range []struct{ off, n uint64 }{{0, 33}, {16, 17}, {33, 0}, {math.MaxUint64, 2}, {1, math.MaxUint64}} {
		d, err := s.cache.Acquire(s.ctx, 3, r.off, r.n)
		s.Require().ErrorIs(err, ErrOutOfBounds)
		s.Require().Nil(d)
		s.Require().Equal(1, s.cache.Len())
		s.Require().Equal(int64(2), seg.Refs())
		s.Require().True(seg.Live())
	}
	s.Require().Equal(1, s.attacher.Attaches(3))
	s.Require().Equal(float64(5), s.counter("shmexec_segment_acquire_total", map[string]string{"result": "out_of_bounds"}))
}

func (s *SegmentCacheTestSuite) TestAcquireOutOfBoundsOnUnseenIDKeepsAttach() {
	s.attacher.Create(4, 16)
	_, err := s.cache.Acquire(s.ctx, 4, 8, 16)
	s.Require().ErrorIs(err, ErrOutOfBounds)
	s.Require().Equal(1, s.cache.Len())
	s.Require().Equal(0, s.attacher.Detaches(4))

	d, err := s.cache.Acquire(s.ctx, 4, 0, 16)
	s.Require().NoError(err)
	s.Require().NoError(d.Close())
	s.Require().Equal(1, s.attacher.Attaches(4))
}

func (s *SegmentCacheTestSuite) TestOutOfBoundsRacingValidAcquiresAttachOnce() {
	s.attacher.SetDelay(2 * time.Millisecond)
	for round := uint64(0); round < 50; round++ {
		id := 1000 + round
		s.attacher.Create(id, 64)

		const valid = 8
		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			descs = make([]*Descriptor, valid)
			errs  = make([]error, valid)
			bad   error
		)
		wg.Add(valid + 1)
		go func() {
			defer wg.Done()
			<-start
			_, bad = s.cache.Acquire(s.ctx, id, 0, 1000)
		}()
		for i := 0; i < valid; i++ {
			go func(i int) {
				defer wg.Done()
				<-start
				descs[i], errs[i] = s.cache.Acquire(s.ctx, id, 0, 8)
			}(i)
		}
		close(start)
		wg.Wait()

		s.Require().ErrorIs(bad, ErrOutOfBounds)
		s.Require().Equal(1, s.attacher.Attaches(id), "id %d", id)
		for i := 0; i < valid; i++ {
			s.Require().NoError(errs[i])
			s.Require().Same(descs[0].Segment(), descs[i].Segment())
			s.Require().NoError(descs[i].Close())
		}
	}
}

func (s *SegmentCacheTestSuite) TestAttachAfterCloseIsRefused() {
	s.attacher.Create(12, 16)
	s.Require().NoError(s.cache.Close())

	// An Acquire that passed the closed check before Close ran gets here with
	// an entry inserted after Close drained the map.
	e := &cacheEntry{}
	s.cache.entries.Set(12, e)
	seg, err := s.cache.resolve(s.ctx, 12, e)
	s.Require().ErrorIs(err, ErrCacheClosed)
	s.Require().Nil(seg)
	s.Require().Equal(0, s.attacher.Attaches(12))
	s.Require().Equal(0, s.cache.Len())

	_, err = s.cache.Acquire(s.ctx, 12, 0, 16)
	s.Require().ErrorIs(err, ErrCacheClosed)
	s.Require().Equal(float64(1), s.counter("shmexec_segment_acquire_total", map[string]string{"result": "closed"}))
}

func (s *SegmentCacheTestSuite) TestConcurrentAcquireAttachesOnce() {
	s.attacher.Create(11, 128)
	s.attacher.SetDelay(20 * time.Millisecond)

	const callers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		descs = make([]*Descriptor, callers)
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			descs[i], errs[i] = s.cache.Acquire(s.ctx, 11, uint64(i), 8)
		}(i)
	}
	close(start)
	wg.Wait()

	s.Require().Equal(1, s.attacher.Attaches(11))
	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Require().Same(descs[0].Segment(), descs[i].Segment())
	}
	s.Require().Equal(int64(callers+1), descs[0].Segment().Refs())
	for _, d := range descs {
		s.Require().NoError(d.Close())
	}
}

func (s *SegmentCacheTestSuite) TestReleaseUnmappedIsDiagnosticOnly() {
	s.Require().NotPanics(func() { s.cache.Release(99) })
	s.Require().Contains(s.logs.String(), "unmapped shm_id: 99")
	s.Require().Equal(float64(1), s.counter("shmexec_segment_release_total", map[string]string{"mapped": "false"}))
	s.Require().Equal(0, s.attacher.Attaches(99))
}

func (s *SegmentCacheTestSuite) TestReleaseThenAcquireReattaches() {
	mem := s.attacher.Create(7, 16)
	old, err := s.cache.Acquire(s.ctx, 7, 0, 16)
	s.Require().NoError(err)
	oldSeg := old.Segment()

	s.cache.Release(7)
	s.Require().Equal(0, s.cache.Len())
	s.Require().True(oldSeg.Live())
	s.Require().Equal(0, s.attacher.Detaches(7))

	fresh, err := s.cache.Acquire(s.ctx, 7, 0, 16)
	s.Require().NoError(err)
	s.Require().Equal(2, s.attacher.Attaches(7))
	s.Require().NotSame(oldSeg, fresh.Segment())
	s.Require().Same(oldSeg, old.Segment())

	// Both instances view the same external resource.
	old.Bytes()[3] = 0x5A
	s.Require().Equal(byte(0x5A), fresh.Bytes()[3])
	s.Require().Equal(byte(0x5A), mem[3])

	s.Require().NoError(old.Close())
	s.Require().False(oldSeg.Live())
	s.Require().Equal(1, s.attacher.Detaches(7))
	s.Require().True(fresh.Segment().Live())
	s.Require().NoError(fresh.Close())
}

func (s *SegmentCacheTestSuite) TestDescriptorCloseNeverDetachesCachedSegment() {
	s.attacher.Create(5, 8)
	d, err := s.cache.Acquire(s.ctx, 5, 0, 8)
	s.Require().NoError(err)
	seg := d.Segment()
	s.Require().NoError(d.Close())
	s.Require().True(seg.Live())
	s.Require().Equal(int64(1), seg.Refs())
	s.Require().Equal(0, s.attacher.Detaches(5))

	s.cache.Release(5)
	s.Require().False(seg.Live())
	s.Require().Equal(uintptr(0), seg.Base())
	s.Require().Equal(1, s.attacher.Detaches(5))
}

func (s *SegmentCacheTestSuite) TestAttachFailureCachesNothing() {
	s.attacher.Create(8, 8)
	boom := errors.New("EINVAL")
	s.attacher.Fail(8, boom)

	_, err := s.cache.Acquire(s.ctx, 8, 0, 8)
	s.Require().ErrorIs(err, ErrAttach)
	s.Require().ErrorIs(err, boom)
	s.Require().Equal(0, s.cache.Len())

	_, err = s.cache.Acquire(s.ctx, 404, 0, 8)
	s.Require().ErrorIs(err, ErrAttach)
	s.Require().ErrorIs(err, shmtest.ErrUnknownID)

	s.attacher.Fail(8, nil)
	d, err := s.cache.Acquire(s.ctx, 8, 0, 8)
	s.Require().NoError(err)
	s.Require().NoError(d.Close())
	s.Require().Equal(float64(2), s.counter("shmexec_segment_acquire_total", map[string]string{"result": "attach_failed"}))
}

func (s *SegmentCacheTestSuite) TestZeroSizeSegmentIsAttachFailure() {
	s.attacher.Create(12, 0)
	_, err := s.cache.Acquire(s.ctx, 12, 0, 0)
	s.Require().ErrorIs(err, ErrAttach)
	s.Require().Equal(0, s.cache.Len())
}

func (s *SegmentCacheTestSuite) TestConcurrentReleaseAndAcquire() {
	s.attacher.Create(21, 64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d, err := s.cache.Acquire(s.ctx, 21, 0, 64)
				if err != nil {
					s.T().Errorf("acquire: %v", err)
					return
				}
				if !d.Segment().Live() {
					s.T().Errorf("descriptor over a detached segment")
				}
				_ = d.Close()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.cache.Release(21)
			}
		}()
	}
	wg.Wait()
	s.cache.Release(21)
	s.Require().Equal(s.attacher.Attaches(21), s.attacher.Detaches(21))
}

func (s *SegmentCacheTestSuite) TestCloseReleasesEverything() {
	s.attacher.Create(1, 8)
	s.attacher.Create(2, 8)
	for _, id := range []uint64{1, 2} {
		d, err := s.cache.Acquire(s.ctx, id, 0, 8)
		s.Require().NoError(err)
		s.Require().NoError(d.Close())
	}
	s.Require().ElementsMatch([]uint64{1, 2}, s.cache.IDs())
	s.Require().NoError(s.cache.Close())
	s.Require().Equal(0, s.cache.Len())
	s.Require().Equal(1, s.attacher.Detaches(1))
	s.Require().Equal(1, s.attacher.Detaches(2))

	_, err := s.cache.Acquire(s.ctx, 1, 0, 8)
	s.Require().ErrorIs(err, ErrCacheClosed)
	s.Require().NoError(s.cache.Close())
}

func (s *SegmentCacheTestSuite) TestSharedRegistry() {
	other := NewSegmentCache(CacheConfig{Attacher: s.attacher, Registerer: s.reg})
	defer other.Close()
	s.attacher.Create(30, 8)
	d, err := other.Acquire(s.ctx, 30, 0, 8)
	s.Require().NoError(err)
	s.Require().NoError(d.Close())
	s.Require().Equal(float64(1), s.counter("shmexec_segment_attach_total", nil))
}

func TestSegmentCacheTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentCacheTestSuite))
}

// syncWriter guards a bytes.Buffer shared by concurrent loggers.
type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
