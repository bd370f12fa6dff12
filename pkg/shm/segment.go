package shm

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/shm-exec/internal/shm"
)

// Attacher maps an externally allocated segment into the process and unmaps it again.
type Attacher interface {
	Attach(ctx context.Context, id uint64) ([]byte, error)
	Detach(id uint64, mem []byte) error
}

// SysVAttacher attaches kernel System V segments with shmat/shmdt.
type SysVAttacher struct {
	ReadOnly bool
}

// Attach implements Attacher.
func (a SysVAttacher) Attach(ctx context.Context, id uint64) ([]byte, error) {
	if id > math.MaxInt32 {
		return nil, fmt.Errorf("shm id %d does not fit a kernel identifier", id)
	}
	region, err := internalshm.AttachRegion(ctx, internalshm.AttachOptions{ID: int(id), ReadOnly: a.ReadOnly})
	if err != nil {
		return nil, err
	}
	return region.Addr, nil
}

// Detach implements Attacher.
func (a SysVAttacher) Detach(id uint64, mem []byte) error {
	return internalshm.DetachRegion(&internalshm.MappedRegion{ID: int(id), Addr: mem})
}

// Segment is one attached external region. It is reference counted: the cache
// entry holds one reference and every Descriptor holds one more. The region is
// detached when the count drops to zero.
type Segment struct {
	id     uint64
	mem    []byte
	refs   atomic.Int64
	live   atomic.Bool
	detach func(*Segment) error
}

func newSegment(id uint64, mem []byte, detach func(*Segment) error) *Segment {
	s := &Segment{id: id, mem: mem, detach: detach}
	s.refs.Store(1)
	s.live.Store(true)
	return s
}

// ID returns the external identifier the segment was attached from.
func (s *Segment) ID() uint64 { return s.id }

// Size returns the attached length in bytes.
func (s *Segment) Size() uint64 { return uint64(len(s.mem)) }

// Base returns the address the segment is mapped at, or 0 once detached.
func (s *Segment) Base() uintptr {
	if !s.live.Load() || len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Live reports whether the segment is still attached.
func (s *Segment) Live() bool { return s.live.Load() }

// Refs returns the current reference count.
func (s *Segment) Refs() int64 { return s.refs.Load() }

// retain takes a reference unless the segment already dropped to zero.
func (s *Segment) retain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and detaches on the last one.
func (s *Segment) release() error {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("shm: segment %d reference count went negative", s.id))
	}
	if n > 0 {
		return nil
	}
	s.live.Store(false)
	if s.detach == nil {
		return nil
	}
	return s.detach(s)
}
