package shm

import (
	"fmt"
	"unsafe"
)

// noCopy lets go vet's copylocks check flag accidental Descriptor copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Descriptor is a read/write view of [offset, offset+length) inside one Segment.
// It owns a reference on the Segment for as long as it is open. Descriptors are
// handed out by SegmentCache.Acquire only, must not be copied, and move with Move.
type Descriptor struct {
	noCopy noCopy

	seg    *Segment
	offset uint64
	buf    []byte
}

func newDescriptor(seg *Segment, offset, length uint64) (*Descriptor, error) {
	size := seg.Size()
	if offset > size || length > size-offset {
		return nil, fmt.Errorf("%w: offset %d + length %d > segment %d size %d",
			ErrOutOfBounds, offset, length, seg.ID(), size)
	}
	return &Descriptor{
		seg:    seg,
		offset: offset,
		buf:    seg.mem[offset : offset+length : offset+length],
	}, nil
}

// Bytes returns the view. The slice aliases shared memory; it is nil once empty.
func (d *Descriptor) Bytes() []byte { return d.buf }

// Offset returns the view's start within the segment.
func (d *Descriptor) Offset() uint64 { return d.offset }

// Len returns the view length in bytes.
func (d *Descriptor) Len() int { return len(d.buf) }

// Segment returns the backing segment, or nil once empty.
func (d *Descriptor) Segment() *Segment { return d.seg }

// Empty reports whether the descriptor was moved from or closed.
func (d *Descriptor) Empty() bool { return d.seg == nil }

// Move transfers the view and its segment reference to a new Descriptor and
// leaves d empty.
func (d *Descriptor) Move() *Descriptor {
	out := &Descriptor{seg: d.seg, offset: d.offset, buf: d.buf}
	d.seg, d.offset, d.buf = nil, 0, nil
	return out
}

// Close drops the segment reference. It never detaches a segment the cache
// still holds. Closing an empty descriptor is a no-op.
func (d *Descriptor) Close() error {
	seg := d.seg
	if seg == nil {
		return nil
	}
	d.seg, d.offset, d.buf = nil, 0, nil
	return seg.release()
}

// Integer is the set of fixed-width integer types a view can be reinterpreted as.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Slice reinterprets the whole view as []T without copying. Trailing bytes that
// do not fill a whole element are not exposed.
func Slice[T Integer](d *Descriptor) ([]T, error) {
	if d.Empty() {
		return nil, ErrEmptyDescriptor
	}
	var zero T
	return CastBytes[T](d.buf, len(d.buf)/int(unsafe.Sizeof(zero)))
}

// SliceN reinterprets the first n elements of the view as []T without copying.
func SliceN[T Integer](d *Descriptor, n int) ([]T, error) {
	if d.Empty() {
		return nil, ErrEmptyDescriptor
	}
	return CastBytes[T](d.buf, n)
}

// CastBytes reinterprets the first n elements of b as []T without copying.
func CastBytes[T Integer](b []byte, n int) ([]T, error) {
	var zero T
	width := int(unsafe.Sizeof(zero))
	if n < 0 || n > len(b)/width {
		return nil, fmt.Errorf("%w: %d elements of %d bytes over %d bytes", ErrOutOfBounds, n, width, len(b))
	}
	if n == 0 {
		return []T{}, nil
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("%w: address %#x for %d-byte elements", ErrMisaligned, uintptr(p), width)
	}
	return unsafe.Slice((*T)(p), n), nil
}
