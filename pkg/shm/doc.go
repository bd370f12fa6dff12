// Package shm attaches externally allocated System V shared memory segments and
// hands out bounds-checked, zero-copy views into them.
//
// Segments are never allocated here. A third party creates them and passes the
// kernel shm id along with each request; the SegmentCache attaches a given id at
// most once and keeps it mapped until Release. Views are Descriptors: each one
// holds a reference on its Segment, so a released Segment stays mapped until its
// last Descriptor is closed.
//
// Example usage:
//
//	cache := shm.NewSegmentCache(shm.CacheConfig{})
//	d, err := cache.Acquire(ctx, shmID, 0, 16)
//	if err != nil {
//	  // errors.Is(err, shm.ErrOutOfBounds), errors.Is(err, shm.ErrAttach)
//	}
//	defer d.Close()
//	words, err := shm.Slice[uint64](d)
//
// The cache is instrumented with Prometheus collectors and OpenTelemetry (metric
// and trace, v1.30.0); both default to no-ops.
package shm
