package service

import (
	"os"

	"github.com/srediag/shm-exec/internal/logger"
	"github.com/srediag/shm-exec/pkg/shm"
)

// Resources is the process-wide state every Compute context shares.
type Resources struct {
	segments *shm.SegmentCache
	log      *logger.Logger
}

// NewResources wraps the segment cache. A nil log writes to stdout.
func NewResources(segments *shm.SegmentCache, log *logger.Logger) *Resources {
	if log == nil {
		log = logger.New("service", os.Stdout)
	}
	return &Resources{segments: segments, log: log}
}

// Segments returns the external segment cache.
func (r *Resources) Segments() *shm.SegmentCache { return r.segments }

// Close releases every attached segment.
func (r *Resources) Close() error { return r.segments.Close() }
