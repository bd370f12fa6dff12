// Package shm contains the platform-specific syscalls for attaching externally
// allocated System V shared memory segments.
package shm

import "errors"

// ErrUnsupported is returned on platforms without System V shared memory.
var ErrUnsupported = errors.New("system v shared memory is not supported on this platform")

// MappedRegion is a System V segment attached into this process.
type MappedRegion struct {
	// ID is the kernel shm identifier the region was attached from.
	ID   int
	Addr []byte
}

// Size reports the attached length in bytes.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// AttachOptions defines options for attaching an existing segment.
type AttachOptions struct {
	ID       int
	ReadOnly bool
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
