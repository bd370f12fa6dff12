//go:build linux

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// AttachRegion maps an already allocated segment (shmat). The size is taken from
// the kernel's IPC_STAT record.
func AttachRegion(ctx context.Context, opts AttachOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ID < 0 {
		return nil, fmt.Errorf("shmat %d: %w", opts.ID, unix.EINVAL)
	}
	flag := 0
	if opts.ReadOnly {
		flag |= unix.SHM_RDONLY
	}
	addr, err := unix.SysvShmAttach(opts.ID, 0, flag)
	if err != nil {
		return nil, fmt.Errorf("shmat %d: %w", opts.ID, err)
	}
	return &MappedRegion{ID: opts.ID, Addr: addr}, nil
}

// DetachRegion unmaps the region (shmdt). The segment itself is left for its owner to remove.
func DetachRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.SysvShmDetach(region.Addr); err != nil {
		return fmt.Errorf("shmdt %d: %w", region.ID, err)
	}
	region.Addr = nil
	return nil
}

// CreateSegment allocates a private segment of size bytes and returns its id.
// The server never allocates; this exists for clients and tests that play the external owner.
func CreateSegment(size int) (int, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return -1, fmt.Errorf("shmget %d bytes: %w", size, err)
	}
	return id, nil
}

// RemoveSegment marks the segment for destruction once the last process detaches.
func RemoveSegment(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl rmid %d: %w", id, err)
	}
	return nil
}
