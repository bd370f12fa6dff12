//go:build !linux

package shm

import "context"

// AttachRegion is unavailable off Linux.
func AttachRegion(ctx context.Context, opts AttachOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// DetachRegion is unavailable off Linux.
func DetachRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	return ErrUnsupported
}

// CreateSegment is unavailable off Linux.
func CreateSegment(size int) (int, error) {
	return -1, ErrUnsupported
}

// RemoveSegment is unavailable off Linux.
func RemoveSegment(id int) error {
	return ErrUnsupported
}
