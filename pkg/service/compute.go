package service

import (
	"context"
	"fmt"
	"unsafe"

	internalshm "github.com/srediag/shm-exec/internal/shm"
	"github.com/srediag/shm-exec/pkg/executor"
	"github.com/srediag/shm-exec/pkg/shm"
)

// Compute resolves the request's buffer, checks that word 0 holds the batch id
// and word 1 holds Sentinel, then swaps the sentinel for the batch id.
func Compute(ctx context.Context, res *Resources, in *Input, out *Output) error {
	var (
		words []uint64
		err   error
	)
	switch {
	case in.HasSysV():
		d, aerr := res.segments.Acquire(ctx, in.SysV.ShmID, in.SysV.Offset, in.SysV.Size)
		if aerr != nil {
			return aerr
		}
		defer d.Close()
		words, err = shm.Slice[uint64](d)
	case len(in.Inline) > 0:
		words, err = shm.CastBytes[uint64](in.Inline, len(in.Inline)/8)
	default:
		return ErrMissingReference
	}
	if err != nil {
		return err
	}
	if len(words) < headerWords {
		return fmt.Errorf("%w: buffer holds %d words, need %d", shm.ErrOutOfBounds, len(words), headerWords)
	}

	if got := internalshm.AtomicLoadUint64(unsafe.Pointer(&words[0])); got != in.BatchID {
		return fmt.Errorf("%w: word 0 is %#x, want batch id %d", ErrSentinelMismatch, got, in.BatchID)
	}
	if !internalshm.AtomicCompareAndSwapUint64(unsafe.Pointer(&words[1]), Sentinel, in.BatchID) {
		return fmt.Errorf("%w: word 1 is %#x, want %#x", ErrSentinelMismatch,
			internalshm.AtomicLoadUint64(unsafe.Pointer(&words[1])), Sentinel)
	}
	res.log.Tracef("batch %d stamped", in.BatchID)

	out.BatchID = in.BatchID
	if !in.HasSysV() {
		out.Payload = in.Inline
	}
	return nil
}

// Register builds depth Compute contexts on exec, fed by src.
func Register(exec *executor.Executor, src executor.Source[Input, Output], res *Resources, depth int) (*executor.Arena[Input, Output, *Resources], error) {
	return executor.RegisterContexts[Input, Output](exec, ComputeRPC, src, res,
		executor.HandlerFunc[Input, Output, *Resources](Compute), depth)
}
