// Package service implements the shared-memory Compute RPC: requests point at a
// region of an externally allocated System V segment (or carry the bytes
// inline), the handler validates the region's header and stamps it with the
// request's batch id in place.
package service

// ComputeRPC names the Compute request type in logs and metrics.
const ComputeRPC = "simple.Inference/Compute"

// Sentinel is the value a client writes into word 1 of the buffer before
// calling Compute. Word 0 must hold the request's batch id.
const Sentinel uint64 = 0xDEADBEEF

// headerWords is the number of uint64 words Compute reads.
const headerWords = 2

// SystemV references a byte range of an external System V segment.
type SystemV struct {
	ShmID  uint64
	Offset uint64
	Size   uint64
}

// Input is the Compute request. SysV and Inline are mutually exclusive.
type Input struct {
	BatchID uint64
	SysV    *SystemV
	Inline  []byte
}

// HasSysV reports whether the request references shared memory.
func (in *Input) HasSysV() bool { return in.SysV != nil }

// Output is the Compute response.
type Output struct {
	BatchID uint64
	// Payload carries the mutated inline buffer back; it is empty for SysV requests.
	Payload []byte
}
