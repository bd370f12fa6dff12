/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command shm-client allocates a private System V segment, writes a batch id
// and the sentinel into it, calls Compute and checks that the server stamped
// the buffer in place.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/srediag/shm-exec/internal/logger"
	internalshm "github.com/srediag/shm-exec/internal/shm"
	"github.com/srediag/shm-exec/pkg/service"
	"github.com/srediag/shm-exec/pkg/shm"
	"github.com/srediag/shm-exec/pkg/transport"
)

type options struct {
	addr    string
	batch   uint64
	offset  uint64
	size    uint64
	inline  bool
	timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "shm-client",
		Short:        "Call Compute against a freshly allocated shared-memory buffer",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.size < 16 || o.size%8 != 0 || o.offset%8 != 0 {
				return fmt.Errorf("size must be a multiple of 8 and at least 16, offset a multiple of 8")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return run(ctx, o)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.addr, "addr", "127.0.0.1:50051", "server address")
	flags.Uint64Var(&o.batch, "batch", 42, "batch id")
	flags.Uint64Var(&o.offset, "offset", 0, "buffer offset inside the segment")
	flags.Uint64Var(&o.size, "size", 16, "buffer size in bytes")
	flags.BoolVar(&o.inline, "inline", false, "send the buffer inline instead of by reference")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

func run(ctx context.Context, o options) error {
	log := logger.New("shm-client", os.Stdout)

	client, err := transport.Dial[service.Input, service.Output](ctx, transport.ClientConfig{Addr: o.addr, Logger: log}, service.Codec{})
	if err != nil {
		return err
	}
	defer client.Close()

	if o.inline {
		return callInline(ctx, client, o, log)
	}
	return callSysV(ctx, client, o, log)
}

func callSysV(ctx context.Context, client *transport.Client[service.Input, service.Output], o options, log *logger.Logger) error {
	id, err := internalshm.CreateSegment(int(o.offset + o.size))
	if err != nil {
		return err
	}
	defer func() {
		if err := internalshm.RemoveSegment(id); err != nil {
			log.Warnf("remove segment %d: %v", id, err)
		}
	}()
	region, err := internalshm.AttachRegion(ctx, internalshm.AttachOptions{ID: id})
	if err != nil {
		return err
	}
	defer func() { _ = internalshm.DetachRegion(region) }()

	words, err := stampHeader(region, o.offset, o.size, o.batch)
	if err != nil {
		return err
	}

	out, err := client.Call(ctx, &service.Input{
		BatchID: o.batch,
		SysV:    &service.SystemV{ShmID: uint64(id), Offset: o.offset, Size: o.size},
	})
	if err != nil {
		return err
	}
	return verify(out, internalshm.AtomicLoadUint64(unsafe.Pointer(&words[1])), o, log)
}

// stampHeader writes the batch id and Sentinel into the first two words of
// region[offset, offset+size).
func stampHeader(region *internalshm.MappedRegion, offset, size, batch uint64) ([]uint64, error) {
	if offset+size > uint64(region.Size()) {
		return nil, fmt.Errorf("%w: [%d, %d) exceeds segment of %d bytes", shm.ErrOutOfBounds, offset, offset+size, region.Size())
	}
	if size < 16 {
		return nil, fmt.Errorf("%w: %d bytes cannot hold the header", shm.ErrOutOfBounds, size)
	}
	if !internalshm.Aligned8(unsafe.Pointer(&region.Addr[offset])) {
		return nil, fmt.Errorf("%w: offset %d", shm.ErrMisaligned, offset)
	}
	words, err := shm.CastBytes[uint64](region.Addr[offset:], int(size/8))
	if err != nil {
		return nil, err
	}
	internalshm.AtomicStoreUint64(unsafe.Pointer(&words[0]), batch)
	internalshm.AtomicStoreUint64(unsafe.Pointer(&words[1]), service.Sentinel)
	return words, nil
}

func callInline(ctx context.Context, client *transport.Client[service.Input, service.Output], o options, log *logger.Logger) error {
	payload := make([]byte, o.size)
	binary.NativeEndian.PutUint64(payload[0:8], o.batch)
	binary.NativeEndian.PutUint64(payload[8:16], service.Sentinel)

	out, err := client.Call(ctx, &service.Input{BatchID: o.batch, Inline: payload})
	if err != nil {
		return err
	}
	if len(out.Payload) < 16 {
		return fmt.Errorf("response payload is %d bytes", len(out.Payload))
	}
	return verify(out, binary.NativeEndian.Uint64(out.Payload[8:16]), o, log)
}

func verify(out service.Output, word1 uint64, o options, log *logger.Logger) error {
	if out.BatchID != o.batch {
		return fmt.Errorf("response batch id %d, want %d", out.BatchID, o.batch)
	}
	if word1 != o.batch {
		return fmt.Errorf("buffer word 1 is %#x, want %d", word1, o.batch)
	}
	log.Infof("batch %d stamped in place", o.batch)
	return nil
}
