// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devsim is the software device: it executes compiled join
// programs on a worker pool against uploaded hash buffer images,
// honoring the same asynchronous contract a real accelerator backend
// would. Uploads round-trip through an lz4 block codec into a fresh
// allocation, so a buffer that secretly depends on its host base
// address fails here instead of on hardware.
package devsim

import (
	"context"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	lz4 "github.com/pierrec/lz4"

	"github.com/matrixorigin/gpujoin/pkg/codegen"
	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/logutil"
)

type SimDevice struct {
	mu     sync.Mutex
	mem    map[device.Handle][]byte
	next   device.Handle
	closed bool

	pool *ants.Pool
}

// New starts a device with the given number of kernel workers.
func New(ctx context.Context, workers int) (*SimDevice, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, moerr.NewDeviceInternal(ctx, "start worker pool: %v", err)
	}
	return &SimDevice{
		mem:  make(map[device.Handle][]byte),
		pool: pool,
	}, nil
}

// Upload copies data into device memory. The copy goes through an lz4
// compress/decompress cycle; the bytes land at a new base, identical in
// content, with nothing shared with the caller's allocation.
func (s *SimDevice) Upload(ctx context.Context, data []byte) (device.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.InvalidHandle, moerr.NewDeviceInternal(ctx, "device is closed")
	}

	stored, err := roundTrip(data)
	if err != nil {
		return device.InvalidHandle, moerr.NewDeviceInternal(ctx, "upload transfer: %v", err)
	}
	s.next++
	h := s.next
	s.mem[h] = stored
	logutil.Debugf("devsim upload %d bytes as handle %d", len(data), h)
	return h, nil
}

func roundTrip(data []byte) ([]byte, error) {
	comp := make([]byte, lz4.CompressBlockBound(len(data)))
	ht := make([]int, 1<<16)
	n, err := lz4.CompressBlock(data, comp, ht)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	if n == 0 {
		// incompressible input, plain copy
		copy(out, data)
		return out, nil
	}
	if _, err := lz4.UncompressBlock(comp[:n], out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit schedules one probe request. Compile problems and runtime
// failures come back through the result status, never through the
// returned error, which covers submission itself only.
func (s *SimDevice) Submit(ctx context.Context, req *device.Request, respq *device.Queue) (*device.Future, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, moerr.NewDeviceInternal(ctx, "device is closed")
	}
	data, ok := s.mem[req.Hash]
	s.mu.Unlock()

	fut := device.NewFuture(req)
	finish := func(res *device.Result) {
		fut.Complete(res)
		if respq != nil {
			respq.Push(fut)
		}
	}

	if !ok {
		finish(&device.Result{Status: device.StatusInternal,
			Msg: "unknown hash table handle"})
		return fut, nil
	}
	if msg := compileCheck(req.Program); msg != "" {
		finish(&device.Result{Status: device.StatusCompileFail, Msg: msg})
		return fut, nil
	}

	err := s.pool.Submit(func() {
		finish(execute(req, data))
	})
	if err != nil {
		return nil, moerr.NewDeviceInternal(ctx, "submit kernel: %v", err)
	}
	return fut, nil
}

// compileCheck is the simulator's stand-in for a kernel build: it
// rejects programs a real toolchain would refuse, returning the build
// log.
func compileCheck(p *codegen.Program) string {
	if p == nil {
		return "no program attached"
	}
	if p.Probe == nil {
		return "program has no probe chain"
	}
	if _, ok := hash.Get(p.HashFunc); !ok {
		return "unknown hash function " + p.HashFunc
	}
	depth := int32(1)
	for pl := p.Probe; pl != nil; pl = pl.Inner {
		if pl.Depth != depth {
			return "probe chain out of order"
		}
		depth++
	}
	if depth-1 != p.NumRels {
		return "probe chain does not cover every depth"
	}
	for _, section := range []string{
		"gpuhashjoin_get_hash_depth1",
		"gpuhashjoin_join_quals_depth1",
		"gpuhashjoin_projection_mapping",
		"gpuhashjoin_projection_datum",
		"gpuhashjoin_main",
	} {
		if !strings.Contains(p.Source, section) {
			return "missing section " + section
		}
	}
	return ""
}

func (s *SimDevice) Release(h device.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mem[h]; !ok {
		return moerr.NewInternalErrorNoCtx("release of unknown handle %d", h)
	}
	delete(s.mem, h)
	return nil
}

func (s *SimDevice) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mem = make(map[device.Handle][]byte)
	s.mu.Unlock()
	s.pool.Release()
	return nil
}
