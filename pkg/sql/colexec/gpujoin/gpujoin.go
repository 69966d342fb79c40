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

package gpujoin

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/gpujoin/pkg/codegen"
	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/logutil"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec/multihash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
	"github.com/matrixorigin/gpujoin/pkg/vm"
	"github.com/matrixorigin/gpujoin/pkg/vm/process"
)

func (gj *GpuJoin) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (gj *GpuJoin) Prepare(proc *process.Process) error {
	if gj.ctr != nil {
		return nil
	}
	ctx := proc.Ctx
	if gj.Dev == nil {
		return moerr.NewInternalError(ctx, "%s has no device attached", opName)
	}
	if err := gj.Spec.Validate(ctx); err != nil {
		return err
	}
	if bc, ok := gj.Outer.(vm.BulkCapable); ok && !bc.BulkOk() {
		return moerr.NewNotSupported(ctx, "outer source needs per-row rewriting before dispatch")
	}

	prov, err := plan.ResolveProvenance(ctx, gj.Spec)
	if err != nil {
		return err
	}
	if err := plan.EstimateBufferSize(ctx, gj.Spec,
		proc.Cfg.InitBufferSize, proc.Cfg.MaxBufferSize); err != nil {
		return err
	}
	prog, err := codegen.Build(ctx, gj.Spec, prov, gj.HashFunc)
	if err != nil {
		return err
	}

	ctr := &container{
		state:   Build,
		prov:    prov,
		prog:    prog,
		respq:   device.NewQueue(uint32(proc.Cfg.MaxAsyncRequests) * 2),
		retries: make(map[*device.Request]int),
	}
	for _, e := range gj.Spec.Output {
		ctr.outputs = append(ctr.outputs, prov.RewriteToOutput(e))
	}
	for _, e := range gj.Spec.HostClauses {
		ctr.hostClauses = append(ctr.hostClauses, prov.RewriteToOutput(e))
	}
	ctr.keyCols = probeKeyCols(prog)
	gj.ctr = ctr

	if err := gj.Outer.Prepare(proc); err != nil {
		return err
	}
	for _, in := range gj.Inners {
		if err := in.Prepare(proc); err != nil {
			return err
		}
	}
	return nil
}

// probeKeyCols lists the outer relation columns feeding any probe hash
// key at any depth.
func probeKeyCols(prog *codegen.Program) []int32 {
	seen := make(map[int32]bool)
	var cols []int32
	for pl := prog.Probe; pl != nil; pl = pl.Inner {
		for _, k := range pl.HashKeys {
			plan.Walk(k, func(n plan.Expr) bool {
				r, ok := n.(*plan.OutputRef)
				if !ok {
					return true
				}
				cm := prog.Map[r.Col]
				if cm.Depth == 0 && !seen[cm.SrcCol] {
					seen[cm.SrcCol] = true
					cols = append(cols, cm.SrcCol)
				}
				return true
			})
		}
	}
	return cols
}

func (gj *GpuJoin) Call(proc *process.Process) (vm.CallResult, error) {
	result := vm.NewCallResult()
	ctr := gj.ctr
	for {
		switch ctr.state {
		case Build:
			if err := gj.build(proc); err != nil {
				return result, err
			}
			ctr.state = Probe

		case Probe:
			bat, err := gj.probe(proc)
			if err != nil {
				return result, err
			}
			if bat != nil {
				result.Batch = bat
				return result, nil
			}
			ctr.state = End

		default:
			result.Status = vm.ExecStop
			return result, nil
		}
	}
}

// build materializes the inner relations into the multi-level hash
// buffer and produces the first chunk combination.
func (gj *GpuJoin) build(proc *process.Process) error {
	ctr := gj.ctr
	sources := make([]multihash.RowSource, len(gj.Inners))
	for i, in := range gj.Inners {
		sources[i] = &operatorRows{op: in, proc: proc}
	}
	builder, err := multihash.NewBuilder(proc.Ctx, gj.Spec, ctr.prov,
		sources, gj.HashFunc, proc.Cfg.MaxBufferSize)
	if err != nil {
		return err
	}
	ok, err := builder.BuildNext(proc.Ctx)
	if err != nil {
		return err
	}
	if !ok {
		return moerr.NewInternalError(proc.Ctx, "hash build produced no content")
	}
	ctr.builder = builder
	ctr.buf = builder.Buffer()
	logutil.Infof("%s built hash buffer: %d tuples, %d bytes, divided=%v",
		opName, ctr.buf.NTuples(), ctr.buf.Usage(), ctr.buf.Divided())
	return nil
}

// probe runs the bounded asynchronous pipeline: submit outer chunks
// while capacity allows, opportunistically drain completions, block
// only when the pipeline is full or the outer side is exhausted.
// It returns the next result batch, or nil once every chunk of every
// pass has completed.
func (gj *GpuJoin) probe(proc *process.Process) (*batch.Batch, error) {
	ctr := gj.ctr
	for {
		if len(ctr.ready) > 0 {
			bat := ctr.ready[0]
			ctr.ready = ctr.ready[1:]
			return bat, nil
		}

		for {
			f := ctr.respq.TryPop()
			if f == nil {
				break
			}
			if err := gj.handleCompletion(proc, f); err != nil {
				return nil, err
			}
		}
		if len(ctr.ready) > 0 {
			continue
		}

		if !ctr.outerDone && ctr.inflight < proc.Cfg.MaxAsyncRequests {
			chunk, err := gj.nextOuterChunk(proc)
			if err != nil {
				return nil, err
			}
			if chunk == nil {
				ctr.outerDone = true
				continue
			}
			if err := gj.submitChunk(proc, chunk, 0); err != nil {
				return nil, err
			}
			continue
		}

		if ctr.outerDone && ctr.inflight == 0 {
			more, err := ctr.builder.BuildNext(proc.Ctx)
			if err != nil {
				return nil, err
			}
			if !more {
				return nil, nil
			}
			// next chunk combination of a divided build replays the
			// whole outer side
			if err := gj.Outer.Rescan(proc); err != nil {
				return nil, err
			}
			ctr.outerDone = false
			ctr.outerBat = nil
			ctr.outerOff = 0
			continue
		}

		f, err := ctr.respq.Pop(proc.Ctx, proc.Cfg.DeviceWaitTimeout.Duration)
		if err != nil {
			return nil, err
		}
		if err := gj.handleCompletion(proc, f); err != nil {
			return nil, err
		}
	}
}

// nextOuterChunk pulls up to ChunkRows outer rows, windowing large
// child batches.
func (gj *GpuJoin) nextOuterChunk(proc *process.Process) (*batch.Batch, error) {
	ctr := gj.ctr
	for ctr.outerBat == nil || ctr.outerOff >= ctr.outerBat.RowCount() {
		r, err := vm.ChildrenCall(gj.Outer, proc)
		if err != nil {
			return nil, err
		}
		if r.Batch == nil || r.Status == vm.ExecStop {
			return nil, nil
		}
		if r.Batch.IsEmpty() {
			continue
		}
		ctr.outerBat = r.Batch
		ctr.outerOff = 0
	}
	n := ctr.outerBat.RowCount()
	end := ctr.outerOff + proc.Cfg.ChunkRows
	if end > n {
		end = n
	}
	var chunk *batch.Batch
	if ctr.outerOff == 0 && end == n {
		chunk = ctr.outerBat
	} else {
		chunk = ctr.outerBat.Window(ctr.outerOff, end)
	}
	ctr.outerOff = end
	return chunk, nil
}

// submitChunk sizes the result buffer from the planner's population
// estimate and dispatches one request; resultCap > 0 overrides the
// estimate on a retry. Every submission takes one device reference on
// the hash buffer; the first one per pass performs the actual upload.
func (gj *GpuJoin) submitChunk(proc *process.Process, chunk *batch.Batch, resultCap int32) error {
	ctr := gj.ctr
	handle, err := ctr.buf.AcquireDevice(proc.Ctx, gj.Dev)
	if err != nil {
		return err
	}
	if resultCap == 0 {
		est := float64(chunk.RowCount()) * gj.Spec.RowPopulationRatio * proc.Cfg.SafetyMargin
		resultCap = int32(est)
		if resultCap < 32 {
			resultCap = 32
		}
	}
	req := &device.Request{
		Program:   ctr.prog,
		Hash:      handle,
		Outer:     chunk,
		RowMap:    gj.probeRowMap(chunk),
		ResultCap: resultCap,
		NRels:     ctr.prog.NumRels,
	}
	if _, err := gj.Dev.Submit(proc.Ctx, req, ctr.respq); err != nil {
		releaseErr := ctr.buf.ReleaseDevice(gj.Dev)
		if releaseErr != nil {
			logutil.Errorf("release device buffer after failed submit: %v", releaseErr)
		}
		return err
	}
	ctr.inflight++
	return nil
}

// probeRowMap filters out outer rows carrying a null in any hash key
// column; they cannot match and need not travel to the device. Returns
// nil when every row qualifies.
func (gj *GpuJoin) probeRowMap(chunk *batch.Batch) *roaring.Bitmap {
	ctr := gj.ctr
	hasNulls := false
	for _, col := range ctr.keyCols {
		if chunk.Vecs[col].GetNulls().Any() {
			hasNulls = true
			break
		}
	}
	if !hasNulls {
		return nil
	}
	bm := roaring.New()
	for row := 0; row < chunk.RowCount(); row++ {
		ok := true
		for _, col := range ctr.keyCols {
			if chunk.Vecs[col].GetNulls().Contains(uint32(row)) {
				ok = false
				break
			}
		}
		if ok {
			bm.Add(uint32(row))
		}
	}
	return bm
}

func (gj *GpuJoin) handleCompletion(proc *process.Process, f *device.Future) (err error) {
	ctr := gj.ctr
	res, done := f.Poll()
	if !done {
		return moerr.NewDeviceInternal(proc.Ctx, "completion queue delivered an unfinished future")
	}

	switch res.Status {
	case device.StatusOK:
		bat, merr := gj.materialize(proc, f.Req, res)
		ctr.inflight--
		delete(ctr.retries, f.Req)
		if rerr := ctr.buf.ReleaseDevice(gj.Dev); rerr != nil {
			logutil.Errorf("release device buffer: %v", rerr)
		}
		if merr != nil {
			return merr
		}
		if bat.RowCount() > 0 {
			ctr.ready = append(ctr.ready, bat)
		}
		return nil

	case device.StatusNoSpace:
		// the device reports the true match count; resubmit the same
		// chunk with an exactly sized result buffer, reusing the device
		// reference the failed attempt still holds
		n := ctr.retries[f.Req] + 1
		delete(ctr.retries, f.Req)
		if n > maxRetries {
			ctr.inflight--
			return moerr.NewDeviceInternal(proc.Ctx,
				"result buffer overflow persists after %d retries", maxRetries)
		}
		logutil.Infof("%s retry with %d result rooms (had %d)",
			opName, res.NItems, f.Req.ResultCap)
		retry := &device.Request{
			Program:   f.Req.Program,
			Hash:      f.Req.Hash,
			Outer:     f.Req.Outer,
			RowMap:    f.Req.RowMap,
			ResultCap: res.NItems,
			NRels:     f.Req.NRels,
		}
		ctr.retries[retry] = n
		if _, err := gj.Dev.Submit(proc.Ctx, retry, ctr.respq); err != nil {
			ctr.inflight--
			return err
		}
		return nil

	case device.StatusCompileFail:
		ctr.inflight--
		return moerr.NewProgramCompile(proc.Ctx, res.Msg, ctr.prog.Source)

	default:
		ctr.inflight--
		return moerr.NewDeviceInternal(proc.Ctx, "kernel failure: %s", res.Msg)
	}
}

// Rescan reuses the hash buffer when the build was not divided; a
// divided build consumed its chunk iteration and must rebuild.
func (gj *GpuJoin) Rescan(proc *process.Process) error {
	ctr := gj.ctr
	if ctr == nil {
		return nil
	}
	if err := gj.Outer.Rescan(proc); err != nil {
		return err
	}
	ctr.outerBat = nil
	ctr.outerOff = 0
	ctr.outerDone = false
	ctr.ready = nil

	if ctr.buf != nil && !ctr.buf.Divided() {
		ctr.state = Probe
		return nil
	}
	for _, in := range gj.Inners {
		if err := in.Rescan(proc); err != nil {
			return err
		}
	}
	if ctr.buf != nil {
		ctr.buf.Release(gj.Dev)
		ctr.buf = nil
		ctr.builder = nil
	}
	ctr.state = Build
	return nil
}

func (gj *GpuJoin) Free(proc *process.Process, pipelineFailed bool, err error) {
	ctr := gj.ctr
	if ctr != nil {
		// requests still on the device hold references into the buffer;
		// wait them out before dropping it
		for ctr.inflight > 0 {
			if _, perr := ctr.respq.Pop(proc.Ctx, proc.Cfg.DeviceWaitTimeout.Duration); perr != nil {
				logutil.Errorf("%s drain in-flight requests: %v", opName, perr)
				break
			}
			ctr.inflight--
			if rerr := ctr.buf.ReleaseDevice(gj.Dev); rerr != nil {
				logutil.Errorf("release device buffer: %v", rerr)
			}
		}
		if ctr.buf != nil {
			ctr.buf.Release(gj.Dev)
			ctr.buf = nil
		}
		gj.ctr = nil
	}
	if gj.Outer != nil {
		gj.Outer.Free(proc, pipelineFailed, err)
	}
	for _, in := range gj.Inners {
		in.Free(proc, pipelineFailed, err)
	}
}
