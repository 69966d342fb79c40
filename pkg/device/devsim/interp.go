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

package devsim

import (
	"context"
	"fmt"

	"github.com/matrixorigin/gpujoin/pkg/codegen"
	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec/multihash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

// runtime is the per-request execution state of one simulated kernel.
// vals/nulls hold the pseudo scan variables; a probe at depth d fills
// the columns of depth d before evaluating that level's qualifiers, so
// an expression only ever sees columns of depths already joined.
type runtime struct {
	prog  *codegen.Program
	data  []byte
	outer *batch.Batch
	frags []multihash.Fragment // index d-1 for depth d
	hash  hash.Hasher

	vals  []any
	nulls []bool

	cap     int32
	count   int32
	tuples  []int32
	offsets []uint32 // matched entry offset per depth
	keyBuf  []byte

	failed string
}

// execute runs the probe kernel over every (selected) outer row.
// NItems always reports the true match count; when it exceeds the
// reserved capacity the status degrades to no-space and the tuples
// written so far are discarded by the host.
func execute(req *device.Request, data []byte) *device.Result {
	p := req.Program
	hasher, _ := hash.Get(p.HashFunc)
	rt := &runtime{
		prog:    p,
		data:    data,
		outer:   req.Outer,
		hash:    hasher,
		vals:    make([]any, p.NumCols),
		nulls:   make([]bool, p.NumCols),
		cap:     req.ResultCap,
		tuples:  make([]int32, 0, int64(req.ResultCap)*int64(p.NumRels+1)),
		offsets: make([]uint32, p.NumRels),
	}
	if multihash.NumLevels(data) != int(p.NumRels) {
		return &device.Result{Status: device.StatusInternal,
			Msg: "hash table level count does not match program"}
	}
	for d := int32(1); d <= p.NumRels; d++ {
		rt.frags = append(rt.frags, multihash.FragmentOf(data, int(d)))
	}

	nrows := req.Outer.RowCount()
	probeRow := func(row int) {
		rt.loadOuterRow(row)
		if rt.failed == "" {
			rt.probe(p.Probe, int32(row))
		}
	}
	if req.RowMap != nil {
		it := req.RowMap.Iterator()
		for it.HasNext() {
			probeRow(int(it.Next()))
			if rt.failed != "" {
				break
			}
		}
	} else {
		for row := 0; row < nrows && rt.failed == ""; row++ {
			probeRow(row)
		}
	}

	if rt.failed != "" {
		return &device.Result{Status: device.StatusInternal, Msg: rt.failed}
	}
	if rt.count > rt.cap {
		return &device.Result{Status: device.StatusNoSpace, NItems: rt.count}
	}
	return &device.Result{Status: device.StatusOK, NItems: rt.count, Tuples: rt.tuples}
}

func (rt *runtime) loadOuterRow(row int) {
	for _, cm := range rt.prog.Map {
		if cm.Depth != 0 {
			continue
		}
		if int(cm.SrcCol) >= len(rt.outer.Vecs) {
			rt.failed = fmt.Sprintf("outer batch has no column %d", cm.SrcCol)
			return
		}
		v, isNull := rt.outer.Vecs[cm.SrcCol].GetAny(row)
		rt.vals[cm.OutCol] = v
		rt.nulls[cm.OutCol] = isNull
	}
}

func (rt *runtime) probe(pl *codegen.ProbeLevel, outerIdx int32) {
	if pl == nil {
		rt.emit(outerIdx)
		return
	}
	h, hasNull := rt.probeHash(pl)
	if hasNull {
		return
	}

	frag := rt.frags[pl.Depth-1]
	for off := frag.SlotHead(h % frag.NSlots()); off != 0; off = frag.EntryNext(off) {
		if frag.EntryHash(off) != h {
			continue
		}
		rt.loadEntryRow(pl.Depth, frag, off)
		if !rt.evalConds(pl) {
			continue
		}
		rt.offsets[pl.Depth-1] = off
		rt.probe(pl.Inner, outerIdx)
		if rt.failed != "" {
			return
		}
	}
}

// probeHash folds the level's key values through the shared hash
// function, in clause order, over the same byte encoding the builder
// used. A null key matches nothing.
func (rt *runtime) probeHash(pl *codegen.ProbeLevel) (uint32, bool) {
	rt.keyBuf = rt.keyBuf[:0]
	for _, k := range pl.HashKeys {
		v, isNull, err := colexec.EvalExpr(context.Background(), k, rt.readVar)
		if err != nil {
			rt.failed = err.Error()
			return 0, true
		}
		if isNull {
			return 0, true
		}
		rt.keyBuf = multihash.AppendKeyBytes(rt.keyBuf, k.Type(), v)
	}
	return rt.hash.Final(rt.hash.Update(rt.hash.Init, rt.keyBuf)), false
}

func (rt *runtime) loadEntryRow(depth int32, frag multihash.Fragment, entryOff uint32) {
	row := frag.EntryRow(entryOff)
	for _, cm := range rt.prog.Map {
		if cm.Depth != depth {
			continue
		}
		v, isNull := frag.ColValue(row, int(cm.FragCol))
		rt.vals[cm.OutCol] = v
		rt.nulls[cm.OutCol] = isNull
	}
}

func (rt *runtime) evalConds(pl *codegen.ProbeLevel) bool {
	for _, c := range pl.Conds {
		ok, err := colexec.EvalPredicate(context.Background(), c, rt.readVar)
		if err != nil {
			rt.failed = err.Error()
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (rt *runtime) readVar(e plan.Expr) (any, bool, bool) {
	r, ok := e.(*plan.OutputRef)
	if !ok || int(r.Col) >= len(rt.vals) {
		return nil, true, false
	}
	return rt.vals[r.Col], rt.nulls[r.Col], true
}

// emit records one fully matched tuple: outer index plus one, then the
// matched entry offset at every depth. Past capacity it only counts.
func (rt *runtime) emit(outerIdx int32) {
	rt.count++
	if rt.count > rt.cap {
		return
	}
	rt.tuples = append(rt.tuples, outerIdx+1)
	for _, off := range rt.offsets {
		rt.tuples = append(rt.tuples, int32(off))
	}
}
