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
	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/container/vector"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
	"github.com/matrixorigin/gpujoin/pkg/vm/process"
)

// materialize turns one device result into an output batch. The device
// hands back row locators only: the outer row index plus the matched
// entry offset at every depth. Host-referenced pseudo columns are read
// back from the outer batch and the host copy of the hash buffer, host
// clauses filter the assembled rows, and the output expressions project
// the survivors.
func (gj *GpuJoin) materialize(proc *process.Process, req *device.Request, res *device.Result) (*batch.Batch, error) {
	ctr := gj.ctr

	out := batch.NewWithSize(len(ctr.outputs))
	for i, e := range ctr.outputs {
		out.Attrs = append(out.Attrs, gj.Spec.Output[i].String())
		out.SetVector(i, vector.NewVec(e.Type()))
	}

	env := make([]any, ctr.prov.NumCols())
	envNull := make([]bool, ctr.prov.NumCols())
	read := func(e plan.Expr) (any, bool, bool) {
		r, ok := e.(*plan.OutputRef)
		if !ok || int(r.Col) >= len(env) {
			return nil, true, false
		}
		return env[r.Col], envNull[r.Col], true
	}

	stride := int(req.NRels) + 1
	kept := 0
	for i := 0; i < int(res.NItems); i++ {
		tup := res.Tuples[i*stride : (i+1)*stride]
		outerIdx := int(tup[0] - 1)

		for _, cm := range ctr.prog.Map {
			if !ctr.prov.ByOutCol(cm.OutCol).RefHost {
				continue
			}
			if cm.Depth == 0 {
				env[cm.OutCol], envNull[cm.OutCol] = req.Outer.Vecs[cm.SrcCol].GetAny(outerIdx)
			} else {
				frag := ctr.buf.FragmentAt(int(cm.Depth))
				row := frag.EntryRow(uint32(tup[cm.Depth]))
				env[cm.OutCol], envNull[cm.OutCol] = frag.ColValue(row, int(cm.FragCol))
			}
		}

		keep := true
		for _, cl := range ctr.hostClauses {
			ok, err := colexec.EvalPredicate(proc.Ctx, cl, read)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}

		for col, e := range ctr.outputs {
			v, isNull, err := colexec.EvalExpr(proc.Ctx, e, read)
			if err != nil {
				return nil, err
			}
			if isNull {
				out.Vecs[col].AppendNull()
				continue
			}
			// varlena values decoded from the hash buffer alias storage
			// a divided build overwrites on its next pass
			if e.Type().IsVarlen() {
				if raw, ok := v.([]byte); ok {
					v = append([]byte(nil), raw...)
				}
			}
			out.Vecs[col].AppendAny(v)
		}
		kept++
	}
	out.SetRowCount(kept)
	return out, nil
}
