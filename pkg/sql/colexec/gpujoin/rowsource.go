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
	"context"

	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/vm"
	"github.com/matrixorigin/gpujoin/pkg/vm/process"
)

// operatorRows adapts an inner child operator to the row feed the hash
// builder consumes. The builder rescans it once per chunk combination
// of a divided build, so the child must support Rescan.
type operatorRows struct {
	op   vm.Operator
	proc *process.Process

	bat *batch.Batch
	row int
}

func (s *operatorRows) NextRow(ctx context.Context) ([]any, error) {
	for s.bat == nil || s.row >= s.bat.RowCount() {
		r, err := vm.ChildrenCall(s.op, s.proc)
		if err != nil {
			return nil, err
		}
		if r.Batch == nil || r.Status == vm.ExecStop {
			return nil, nil
		}
		if r.Batch.IsEmpty() {
			continue
		}
		s.bat = r.Batch
		s.row = 0
	}
	out := make([]any, len(s.bat.Vecs))
	for i, vec := range s.bat.Vecs {
		v, isNull := vec.GetAny(s.row)
		if isNull {
			v = nil
		}
		out[i] = v
	}
	s.row++
	return out, nil
}

func (s *operatorRows) Rescan(ctx context.Context) error {
	s.bat = nil
	s.row = 0
	return s.op.Rescan(s.proc)
}
