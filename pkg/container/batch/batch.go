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

package batch

import (
	"github.com/matrixorigin/gpujoin/pkg/container/vector"
)

// Batch is a set of equal-length column vectors.
type Batch struct {
	Attrs    []string
	Vecs     []*vector.Vector
	rowCount int
}

func NewWithSize(n int) *Batch {
	return &Batch{Vecs: make([]*vector.Vector, n)}
}

func (bat *Batch) SetVector(i int, vec *vector.Vector) {
	bat.Vecs[i] = vec
}

func (bat *Batch) RowCount() int {
	if bat == nil {
		return 0
	}
	return bat.rowCount
}

func (bat *Batch) SetRowCount(n int) {
	bat.rowCount = n
}

func (bat *Batch) AddRowCount(n int) {
	bat.rowCount += n
}

func (bat *Batch) IsEmpty() bool {
	return bat.RowCount() == 0
}

// Window restricts the batch to rows [start, end).
func (bat *Batch) Window(start, end int) *Batch {
	w := NewWithSize(len(bat.Vecs))
	w.Attrs = bat.Attrs
	for i, vec := range bat.Vecs {
		w.Vecs[i] = vec.Window(start, end)
	}
	w.rowCount = end - start
	return w
}
