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

package vector

import (
	"unsafe"

	"github.com/matrixorigin/gpujoin/pkg/container/nulls"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

// Vector is a single column of a batch. Fixed-width values live in one
// contiguous byte slab; varlena values are kept per row.
type Vector struct {
	typ    types.Type
	length int

	fixed  []byte
	varlen [][]byte

	nsp *nulls.Nulls
}

func NewVec(typ types.Type) *Vector {
	return &Vector{typ: typ, nsp: nulls.New()}
}

func (v *Vector) GetType() types.Type {
	return v.typ
}

func (v *Vector) Length() int {
	return v.length
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

// AppendAny appends one typed value; a nil value appends NULL.
func (v *Vector) AppendAny(val any) {
	if val == nil {
		v.AppendNull()
		return
	}
	if v.typ.IsVarlen() {
		switch s := val.(type) {
		case []byte:
			v.varlen = append(v.varlen, s)
		case string:
			v.varlen = append(v.varlen, []byte(s))
		}
	} else {
		v.fixed = types.EncodeValue(v.fixed, v.typ, val)
	}
	v.length++
}

func (v *Vector) AppendNull() {
	v.nsp.Add(uint32(v.length))
	if v.typ.IsVarlen() {
		v.varlen = append(v.varlen, nil)
	} else {
		for i := int32(0); i < v.typ.Size; i++ {
			v.fixed = append(v.fixed, 0)
		}
	}
	v.length++
}

// GetAny returns the value at row and whether it is NULL.
func (v *Vector) GetAny(row int) (any, bool) {
	if v.nsp.Contains(uint32(row)) {
		return nil, true
	}
	if v.typ.IsVarlen() {
		return v.varlen[row], false
	}
	sz := int(v.typ.Size)
	return types.DecodeValue(v.typ, v.fixed[row*sz:(row+1)*sz]), false
}

// RawBytes returns the little-endian byte image of the value at row.
// The result aliases the vector's storage.
func (v *Vector) RawBytes(row int) []byte {
	if v.typ.IsVarlen() {
		return v.varlen[row]
	}
	sz := int(v.typ.Size)
	return v.fixed[row*sz : (row+1)*sz]
}

// MustFixedCol views the fixed-width payload as a typed slice.
func MustFixedCol[T any](v *Vector) []T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if len(v.fixed) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.fixed[0])), len(v.fixed)/sz)
}

// AppendFixedList bulk-appends fixed-width values.
func AppendFixedList[T any](v *Vector, vals []T) {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if len(vals) > 0 {
		b := unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*sz)
		v.fixed = append(v.fixed, b...)
	}
	v.length += len(vals)
}

// Window returns a copy restricted to rows [start, end), with nulls
// re-based to the new row numbering.
func (v *Vector) Window(start, end int) *Vector {
	w := NewVec(v.typ)
	for i := start; i < end; i++ {
		if v.nsp.Contains(uint32(i)) {
			w.AppendNull()
			continue
		}
		if v.typ.IsVarlen() {
			w.varlen = append(w.varlen, v.varlen[i])
			w.length++
		} else {
			sz := int(v.typ.Size)
			w.fixed = append(w.fixed, v.fixed[i*sz:(i+1)*sz]...)
			w.length++
		}
	}
	return w
}
