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

package types

import "fmt"

type T uint8

const (
	T_any T = iota
	T_bool
	T_int8
	T_int16
	T_int32
	T_int64
	T_float32
	T_float64
	T_date
	T_varchar
)

// Type is the column type descriptor carried by vectors, hash fragment
// column metadata and generated device programs. Size is -1 for varlena.
type Type struct {
	Oid   T
	Size  int32
	Align int32
}

func New(oid T) Type {
	switch oid {
	case T_bool, T_int8:
		return Type{Oid: oid, Size: 1, Align: 1}
	case T_int16:
		return Type{Oid: oid, Size: 2, Align: 2}
	case T_int32, T_float32, T_date:
		return Type{Oid: oid, Size: 4, Align: 4}
	case T_int64, T_float64:
		return Type{Oid: oid, Size: 8, Align: 8}
	case T_varchar:
		return Type{Oid: oid, Size: -1, Align: 1}
	default:
		return Type{Oid: T_any, Size: -1, Align: 1}
	}
}

// ByVal reports whether values of this type are passed by value on the
// device; varlena columns are passed by reference.
func (t Type) ByVal() bool {
	return t.Size > 0
}

func (t Type) IsVarlen() bool {
	return t.Size < 0
}

func (t Type) TypeSize() int {
	return int(t.Size)
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t T) String() string {
	switch t {
	case T_bool:
		return "BOOL"
	case T_int8:
		return "TINYINT"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_date:
		return "DATE"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("unexpected type tag %d", t)
}

// DeviceTypeName is the type identifier used inside generated device
// programs, mirroring the pg_<type>_t naming of the kernel templates.
func (t T) DeviceTypeName() string {
	switch t {
	case T_bool:
		return "bool"
	case T_int8:
		return "int1"
	case T_int16:
		return "int2"
	case T_int32:
		return "int4"
	case T_int64:
		return "int8"
	case T_float32:
		return "float4"
	case T_float64:
		return "float8"
	case T_date:
		return "date"
	case T_varchar:
		return "varchar"
	}
	return "unknown"
}
