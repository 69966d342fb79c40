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

import (
	"encoding/binary"
	"math"
)

// Value byte representation is little-endian regardless of host order,
// so hashes and serialized rows stay comparable after buffer relocation
// between address spaces.

// EncodeValue appends the byte representation of a typed value to dst.
func EncodeValue(dst []byte, t Type, v any) []byte {
	switch t.Oid {
	case T_bool:
		if v.(bool) {
			return append(dst, 1)
		}
		return append(dst, 0)
	case T_int8:
		return append(dst, byte(v.(int8)))
	case T_int16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.(int16)))
	case T_int32, T_date:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(int32)))
	case T_int64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64)))
	case T_float32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.(float32)))
	case T_float64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64)))
	case T_varchar:
		return append(dst, v.([]byte)...)
	}
	return dst
}

// DecodeValue is the inverse of EncodeValue for fixed-width types; varlena
// values take the whole input slice.
func DecodeValue(t Type, data []byte) any {
	switch t.Oid {
	case T_bool:
		return data[0] != 0
	case T_int8:
		return int8(data[0])
	case T_int16:
		return int16(binary.LittleEndian.Uint16(data))
	case T_int32, T_date:
		return int32(binary.LittleEndian.Uint32(data))
	case T_int64:
		return int64(binary.LittleEndian.Uint64(data))
	case T_float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data))
	case T_float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data))
	case T_varchar:
		return data
	}
	return nil
}
