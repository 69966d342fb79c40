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

package multihash

import (
	"encoding/binary"

	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

// Row image layout: null bitmap of (ncols+7)/8 bytes, then one value
// slot per column in order. Fixed-width columns always occupy Size
// bytes, null or not, so a reader can walk the slots without consulting
// the bitmap; varlena columns occupy a u32 byte length plus the bytes,
// zero length when null.

// EncodeRow appends the row image of vals to dst. A nil value is null.
func EncodeRow(dst []byte, cols []types.Type, vals []any) []byte {
	base := len(dst)
	nb := (len(cols) + 7) / 8
	for i := 0; i < nb; i++ {
		dst = append(dst, 0)
	}
	for i, t := range cols {
		v := vals[i]
		if v == nil {
			dst[base+i/8] |= 1 << (i % 8)
			if t.IsVarlen() {
				dst = binary.LittleEndian.AppendUint32(dst, 0)
			} else {
				for k := int32(0); k < t.Size; k++ {
					dst = append(dst, 0)
				}
			}
			continue
		}
		if t.IsVarlen() {
			raw := NormalizeBytes(v)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(raw)))
			dst = append(dst, raw...)
		} else {
			dst = types.EncodeValue(dst, t, v)
		}
	}
	return dst
}

// NormalizeBytes coerces the two accepted varlena representations to a
// byte slice.
func NormalizeBytes(v any) []byte {
	switch s := v.(type) {
	case []byte:
		return s
	case string:
		return []byte(s)
	}
	return nil
}

// AppendKeyBytes appends the hash input representation of one key value.
// The builder and the device program feed key values through this same
// encoding, otherwise probe hashes would not line up with stored ones.
func AppendKeyBytes(dst []byte, t types.Type, v any) []byte {
	if t.IsVarlen() {
		return append(dst, NormalizeBytes(v)...)
	}
	return types.EncodeValue(dst, t, v)
}
