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

// Package multihash builds the multi-level chained hash tables of one
// device hash join inside a single relocatable byte buffer.
//
// Every link inside the buffer is an offset, never an address: bucket
// heads and entry "next" fields are relative to their fragment's start,
// the per-depth fragment offsets are relative to the buffer's start.
// The whole buffer can therefore be copied to another base, or another
// address space, without pointer fix-up.
package multihash

import (
	"context"
	"encoding/binary"

	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

// Buffer header layout:
//
//	0  u32 nrels
//	4  u32 flags (bit0: divided)
//	8  u64 usage
//	16 u64 ntuples
//	24 u64 fragment offset table, (nrels+1) slots, index 0 unused
const (
	bufNRelsOff   = 0
	bufFlagsOff   = 4
	bufUsageOff   = 8
	bufNTuplesOff = 16
	bufOffTabOff  = 24

	flagDivided = 0x1
)

func bufHeaderSize(nrels int) int64 {
	return align8(int64(bufOffTabOff) + 8*int64(nrels+1))
}

// Fragment header layout (offsets relative to fragment start):
//
//	0  u64 length (consumed bytes: header + slots + arena)
//	8  u16 ncols
//	10 u16 reserved
//	12 u32 nslots
//	16 colmeta[ncols], 8 bytes each: byval u8, align u8, oid u8, pad, len i32
//
// The bucket slot array of u32 chain heads follows the column metadata;
// the entry arena follows the slots. Head value 0 means an empty bucket
// (no entry can start at offset 0, that is the fragment header).
const (
	fragLenOff    = 0
	fragNColsOff  = 8
	fragNSlotsOff = 12
	fragMetaOff   = 16
	colMetaSize   = 8
)

// Entry layout: next u32, hash u32, rowlen u32, pad u32, row bytes.
const entryHeaderSize = 16

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

func fragSlotsOff(ncols int) int64 {
	return align8(fragMetaOff + colMetaSize*int64(ncols))
}

func fragArenaOff(ncols int, nslots uint32) int64 {
	return align8(fragSlotsOff(ncols) + 4*int64(nslots))
}

func entrySize(rowLen int) int64 {
	return align8(entryHeaderSize + int64(rowLen))
}

// Fragment is a read-side view over one level's serialized hash table.
// The view stays valid only as long as the backing bytes do; after a
// grow the caller must re-acquire it.
type Fragment struct {
	data []byte
}

// FragmentOf views depth d of a serialized multi-level buffer. It works
// on any copy of the bytes, device-resident ones included.
func FragmentOf(buf []byte, depth int) Fragment {
	off := binary.LittleEndian.Uint64(buf[bufOffTabOff+8*depth:])
	length := binary.LittleEndian.Uint64(buf[off+fragLenOff:])
	return Fragment{data: buf[off : off+length]}
}

// NumLevels reads the level count of a serialized buffer.
func NumLevels(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[bufNRelsOff:]))
}

// IsDivided reads the divided flag of a serialized buffer.
func IsDivided(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[bufFlagsOff:])&flagDivided != 0
}

func (f Fragment) Len() int64 {
	return int64(binary.LittleEndian.Uint64(f.data[fragLenOff:]))
}

func (f Fragment) NCols() int {
	return int(binary.LittleEndian.Uint16(f.data[fragNColsOff:]))
}

func (f Fragment) NSlots() uint32 {
	return binary.LittleEndian.Uint32(f.data[fragNSlotsOff:])
}

func (f Fragment) ColType(i int) types.Type {
	m := fragMetaOff + colMetaSize*int64(i)
	return types.Type{
		Oid:   types.T(f.data[m+2]),
		Size:  int32(binary.LittleEndian.Uint32(f.data[m+4:])),
		Align: int32(f.data[m+1]),
	}
}

// SlotHead returns the chain head offset of one bucket, 0 if empty.
func (f Fragment) SlotHead(bucket uint32) uint32 {
	off := fragSlotsOff(f.NCols()) + 4*int64(bucket)
	return binary.LittleEndian.Uint32(f.data[off:])
}

func (f Fragment) EntryNext(entryOff uint32) uint32 {
	return binary.LittleEndian.Uint32(f.data[entryOff:])
}

func (f Fragment) EntryHash(entryOff uint32) uint32 {
	return binary.LittleEndian.Uint32(f.data[entryOff+4:])
}

// EntryRow returns the serialized row image of an entry.
func (f Fragment) EntryRow(entryOff uint32) []byte {
	rowLen := binary.LittleEndian.Uint32(f.data[entryOff+8:])
	start := int64(entryOff) + entryHeaderSize
	return f.data[start : start+int64(rowLen)]
}

// ColValue decodes one column from a serialized row image.
func (f Fragment) ColValue(row []byte, col int) (any, bool) {
	ncols := f.NCols()
	nullmap := row[:(ncols+7)/8]
	if nullmap[col/8]&(1<<(col%8)) != 0 {
		return nil, true
	}
	off := int64((ncols + 7) / 8)
	for i := 0; i < ncols; i++ {
		t := f.ColType(i)
		if t.IsVarlen() {
			vl := int64(binary.LittleEndian.Uint32(row[off:]))
			if i == col {
				return row[off+4 : off+4+vl], false
			}
			off += 4 + vl
		} else {
			if i == col {
				return types.DecodeValue(t, row[off:off+int64(t.Size)]), false
			}
			off += int64(t.Size)
		}
	}
	return nil, true
}

// RowSource feeds a builder with one relation's rows. NextRow returns
// (nil, nil) at end of data.
type RowSource interface {
	NextRow(ctx context.Context) ([]any, error)
	Rescan(ctx context.Context) error
}
