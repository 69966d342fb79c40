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
	"context"
	"encoding/binary"
	"sync"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/logutil"
)

// Buffer owns the host copy of one multi-level hash table and tracks
// its device mirror. The host side is refcounted because a rescan can
// reuse the buffer while an earlier consumer still drains results; the
// device side is refcounted separately because many in-flight requests
// share one upload.
type Buffer struct {
	mu     sync.Mutex
	refcnt int32

	data     []byte
	usage    int64
	maxAlloc int64
	nrels    int

	devHandle device.Handle
	devUsers  int32
}

// NewBuffer allocates an empty buffer for nrels inner relations.
func NewBuffer(ctx context.Context, nrels int, initSize, maxAlloc int64) (*Buffer, error) {
	if initSize > maxAlloc {
		initSize = maxAlloc
	}
	h := bufHeaderSize(nrels)
	if initSize < h {
		return nil, moerr.NewOOM(ctx)
	}
	b := &Buffer{
		refcnt:   1,
		data:     make([]byte, initSize),
		usage:    h,
		maxAlloc: maxAlloc,
		nrels:    nrels,
	}
	binary.LittleEndian.PutUint32(b.data[bufNRelsOff:], uint32(nrels))
	b.syncHeader()
	return b, nil
}

func (b *Buffer) syncHeader() {
	binary.LittleEndian.PutUint64(b.data[bufUsageOff:], uint64(b.usage))
}

// Bytes returns the serialized buffer, header through last entry. The
// slice aliases the host copy; it is stable until the next grow.
func (b *Buffer) Bytes() []byte {
	b.syncHeader()
	return b.data[:b.usage]
}

func (b *Buffer) Usage() int64   { return b.usage }
func (b *Buffer) Cap() int64     { return int64(len(b.data)) }
func (b *Buffer) NumLevels() int { return b.nrels }

func (b *Buffer) NTuples() int64 {
	return int64(binary.LittleEndian.Uint64(b.data[bufNTuplesOff:]))
}

func (b *Buffer) addNTuples(n int64) {
	binary.LittleEndian.PutUint64(b.data[bufNTuplesOff:], uint64(b.NTuples()+n))
}

func (b *Buffer) Divided() bool {
	return binary.LittleEndian.Uint32(b.data[bufFlagsOff:])&flagDivided != 0
}

func (b *Buffer) setDivided() {
	f := binary.LittleEndian.Uint32(b.data[bufFlagsOff:])
	binary.LittleEndian.PutUint32(b.data[bufFlagsOff:], f|flagDivided)
}

// FragmentAt views the hash table of one depth, 1-based.
func (b *Buffer) FragmentAt(depth int) Fragment {
	return FragmentOf(b.data, depth)
}

func (b *Buffer) fragOffset(depth int) int64 {
	return int64(binary.LittleEndian.Uint64(b.data[bufOffTabOff+8*depth:]))
}

func (b *Buffer) setFragOffset(depth int, off int64) {
	binary.LittleEndian.PutUint64(b.data[bufOffTabOff+8*depth:], uint64(off))
}

// ensure grows the host copy until n more bytes fit. Growing doubles
// the allocation and copies; every stored link is an offset, so the
// content needs no fix-up at the new base. A device mirror of the old
// content stays valid for requests already holding it.
func (b *Buffer) ensure(ctx context.Context, n int64) error {
	need := b.usage + n
	if need <= int64(len(b.data)) {
		return nil
	}
	newCap := int64(len(b.data))
	for newCap < need {
		newCap *= 2
	}
	if newCap > b.maxAlloc {
		if need > b.maxAlloc {
			return moerr.NewOOM(ctx)
		}
		newCap = b.maxAlloc
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.usage])
	logutil.Debugf("multihash buffer grow %d -> %d (usage %d)",
		len(b.data), newCap, b.usage)
	b.data = grown
	return nil
}

// Retain takes one host reference.
func (b *Buffer) Retain() {
	b.mu.Lock()
	b.refcnt++
	b.mu.Unlock()
}

// Release drops one host reference; the last one also drops any device
// mirror still held.
func (b *Buffer) Release(dev device.Device) {
	b.mu.Lock()
	b.refcnt--
	last := b.refcnt == 0
	h := b.devHandle
	b.mu.Unlock()
	if last && h != device.InvalidHandle && dev != nil {
		if err := dev.Release(h); err != nil {
			logutil.Errorf("release device hash table: %v", err)
		}
	}
}

// AcquireDevice returns a device handle for the current content,
// uploading at most once. Concurrent acquirers race for the lock; the
// first uploads, the rest reuse its handle and only bump the user
// count.
func (b *Buffer) AcquireDevice(ctx context.Context, dev device.Device) (device.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.devHandle != device.InvalidHandle {
		b.devUsers++
		return b.devHandle, nil
	}
	h, err := dev.Upload(ctx, b.Bytes())
	if err != nil {
		return device.InvalidHandle, err
	}
	b.devHandle = h
	b.devUsers = 1
	return h, nil
}

// ReleaseDevice drops one device user; the last one frees the upload so
// a divided buffer can upload its next chunk.
func (b *Buffer) ReleaseDevice(dev device.Device) error {
	b.mu.Lock()
	b.devUsers--
	last := b.devUsers == 0
	h := b.devHandle
	if last {
		b.devHandle = device.InvalidHandle
	}
	b.mu.Unlock()
	if last && h != device.InvalidHandle {
		return dev.Release(h)
	}
	return nil
}

// reset rewinds the buffer to an empty state, keeping the allocation.
// Used between chunks of a divided build.
func (b *Buffer) reset() {
	b.usage = bufHeaderSize(b.nrels)
	binary.LittleEndian.PutUint64(b.data[bufNTuplesOff:], 0)
	for d := 0; d <= b.nrels; d++ {
		b.setFragOffset(d, 0)
	}
	// the divided flag survives a reset on purpose: once any chunk
	// splits, every chunk reports the split to the coordinator
}

// beginFragment opens the hash table of one depth at the current write
// position: header, column metadata and a zeroed slot array.
func (b *Buffer) beginFragment(ctx context.Context, depth int, cols []types.Type, nslots uint32) error {
	arena := fragArenaOff(len(cols), nslots)
	if err := b.ensure(ctx, arena); err != nil {
		return err
	}
	off := b.usage
	b.setFragOffset(depth, off)

	f := b.data[off:]
	for i := range f[:arena] {
		f[i] = 0
	}
	binary.LittleEndian.PutUint16(f[fragNColsOff:], uint16(len(cols)))
	binary.LittleEndian.PutUint32(f[fragNSlotsOff:], nslots)
	for i, t := range cols {
		m := fragMetaOff + colMetaSize*int64(i)
		if t.ByVal() {
			f[m] = 1
		}
		f[m+1] = byte(t.Align)
		f[m+2] = byte(t.Oid)
		binary.LittleEndian.PutUint32(f[m+4:], uint32(t.Size))
	}
	binary.LittleEndian.PutUint64(f[fragLenOff:], uint64(arena))
	b.usage = off + arena
	return nil
}

// appendEntry writes one row into the open fragment of depth and links
// it at the head of its bucket chain.
func (b *Buffer) appendEntry(ctx context.Context, depth int, h uint32, row []byte) error {
	sz := entrySize(len(row))
	if err := b.ensure(ctx, sz); err != nil {
		return err
	}
	fragOff := b.fragOffset(depth)
	f := b.data[fragOff:]
	entryOff := uint32(b.usage - fragOff)

	nslots := binary.LittleEndian.Uint32(f[fragNSlotsOff:])
	slot := fragSlotsOff(int(binary.LittleEndian.Uint16(f[fragNColsOff:]))) + 4*int64(h%nslots)

	e := b.data[b.usage:]
	binary.LittleEndian.PutUint32(e[0:], binary.LittleEndian.Uint32(f[slot:]))
	binary.LittleEndian.PutUint32(e[4:], h)
	binary.LittleEndian.PutUint32(e[8:], uint32(len(row)))
	binary.LittleEndian.PutUint32(e[12:], 0)
	copy(e[entryHeaderSize:], row)
	for i := entryHeaderSize + len(row); i < int(sz); i++ {
		e[i] = 0
	}

	binary.LittleEndian.PutUint32(f[slot:], entryOff)
	b.usage += sz
	binary.LittleEndian.PutUint64(f[fragLenOff:], uint64(b.usage-fragOff))
	b.addNTuples(1)
	return nil
}
