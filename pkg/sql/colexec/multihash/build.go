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

	"github.com/axiomhq/hyperloglog"
	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/logutil"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

// Builder fills a Buffer with the hash tables of every inner depth,
// innermost first. When the inner side does not fit under the per-level
// thresholds the build divides into chunks; BuildNext then walks the
// cross product of per-level chunks, one buffer content per call, and
// the caller replays the outer scan against each.
type Builder struct {
	spec   *plan.JoinSpec
	prov   *plan.ProvenanceTable
	hasher hash.Hasher
	buf    *Buffer
	levels []*buildLevel
	passes int
}

type buildLevel struct {
	depth     int32
	src       RowSource
	keys      []plan.Expr // inner side of the hash clauses, in clause order
	cols      []types.Type
	colSrc    []int32 // relation column feeding each stored column
	threshold float64
	planRows  int64

	// chunk state. bounds records, during the first full scan, how many
	// source rows went into each chunk (null-keyed skips included), so a
	// rescan replays the exact same partition.
	bounds   []int64
	scanDone bool
	srcDone  bool
	chunkIdx int
	pending  []any

	// fragment image of the current chunk, replayed verbatim into the
	// buffer while other levels advance through their own chunks
	cached  []byte
	cachedN int64
	rebuild bool
}

type stagedEntry struct {
	h   uint32
	img []byte
}

// NewBuilder prepares a builder; sources[d-1] feeds depth d. The spec
// must have been through EstimateBufferSize.
func NewBuilder(ctx context.Context, spec *plan.JoinSpec, prov *plan.ProvenanceTable,
	sources []RowSource, hasherName string, maxAlloc int64) (*Builder, error) {
	if len(sources) != spec.NumRels() {
		return nil, moerr.NewInternalError(ctx, "builder got %d sources for %d inner relations",
			len(sources), spec.NumRels())
	}
	hasher, ok := hash.Get(hasherName)
	if !ok {
		return nil, moerr.NewInternalError(ctx, "unknown hash function %q", hasherName)
	}
	buf, err := NewBuffer(ctx, spec.NumRels(), spec.BufferSize, maxAlloc)
	if err != nil {
		return nil, err
	}

	b := &Builder{spec: spec, prov: prov, hasher: hasher, buf: buf}
	for d := int32(1); d <= int32(spec.NumRels()); d++ {
		lv := spec.Levels[d-1]
		bl := &buildLevel{
			depth:     d,
			src:       sources[d-1],
			threshold: lv.ThresholdRatio,
			planRows:  int64(lv.NTuples),
			rebuild:   true,
		}
		for _, cl := range lv.HashClauses {
			inner, _, err := plan.SplitHashClause(ctx, cl, d)
			if err != nil {
				return nil, err
			}
			bl.keys = append(bl.keys, inner)
		}
		for _, e := range prov.AtDepth(d) {
			bl.cols = append(bl.cols, e.Typ)
			bl.colSrc = append(bl.colSrc, e.SrcCol)
		}
		b.levels = append(b.levels, bl)
	}
	return b, nil
}

// Buffer returns the buffer being filled. The builder holds the initial
// host reference; ownership passes to the caller.
func (b *Builder) Buffer() *Buffer { return b.buf }

// BuildNext materializes the next chunk combination into the buffer.
// It returns false when every combination has been produced. The first
// call always produces one.
func (b *Builder) BuildNext(ctx context.Context) (bool, error) {
	if b.passes > 0 {
		more, err := b.advance(ctx)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
	b.buf.reset()
	// innermost first; the threshold of each level bounds the running
	// usage once that level's fragment is complete
	for i := len(b.levels) - 1; i >= 0; i-- {
		bl := b.levels[i]
		if bl.rebuild {
			if err := b.buildChunk(ctx, bl); err != nil {
				return false, err
			}
			bl.rebuild = false
		} else if err := b.replayCached(ctx, bl); err != nil {
			return false, err
		}
	}
	b.passes++
	if b.buf.Divided() {
		logutil.Infof("multihash pass %d built, usage %d of %d, %d tuples",
			b.passes, b.buf.Usage(), b.buf.Cap(), b.buf.NTuples())
	}
	return true, nil
}

// advance moves the deepest level with another chunk forward and rewinds
// every level deeper than it, odometer style. Levels that keep their
// position replay their cached fragment.
func (b *Builder) advance(ctx context.Context) (bool, error) {
	for i := len(b.levels) - 1; i >= 0; i-- {
		bl := b.levels[i]
		if !bl.hasNextChunk() {
			continue
		}
		bl.chunkIdx++
		bl.rebuild = true
		for j := i + 1; j < len(b.levels); j++ {
			deeper := b.levels[j]
			if deeper.chunkIdx == 0 {
				continue
			}
			if err := deeper.src.Rescan(ctx); err != nil {
				logutil.Errorf("rescan depth %d inner source: %v", deeper.depth, err)
				return false, err
			}
			deeper.chunkIdx = 0
			deeper.srcDone = false
			deeper.pending = nil
			deeper.rebuild = true
		}
		return true, nil
	}
	return false, nil
}

func (bl *buildLevel) hasNextChunk() bool {
	if !bl.scanDone {
		return !bl.srcDone || bl.pending != nil
	}
	return bl.chunkIdx+1 < len(bl.bounds)
}

// buildChunk stages the source rows of the level's current chunk,
// then writes them as one fragment. During the first full scan the
// chunk is cut when the running buffer usage would cross the level's
// threshold share; replayed chunks reuse the recorded row counts and
// never re-cut, growth absorbs any variation from the other levels.
func (b *Builder) buildChunk(ctx context.Context, bl *buildLevel) error {
	var (
		staged    []stagedEntry
		consumed  int64
		chunkSize int64
		keyBuf    []byte
	)
	sketch := hyperloglog.New16()
	limit := int64(bl.threshold * float64(b.buf.maxAlloc))
	replay := bl.scanDone

	for {
		if replay && consumed >= bl.bounds[bl.chunkIdx] {
			break
		}
		row, err := bl.nextRow(ctx)
		if err != nil {
			return err
		}
		if row == nil {
			bl.srcDone = true
			break
		}

		keyBuf, err = b.rowKey(ctx, bl, row, keyBuf[:0])
		if err != nil {
			return err
		}
		if keyBuf == nil {
			// a null key cannot match anything under INNER join
			consumed++
			continue
		}

		img := b.encodeLevelRow(bl, row)
		need := entrySize(len(img))
		if !replay && b.projectedUsage(bl, len(staged)+1, chunkSize+need) > limit && len(staged) > 0 {
			bl.pending = row
			b.buf.setDivided()
			break
		}

		h := b.hasher.Final(b.hasher.Update(b.hasher.Init, keyBuf))
		sketch.Insert(keyBuf)
		staged = append(staged, stagedEntry{h: h, img: img})
		chunkSize += need
		consumed++
	}

	if !bl.scanDone {
		bl.bounds = append(bl.bounds, consumed)
		if bl.srcDone && bl.pending == nil {
			bl.scanDone = true
			if len(bl.bounds) > 1 {
				logutil.Infof("depth %d divided into %d chunks", bl.depth, len(bl.bounds))
			}
		}
	}

	nslots := slotCount(sketch.Estimate(), len(staged))
	if err := b.buf.beginFragment(ctx, int(bl.depth), bl.cols, nslots); err != nil {
		return err
	}
	for _, e := range staged {
		if err := b.buf.appendEntry(ctx, int(bl.depth), e.h, e.img); err != nil {
			return err
		}
	}

	frag := b.buf.FragmentAt(int(bl.depth))
	bl.cached = append(bl.cached[:0], frag.data...)
	bl.cachedN = int64(len(staged))
	return nil
}

// replayCached copies the level's current fragment image back into the
// buffer without touching its source.
func (b *Builder) replayCached(ctx context.Context, bl *buildLevel) error {
	if err := b.buf.ensure(ctx, int64(len(bl.cached))); err != nil {
		return err
	}
	off := b.buf.usage
	b.buf.setFragOffset(int(bl.depth), off)
	copy(b.buf.data[off:], bl.cached)
	b.buf.usage = off + int64(len(bl.cached))
	b.buf.addNTuples(bl.cachedN)
	return nil
}

func (bl *buildLevel) nextRow(ctx context.Context) ([]any, error) {
	if bl.pending != nil {
		row := bl.pending
		bl.pending = nil
		return row, nil
	}
	if bl.srcDone {
		return nil, nil
	}
	return bl.src.NextRow(ctx)
}

// rowKey appends the concatenated key bytes of one source row, or
// returns nil when any key value is null.
func (b *Builder) rowKey(ctx context.Context, bl *buildLevel, row []any, dst []byte) ([]byte, error) {
	read := func(e plan.Expr) (any, bool, bool) {
		c, ok := e.(*plan.ColRef)
		if !ok || c.Rel != bl.depth || int(c.Col) >= len(row) {
			return nil, true, false
		}
		v := row[c.Col]
		return v, v == nil, true
	}
	for _, k := range bl.keys {
		v, isNull, err := colexec.EvalExpr(ctx, k, read)
		if err != nil {
			return nil, err
		}
		if isNull {
			return nil, nil
		}
		dst = AppendKeyBytes(dst, k.Type(), v)
	}
	if dst == nil {
		dst = []byte{}
	}
	return dst, nil
}

func (b *Builder) encodeLevelRow(bl *buildLevel, row []any) []byte {
	vals := make([]any, len(bl.cols))
	for i, src := range bl.colSrc {
		vals[i] = row[src]
	}
	return EncodeRow(nil, bl.cols, vals)
}

// projectedUsage bounds total buffer usage if the staged chunk were
// written now. The slot array is projected at the upper bound slotCount
// can pick, so a cut chunk never overshoots the projection when written.
func (b *Builder) projectedUsage(bl *buildLevel, nstaged int, chunkBytes int64) int64 {
	nslots := uint32(nstaged) * 2
	if nslots < 1000 {
		nslots = 1000
	}
	return b.buf.usage + fragArenaOff(len(bl.cols), nslots) + chunkBytes
}

// slotCount sizes the bucket array from the distinct-key estimate, so
// key-heavy duplication does not waste slot space. At least 1000
// buckets regardless; tiny slot arrays degrade every probe to a scan.
func slotCount(distinct uint64, nstaged int) uint32 {
	n := distinct + distinct/2
	if limit := uint64(nstaged) * 2; n > limit {
		n = limit
	}
	if n < 1000 {
		n = 1000
	}
	if n > 1<<24 {
		n = 1 << 24
	}
	return uint32(n)
}
