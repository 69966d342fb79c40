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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

type sliceRows struct {
	rows [][]any
	i    int
}

func (s *sliceRows) NextRow(ctx context.Context) ([]any, error) {
	if s.i >= len(s.rows) {
		return nil, nil
	}
	r := s.rows[s.i]
	s.i++
	return r, nil
}

func (s *sliceRows) Rescan(ctx context.Context) error {
	s.i = 0
	return nil
}

// oneLevelSpec joins outer(c0 int64) with inner(c0 int64, c1 varchar)
// on c0. The inner fragment stores the payload (host referenced) before
// the key (device only), following pseudo column order.
func oneLevelSpec(t *testing.T, innerRows float64) (*plan.JoinSpec, *plan.ProvenanceTable) {
	i64 := types.New(types.T_int64)
	vc := types.New(types.T_varchar)
	spec := &plan.JoinSpec{
		Relations: []plan.RelationDesc{
			{Name: "outer", Cols: []types.Type{i64}, Rows: 1000, Width: 8},
			{Name: "inner", Cols: []types.Type{i64, vc}, Rows: innerRows, Width: 24},
		},
		Levels: []*plan.JoinLevel{{
			HashClauses: []*plan.BinExpr{{
				Op:    plan.OpEq,
				Left:  &plan.ColRef{Rel: 1, Col: 0, Typ: i64},
				Right: &plan.ColRef{Rel: 0, Col: 0, Typ: i64},
				Typ:   types.New(types.T_bool),
			}},
		}},
		Output: []plan.Expr{
			&plan.ColRef{Rel: 0, Col: 0, Typ: i64},
			&plan.ColRef{Rel: 1, Col: 1, Typ: vc},
		},
		RowPopulationRatio: 1.0,
	}
	require.NoError(t, spec.Validate(context.Background()))
	prov, err := plan.ResolveProvenance(context.Background(), spec)
	require.NoError(t, err)
	return spec, prov
}

const fragKeyCol = 1 // int64 key position inside the inner fragment row

// findKey walks the chain of key's bucket in a serialized buffer.
func findKey(t *testing.T, buf []byte, hasher hash.Hasher, key int64) []uint32 {
	i64 := types.New(types.T_int64)
	kb := types.EncodeValue(nil, i64, key)
	h := hasher.Final(hasher.Update(hasher.Init, kb))

	frag := FragmentOf(buf, 1)
	var found []uint32
	for off := frag.SlotHead(h % frag.NSlots()); off != 0; off = frag.EntryNext(off) {
		if frag.EntryHash(off) != h {
			continue
		}
		v, isNull := frag.ColValue(frag.EntryRow(off), fragKeyCol)
		require.False(t, isNull)
		if v.(int64) == key {
			found = append(found, off)
		}
	}
	return found
}

func innerData(n int) [][]any {
	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		rows[i] = []any{int64(i), []byte(fmt.Sprintf("payload-%d", i))}
	}
	return rows
}

func TestBuildAndLookupCompleteness(t *testing.T) {
	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 1000)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<20, 1<<30))

	src := &sliceRows{rows: innerData(1000)}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, hash.DefaultName, 1<<30)
	require.NoError(t, err)

	ok, err := b.BuildNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	buf := b.Buffer()
	require.False(t, buf.Divided())
	require.Equal(t, int64(1000), buf.NTuples())

	hasher, _ := hash.Get(hash.DefaultName)
	data := buf.Bytes()
	for k := int64(0); k < 1000; k++ {
		offs := findKey(t, data, hasher, k)
		require.Len(t, offs, 1, "key %d", k)
		frag := FragmentOf(data, 1)
		v, isNull := frag.ColValue(frag.EntryRow(offs[0]), 0)
		require.False(t, isNull)
		require.Equal(t, []byte(fmt.Sprintf("payload-%d", k)), v.([]byte))
	}
	require.Empty(t, findKey(t, data, hasher, 5000))

	ok, err = b.BuildNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLookupSurvivesRelocation(t *testing.T) {
	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 2000)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<20, 1<<30))
	// undersized start forces several grows during the build
	spec.BufferSize = 1 << 10

	src := &sliceRows{rows: innerData(2000)}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, hash.DefaultName, 1<<30)
	require.NoError(t, err)
	ok, err := b.BuildNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	buf := b.Buffer()
	require.Greater(t, buf.Cap(), int64(1<<10))

	// probe through a byte-for-byte copy at a different base
	copied := append([]byte(nil), buf.Bytes()...)
	hasher, _ := hash.Get(hash.DefaultName)
	for k := int64(0); k < 2000; k += 97 {
		require.Len(t, findKey(t, copied, hasher, k), 1, "key %d", k)
	}
}

func TestWeakHashChainsStillDistinguishKeys(t *testing.T) {
	hash.Register(hash.Hasher{
		Name:   "const7",
		Init:   0,
		Update: func(prev uint32, data []byte) uint32 { return 7 },
		Final:  func(h uint32) uint32 { return h },
	})

	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 50)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<20, 1<<30))

	src := &sliceRows{rows: innerData(50)}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, "const7", 1<<30)
	require.NoError(t, err)
	ok, err := b.BuildNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// every entry collides into one chain; key equality on the decoded
	// row is the only thing separating them
	hasher, _ := hash.Get("const7")
	data := b.Buffer().Bytes()
	for k := int64(0); k < 50; k++ {
		require.Len(t, findKey(t, data, hasher, k), 1, "key %d", k)
	}

	frag := FragmentOf(data, 1)
	chainLen := 0
	for off := frag.SlotHead(7 % frag.NSlots()); off != 0; off = frag.EntryNext(off) {
		chainLen++
	}
	require.Equal(t, 50, chainLen)
}

func TestDividedBuildCoversEveryRowOnce(t *testing.T) {
	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 4000)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<12, 1<<30))

	// cap the allocation well below the data size so the build divides
	maxAlloc := int64(64 << 10)
	spec.BufferSize = 1 << 12
	src := &sliceRows{rows: innerData(4000)}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, hash.DefaultName, maxAlloc)
	require.NoError(t, err)

	hasher, _ := hash.Get(hash.DefaultName)
	seen := make(map[int64]int)
	passes := 0
	for {
		ok, err := b.BuildNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		passes++
		require.LessOrEqual(t, b.Buffer().Usage(), maxAlloc)
		data := b.Buffer().Bytes()
		for k := int64(0); k < 4000; k++ {
			seen[k] += len(findKey(t, data, hasher, k))
		}
	}
	require.Greater(t, passes, 1)
	require.True(t, b.Buffer().Divided())
	for k := int64(0); k < 4000; k++ {
		require.Equal(t, 1, seen[k], "key %d", k)
	}
}

func TestNullKeyRowsAreDropped(t *testing.T) {
	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 10)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<20, 1<<30))

	rows := innerData(10)
	rows[3][0] = nil
	rows[7][0] = nil
	src := &sliceRows{rows: rows}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, hash.DefaultName, 1<<30)
	require.NoError(t, err)
	ok, err := b.BuildNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(8), b.Buffer().NTuples())
}

func TestZeroRowInnerBuildsEmptyFragment(t *testing.T) {
	ctx := context.Background()
	spec, prov := oneLevelSpec(t, 1)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<20, 1<<30))

	src := &sliceRows{}
	b, err := NewBuilder(ctx, spec, prov, []RowSource{src}, hash.DefaultName, 1<<30)
	require.NoError(t, err)
	ok, err := b.BuildNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	buf := b.Buffer()
	require.Equal(t, int64(0), buf.NTuples())
	frag := FragmentOf(buf.Bytes(), 1)
	for s := uint32(0); s < frag.NSlots(); s++ {
		require.Zero(t, frag.SlotHead(s))
	}

	ok, err = b.BuildNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

// failingRescan yields rows normally but cannot replay them.
type failingRescan struct {
	inner sliceRows
}

func (f *failingRescan) NextRow(ctx context.Context) ([]any, error) { return f.inner.NextRow(ctx) }

func (f *failingRescan) Rescan(ctx context.Context) error {
	return moerr.NewInternalErrorNoCtx("inner source cannot rewind")
}

// chainSpec joins outer(c0) with r1(c0, c1) on c0, then r2(c0, c1) on
// r1.c1, all int64.
func chainSpec(t *testing.T, innerRows float64) (*plan.JoinSpec, *plan.ProvenanceTable) {
	i64 := types.New(types.T_int64)
	boolT := types.New(types.T_bool)
	spec := &plan.JoinSpec{
		Relations: []plan.RelationDesc{
			{Name: "outer", Cols: []types.Type{i64}, Rows: 1000, Width: 8},
			{Name: "r1", Cols: []types.Type{i64, i64}, Rows: innerRows, Width: 16},
			{Name: "r2", Cols: []types.Type{i64, i64}, Rows: innerRows, Width: 16},
		},
		Levels: []*plan.JoinLevel{
			{HashClauses: []*plan.BinExpr{{
				Op:    plan.OpEq,
				Left:  &plan.ColRef{Rel: 1, Col: 0, Typ: i64},
				Right: &plan.ColRef{Rel: 0, Col: 0, Typ: i64},
				Typ:   boolT,
			}}},
			{HashClauses: []*plan.BinExpr{{
				Op:    plan.OpEq,
				Left:  &plan.ColRef{Rel: 2, Col: 0, Typ: i64},
				Right: &plan.ColRef{Rel: 1, Col: 1, Typ: i64},
				Typ:   boolT,
			}}},
		},
		Output: []plan.Expr{
			&plan.ColRef{Rel: 0, Col: 0, Typ: i64},
			&plan.ColRef{Rel: 2, Col: 1, Typ: i64},
		},
		RowPopulationRatio: 1.0,
	}
	require.NoError(t, spec.Validate(context.Background()))
	prov, err := plan.ResolveProvenance(context.Background(), spec)
	require.NoError(t, err)
	return spec, prov
}

func i64Pairs(n int) [][]any {
	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		rows[i] = []any{int64(i), int64(i)}
	}
	return rows
}

// A divided build rewinds deeper sources every time a shallower level
// advances. A source that cannot rewind must fail the build; finishing
// with the remaining chunk combinations unbuilt would silently drop
// join matches.
func TestDividedBuildSurfacesRescanFailure(t *testing.T) {
	ctx := context.Background()
	spec, prov := chainSpec(t, 4000)
	require.NoError(t, plan.EstimateBufferSize(ctx, spec, 1<<12, 1<<30))

	// both levels divide under this cap, so depth 1 eventually advances
	// and rewinds depth 2
	maxAlloc := int64(64 << 10)
	spec.BufferSize = 1 << 12
	sources := []RowSource{
		&sliceRows{rows: i64Pairs(4000)},
		&failingRescan{inner: sliceRows{rows: i64Pairs(4000)}},
	}
	b, err := NewBuilder(ctx, spec, prov, sources, hash.DefaultName, maxAlloc)
	require.NoError(t, err)

	passes := 0
	for {
		ok, err := b.BuildNext(ctx)
		if err != nil {
			require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
			require.Greater(t, passes, 1)
			return
		}
		require.True(t, ok, "build ended before the rescan failure surfaced")
		passes++
	}
}
