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

package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

func i64() types.Type   { return types.New(types.T_int64) }
func vc() types.Type    { return types.New(types.T_varchar) }
func boolT() types.Type { return types.New(types.T_bool) }

func col(rel, c int32, t types.Type) *ColRef {
	return &ColRef{Rel: rel, Col: c, Typ: t}
}

func eq(l, r Expr) *BinExpr {
	return &BinExpr{Op: OpEq, Left: l, Right: r, Typ: boolT()}
}

// twoLevelSpec: outer(a, b) ⋈ r1(k, v) ⋈ r2(k, w)
func twoLevelSpec() *JoinSpec {
	return &JoinSpec{
		Relations: []RelationDesc{
			{Name: "outer", Cols: []types.Type{i64(), i64()}, Rows: 1000, Width: 16},
			{Name: "r1", Cols: []types.Type{i64(), vc()}, Rows: 100, Width: 24},
			{Name: "r2", Cols: []types.Type{i64(), i64()}, Rows: 100, Width: 16},
		},
		Levels: []*JoinLevel{
			{HashClauses: []*BinExpr{eq(col(1, 0, i64()), col(0, 0, i64()))}},
			{HashClauses: []*BinExpr{eq(col(2, 0, i64()), col(0, 1, i64()))}},
		},
		Output: []Expr{
			col(0, 0, i64()),
			col(1, 1, vc()),
			col(2, 1, i64()),
		},
		RowPopulationRatio: 1.0,
	}
}

func TestResolveProvenanceHostPrefix(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	pt, err := ResolveProvenance(ctx, s)
	require.NoError(t, err)

	// output list leaves plus the key columns, deduplicated
	require.Equal(t, 6, pt.NumCols())

	// host-referenced columns occupy a contiguous prefix
	n := pt.HostPrefixLen()
	require.Equal(t, 3, n)
	for c := int32(0); c < int32(pt.NumCols()); c++ {
		e := pt.ByOutCol(c)
		if int(c) < n {
			require.True(t, e.RefHost, "col %d", c)
		} else {
			require.False(t, e.RefHost, "col %d", c)
			require.True(t, e.RefDevice, "col %d", c)
		}
	}
}

func TestResolveProvenanceDedupsSharedLeaves(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	// outer.c0 appears in both the output list and a hash clause; it must
	// resolve to a single pseudo column flagged for both modes
	pt, err := ResolveProvenance(ctx, s)
	require.NoError(t, err)

	var hits []*ProvenanceEntry
	for i := range pt.Entries {
		e := &pt.Entries[i]
		if e.Depth == 0 && e.SrcCol == 0 {
			hits = append(hits, e)
		}
	}
	require.Len(t, hits, 1)
	require.True(t, hits[0].RefHost)
	require.True(t, hits[0].RefDevice)
}

func TestResolveProvenanceUnresolvedLeaf(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	s.Output = append(s.Output, col(5, 0, i64()))
	_, err := ResolveProvenance(ctx, s)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrProvenanceUnresolved))
}

func TestResolveProvenanceColumnOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	s.Output = append(s.Output, col(1, 9, i64()))
	_, err := ResolveProvenance(ctx, s)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrDataCorruption))
}

func TestAtDepthFollowsOutputOrder(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	pt, err := ResolveProvenance(ctx, s)
	require.NoError(t, err)

	d1 := pt.AtDepth(1)
	require.Len(t, d1, 2)
	// payload column (host referenced) is numbered before the key column
	require.Equal(t, int32(1), d1[0].SrcCol)
	require.Equal(t, int32(0), d1[1].SrcCol)
	require.Less(t, d1[0].OutCol, d1[1].OutCol)
}

func TestRewriteToOutput(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	pt, err := ResolveProvenance(ctx, s)
	require.NoError(t, err)

	e := pt.RewriteToOutput(eq(col(0, 0, i64()), col(1, 0, i64())))
	be := e.(*BinExpr)
	_, lok := be.Left.(*OutputRef)
	_, rok := be.Right.(*OutputRef)
	require.True(t, lok)
	require.True(t, rok)
}

func TestSplitHashClause(t *testing.T) {
	ctx := context.Background()
	cl := eq(col(0, 0, i64()), col(1, 0, i64()))
	inner, outer, err := SplitHashClause(ctx, cl, 1)
	require.NoError(t, err)
	require.Equal(t, int32(1), inner.(*ColRef).Rel)
	require.Equal(t, int32(0), outer.(*ColRef).Rel)

	// both operands on the same side cannot be separated
	bad := eq(col(1, 0, i64()), col(1, 1, i64()))
	_, _, err = SplitHashClause(ctx, bad, 1)
	require.Error(t, err)
}

func TestEstimateBufferSizeLoops(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	s.Relations[1].Rows = 1e7
	s.Relations[1].Width = 64

	require.NoError(t, EstimateBufferSize(ctx, s, 1<<20, 8<<20))
	require.LessOrEqual(t, s.BufferSize, int64(8<<20))
	// the big level got extra loops, the small one did not
	require.Greater(t, s.Levels[0].NLoops, uint32(1))
	require.Equal(t, uint32(1), s.Levels[1].NLoops)
}

func TestEstimateThresholdRatiosDescendInward(t *testing.T) {
	ctx := context.Background()
	s := twoLevelSpec()
	require.NoError(t, EstimateBufferSize(ctx, s, 1<<20, 1<<30))

	// outermost level's ratio covers the whole tail, innermost the least
	require.Greater(t, s.Levels[0].ThresholdRatio, s.Levels[1].ThresholdRatio)
	require.LessOrEqual(t, s.Levels[0].ThresholdRatio, 1.0)
	require.Greater(t, s.Levels[1].ThresholdRatio, 0.0)
}

func TestDeviceEvaluable(t *testing.T) {
	require.True(t, DeviceEvaluable(eq(col(0, 0, i64()), col(1, 0, i64()))))
	require.True(t, DeviceEvaluable(&FuncExpr{Name: "abs", Args: []Expr{col(0, 0, i64())}, Typ: i64()}))
	require.False(t, DeviceEvaluable(&FuncExpr{Name: "random", Args: nil, Typ: i64(), Volatile: true}))
	require.False(t, DeviceEvaluable(&FuncExpr{Name: "upper", Args: []Expr{col(0, 0, vc())}, Typ: vc()}))
	// ordering comparison on varlena stays on the host
	lt := &BinExpr{Op: OpLt, Left: col(0, 0, vc()), Right: col(1, 1, vc()), Typ: boolT()}
	require.False(t, DeviceEvaluable(lt))
}
