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

package codegen

import (
	"context"
	"fmt"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

func i64() types.Type { return types.New(types.T_int64) }

func col(rel, c int32) *plan.ColRef {
	return &plan.ColRef{Rel: rel, Col: c, Typ: i64()}
}

func eq(l, r plan.Expr) *plan.BinExpr {
	return &plan.BinExpr{Op: plan.OpEq, Left: l, Right: r, Typ: types.New(types.T_bool)}
}

func testSpec(t *testing.T) (*plan.JoinSpec, *plan.ProvenanceTable) {
	spec := &plan.JoinSpec{
		Relations: []plan.RelationDesc{
			{Name: "outer", Cols: []types.Type{i64(), i64()}, Rows: 1000, Width: 16},
			{Name: "r1", Cols: []types.Type{i64(), i64()}, Rows: 100, Width: 16},
			{Name: "r2", Cols: []types.Type{i64(), i64()}, Rows: 100, Width: 16},
		},
		Levels: []*plan.JoinLevel{
			{
				HashClauses: []*plan.BinExpr{eq(col(1, 0), col(0, 0))},
				QualClauses: []plan.Expr{
					&plan.BinExpr{Op: plan.OpGt, Left: col(1, 1), Right: &plan.Const{Typ: i64(), Val: int64(0)}, Typ: types.New(types.T_bool)},
				},
			},
			// second level keys on a column of the first inner relation
			{HashClauses: []*plan.BinExpr{eq(col(2, 0), col(1, 1))}},
		},
		Output: []plan.Expr{col(0, 1), col(2, 1)},
	}
	require.NoError(t, spec.Validate(context.Background()))
	prov, err := plan.ResolveProvenance(context.Background(), spec)
	require.NoError(t, err)
	return spec, prov
}

func TestProgramStructure(t *testing.T) {
	ctx := context.Background()
	spec, prov := testSpec(t)

	Convey("a compiled two-level program", t, func() {
		p, err := Build(ctx, spec, prov, hash.DefaultName)
		So(err, ShouldBeNil)
		So(p.NumRels, ShouldEqual, 2)
		So(p.NumCols, ShouldEqual, prov.NumCols())

		Convey("chains probe levels outermost first", func() {
			So(p.Probe.Depth, ShouldEqual, 1)
			So(p.Probe.Inner.Depth, ShouldEqual, 2)
			So(p.Probe.Inner.Inner, ShouldBeNil)
		})

		Convey("keeps the outer operand of each clause as the probe key", func() {
			for pl := p.Probe; pl != nil; pl = pl.Inner {
				for _, k := range pl.HashKeys {
					plan.Walk(k, func(n plan.Expr) bool {
						if r, ok := n.(*plan.OutputRef); ok {
							So(p.Map[r.Col].Depth, ShouldBeLessThan, pl.Depth)
						}
						return true
					})
				}
			}
		})

		Convey("carries the qualifier alongside the equality", func() {
			So(len(p.Probe.Conds), ShouldEqual, 2)
			So(len(p.Probe.Inner.Conds), ShouldEqual, 1)
		})

		Convey("maps every pseudo column to a source", func() {
			for _, cm := range p.Map {
				if cm.Depth == 0 {
					So(cm.FragCol, ShouldEqual, -1)
				} else {
					So(cm.FragCol, ShouldBeGreaterThanOrEqualTo, 0)
				}
			}
		})
	})
}

func TestRenderSectionOrder(t *testing.T) {
	ctx := context.Background()
	spec, prov := testSpec(t)
	p, err := Build(ctx, spec, prov, hash.DefaultName)
	require.NoError(t, err)

	sections := []string{
		"/* pseudo scan variables */",
		"gpuhashjoin_get_hash_depth1",
		"gpuhashjoin_get_hash_depth2",
		"gpuhashjoin_join_quals_depth1",
		"gpuhashjoin_join_quals_depth2",
		"gpuhashjoin_projection_mapping",
		"gpuhashjoin_projection_datum",
		"gpuhashjoin_main",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(p.Source, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		require.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
	// every pseudo column has a declaration, typed by its oid
	for c := int32(0); c < p.NumCols; c++ {
		require.Contains(t, p.Source, fmt.Sprintf("KVAR_%d", c))
	}
	require.Contains(t, p.Source, "pg_int8_t KVAR_0")
}

func TestBuildRejectsUnknownHash(t *testing.T) {
	ctx := context.Background()
	spec, prov := testSpec(t)
	_, err := Build(ctx, spec, prov, "no-such-hash")
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrProgramCompile))
}

func TestBuildRejectsHostOnlyQualifier(t *testing.T) {
	ctx := context.Background()
	spec, prov := testSpec(t)
	spec.Levels[0].QualClauses = append(spec.Levels[0].QualClauses,
		&plan.FuncExpr{Name: "random", Typ: i64(), Volatile: true})
	// re-resolve: the new leafless qual adds no columns
	prov, err := plan.ResolveProvenance(ctx, spec)
	require.NoError(t, err)
	_, err = Build(ctx, spec, prov, hash.DefaultName)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrProgramCompile))
}
