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

// Package codegen turns a finalized join plan into the device program:
// a structured probe description the dispatch layer executes, plus the
// rendered kernel source itself.
package codegen

import (
	"context"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

// ColMap locates one pseudo output column: outer columns come straight
// from the outer batch, inner columns from that depth's hash table
// fragment (FragCol is the column index inside the fragment row image).
type ColMap struct {
	OutCol  int32
	Depth   int32
	Typ     types.Type
	SrcCol  int32
	FragCol int32
}

// ProbeLevel is one step of the nested probe. HashKeys are the outer
// side of the level's hash clauses, in clause order; the probe hash is
// the named hash function folded over their encoded values in exactly
// that order. Conds carry the full equality clauses plus the level's
// other qualifiers; they run on every hash-matched candidate, so a
// colliding entry with unequal keys is always rejected.
type ProbeLevel struct {
	Depth    int32
	HashKeys []plan.Expr
	Conds    []plan.Expr
	Inner    *ProbeLevel
}

// Program is the compiled form of one join. Expressions inside refer to
// pseudo output columns only; raw relation references do not survive
// compilation.
type Program struct {
	NumRels  int32
	NumCols  int32
	HashFunc string
	Map      []ColMap
	Probe    *ProbeLevel
	Source   string
}

// Build compiles spec against its resolved provenance. The hash
// function must be registered; build side and probe side share it by
// name.
func Build(ctx context.Context, spec *plan.JoinSpec, prov *plan.ProvenanceTable, hashFunc string) (*Program, error) {
	if _, ok := hash.Get(hashFunc); !ok {
		return nil, moerr.NewProgramCompile(ctx, "unknown hash function "+hashFunc, "")
	}
	p := &Program{
		NumRels:  int32(spec.NumRels()),
		NumCols:  int32(prov.NumCols()),
		HashFunc: hashFunc,
	}

	for col := int32(0); col < p.NumCols; col++ {
		e := prov.ByOutCol(col)
		cm := ColMap{OutCol: col, Depth: e.Depth, Typ: e.Typ, SrcCol: e.SrcCol, FragCol: -1}
		if e.Depth > 0 {
			for i, de := range prov.AtDepth(e.Depth) {
				if de.OutCol == col {
					cm.FragCol = int32(i)
					break
				}
			}
		}
		p.Map = append(p.Map, cm)
	}

	var inner *ProbeLevel
	for d := int32(spec.NumRels()); d >= 1; d-- {
		lv := spec.Levels[d-1]
		pl := &ProbeLevel{Depth: d, Inner: inner}
		for _, cl := range lv.HashClauses {
			_, outer, err := plan.SplitHashClause(ctx, cl, d)
			if err != nil {
				return nil, err
			}
			pl.HashKeys = append(pl.HashKeys, prov.RewriteToOutput(outer))
			pl.Conds = append(pl.Conds, prov.RewriteToOutput(cl))
		}
		for _, q := range lv.QualClauses {
			pl.Conds = append(pl.Conds, prov.RewriteToOutput(q))
		}
		inner = pl
	}
	p.Probe = inner

	if err := p.Validate(ctx); err != nil {
		return nil, err
	}
	p.Source = render(p)
	return p, nil
}

// Validate rejects programs the device runtime cannot execute: raw
// relation references, out-of-range pseudo columns, host-only
// expressions, and probe keys that peek at depths not yet joined.
func (p *Program) Validate(ctx context.Context) error {
	maxDepthOf := func(e plan.Expr) (int32, error) {
		var bad plan.Expr
		maxd := int32(-1)
		plan.Walk(e, func(n plan.Expr) bool {
			switch x := n.(type) {
			case *plan.ColRef:
				bad = x
				return false
			case *plan.OutputRef:
				if x.Col < 0 || x.Col >= p.NumCols {
					bad = x
					return false
				}
				if d := p.Map[x.Col].Depth; d > maxd {
					maxd = d
				}
			}
			return true
		})
		if bad != nil {
			return 0, moerr.NewProgramCompile(ctx, "unresolved reference "+bad.String(), p.Source)
		}
		return maxd, nil
	}

	for pl := p.Probe; pl != nil; pl = pl.Inner {
		for _, k := range pl.HashKeys {
			if !plan.DeviceEvaluable(k) {
				return moerr.NewProgramCompile(ctx, "hash key not device evaluable: "+k.String(), p.Source)
			}
			d, err := maxDepthOf(k)
			if err != nil {
				return err
			}
			if d >= pl.Depth {
				return moerr.NewProgramCompile(ctx, "probe key of depth references unjoined depth: "+k.String(), p.Source)
			}
		}
		for _, c := range pl.Conds {
			if !plan.DeviceEvaluable(c) {
				return moerr.NewProgramCompile(ctx, "qualifier not device evaluable: "+c.String(), p.Source)
			}
			d, err := maxDepthOf(c)
			if err != nil {
				return err
			}
			if d > pl.Depth {
				return moerr.NewProgramCompile(ctx, "qualifier references unjoined depth: "+c.String(), p.Source)
			}
		}
	}
	return nil
}
