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

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

const (
	refHost   = 0x0001
	refDevice = 0x0002
)

// ProvenanceEntry maps one pseudo column of the join output back to the
// relation depth and column it originates from.
type ProvenanceEntry struct {
	Depth     int32
	SrcCol    int32
	OutCol    int32
	Typ       types.Type
	RefHost   bool
	RefDevice bool
	Expr      Expr // the source leaf reference
}

// ProvenanceTable is immutable once the plan is finalized.
type ProvenanceTable struct {
	Entries []ProvenanceEntry
	byOut   []int // OutCol -> index into Entries
}

func (pt *ProvenanceTable) NumCols() int {
	return len(pt.Entries)
}

func (pt *ProvenanceTable) ByOutCol(col int32) *ProvenanceEntry {
	return &pt.Entries[pt.byOut[col]]
}

// HostPrefixLen is the number of host-referenced pseudo columns; they
// always occupy output columns [0, HostPrefixLen).
func (pt *ProvenanceTable) HostPrefixLen() int {
	n := 0
	for i := range pt.Entries {
		if pt.Entries[i].RefHost {
			n++
		}
	}
	return n
}

type leafRef struct {
	expr    Expr
	refmode int
	outCol  int32
}

// ResolveProvenance collects every distinct leaf reference of the output
// list and the predicate lists, then walks the relation depths from the
// outer side inward to find the emitting relation of each leaf.
//
// Host-mode expressions are collected before device-mode ones and output
// columns are numbered in collection order, so every host-referenced
// column precedes every device-only column; the post-condition is still
// verified before returning.
func ResolveProvenance(ctx context.Context, s *JoinSpec) (*ProvenanceTable, error) {
	var leaves []leafRef

	collect := func(e Expr, mode int) {
		Walk(e, func(n Expr) bool {
			c, ok := n.(*ColRef)
			if !ok {
				return true
			}
			for i := range leaves {
				if Equal(leaves[i].expr, c) {
					leaves[i].refmode |= mode
					return false
				}
			}
			leaves = append(leaves, leafRef{
				expr:    c,
				refmode: mode,
				outCol:  int32(len(leaves)),
			})
			return false
		})
	}

	for _, e := range s.Output {
		collect(e, refHost)
	}
	for _, e := range s.HostClauses {
		collect(e, refHost)
	}
	for _, lv := range s.Levels {
		for _, cl := range lv.HashClauses {
			collect(cl, refDevice)
		}
		for _, e := range lv.QualClauses {
			collect(e, refDevice)
		}
	}

	pt := &ProvenanceTable{
		Entries: make([]ProvenanceEntry, 0, len(leaves)),
	}
	unresolved := make([]bool, len(leaves))
	for i := range unresolved {
		unresolved[i] = true
	}
	for depth := int32(0); depth <= int32(s.NumRels()); depth++ {
		rel := &s.Relations[depth]
		for i := range leaves {
			if !unresolved[i] {
				continue
			}
			c := leaves[i].expr.(*ColRef)
			if c.Rel != depth {
				continue
			}
			if int(c.Col) >= len(rel.Cols) {
				return nil, moerr.NewDataCorruption(ctx, "depth %d emits %d columns, reference wants %d",
					depth, len(rel.Cols), c.Col)
			}
			pt.Entries = append(pt.Entries, ProvenanceEntry{
				Depth:     depth,
				SrcCol:    c.Col,
				OutCol:    leaves[i].outCol,
				Typ:       rel.Cols[c.Col],
				RefHost:   leaves[i].refmode&refHost != 0,
				RefDevice: leaves[i].refmode&refDevice != 0,
				Expr:      c,
			})
			unresolved[i] = false
		}
	}
	for i, u := range unresolved {
		if u {
			return nil, moerr.NewProvenanceUnresolved(ctx, leaves[i].expr.String())
		}
	}

	pt.byOut = make([]int, len(pt.Entries))
	for i := range pt.Entries {
		pt.byOut[pt.Entries[i].OutCol] = i
	}

	// every host-referenced column must precede every device-only column
	maxHost, minDevice := int32(-1), int32(-1)
	for i := range pt.Entries {
		e := &pt.Entries[i]
		if e.RefHost && e.OutCol > maxHost {
			maxHost = e.OutCol
		}
		if !e.RefHost && (minDevice < 0 || e.OutCol < minDevice) {
			minDevice = e.OutCol
		}
	}
	if maxHost >= 0 && minDevice >= 0 && maxHost > minDevice {
		return nil, moerr.NewDataCorruption(ctx, "host column %d numbered after device-only column %d",
			maxHost, minDevice)
	}
	return pt, nil
}

// AtDepth lists the entries sourced from one relation depth, in output
// column order. For inner depths this order also fixes the column layout
// of that depth's hash table fragment; build side and probe side both
// derive it from here.
func (pt *ProvenanceTable) AtDepth(depth int32) []*ProvenanceEntry {
	var out []*ProvenanceEntry
	for col := int32(0); col < int32(len(pt.byOut)); col++ {
		e := pt.ByOutCol(col)
		if e.Depth == depth {
			out = append(out, e)
		}
	}
	return out
}

// RewriteToOutput replaces resolved leaf references with pseudo column
// references; predicates handed to the device or evaluated on assembled
// output rows see the pseudo scan, not the raw relations.
func (pt *ProvenanceTable) RewriteToOutput(e Expr) Expr {
	return Rewrite(e, func(n Expr) Expr {
		c, ok := n.(*ColRef)
		if !ok {
			return n
		}
		for i := range pt.Entries {
			ent := &pt.Entries[i]
			if Equal(ent.Expr, c) {
				return &OutputRef{Col: ent.OutCol, Typ: ent.Typ}
			}
		}
		return n
	})
}
