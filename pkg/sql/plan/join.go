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

type JoinType int32

const (
	INNER JoinType = iota
)

// RelationDesc describes one relation of the join chain: the columns it
// emits and the planner's cardinality estimates.
type RelationDesc struct {
	Name  string
	Cols  []types.Type
	Rows  float64
	Width int32
}

// JoinLevel carries the predicates of one inner relation (depth 1..N).
// HashClauses are the equality predicates eligible for hashing;
// QualClauses are other device-evaluable predicates of this level.
type JoinLevel struct {
	HashClauses []*BinExpr
	QualClauses []Expr

	// filled by EstimateBufferSize
	NLoops         uint32
	ThresholdRatio float64
	ChunkSize      int64
	NTuples        uint32
}

// JoinSpec is the finalized plan of one device hash join.
type JoinSpec struct {
	JoinType  JoinType
	Relations []RelationDesc // index = depth, 0 is the outer side
	Levels    []*JoinLevel   // Levels[d-1] belongs to depth d

	Output      []Expr // output expression list
	HostClauses []Expr // predicates not safely evaluable on device

	// RowPopulationRatio estimates output rows per outer row; it sizes
	// the per-request result buffer together with the safety margin.
	RowPopulationRatio float64

	// BufferSize is the initial hash buffer allocation chosen by
	// EstimateBufferSize.
	BufferSize int64
}

func (s *JoinSpec) NumRels() int {
	return len(s.Levels)
}

func (s *JoinSpec) Validate(ctx context.Context) error {
	if s.JoinType != INNER {
		return moerr.NewNotSupported(ctx, "join type %d, only INNER is supported", s.JoinType)
	}
	if len(s.Relations) != len(s.Levels)+1 {
		return moerr.NewInternalError(ctx, "join spec has %d relations for %d levels",
			len(s.Relations), len(s.Levels))
	}
	if len(s.Levels) == 0 {
		return moerr.NewInternalError(ctx, "join spec has no inner relation")
	}
	for d, lv := range s.Levels {
		if len(lv.HashClauses) == 0 {
			return moerr.NewInternalError(ctx, "depth %d has no hash clause", d+1)
		}
		for _, cl := range lv.HashClauses {
			if _, _, err := SplitHashClause(ctx, cl, int32(d+1)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SplitHashClause assigns the operands of an equality predicate to the
// two sides of a probe: the operand referencing the current depth's
// relation becomes the inner hash key, the other the outer probe key.
func SplitHashClause(ctx context.Context, cl *BinExpr, depth int32) (inner, outer Expr, err error) {
	if cl.Op != OpEq {
		return nil, nil, moerr.NewInternalError(ctx, "hash clause is not an equality: %s", cl)
	}
	lref, rref := RefsRel(cl.Left, depth), RefsRel(cl.Right, depth)
	switch {
	case lref && !rref:
		return cl.Left, cl.Right, nil
	case rref && !lref:
		return cl.Right, cl.Left, nil
	default:
		return nil, nil, moerr.NewInternalError(ctx, "hash clause %s does not separate depth %d", cl, depth)
	}
}

// Rough per-entry layout estimate; mirrors the hash fragment encoding
// without importing it (this is planning, precision does not matter).
const (
	estEntryHeader = 16
	estFragHeader  = 16
	estColMeta     = 8
	estSlotWidth   = 4
)

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// EstimateBufferSize sizes the multi-level hash buffer. If the total
// exceeds maxAlloc, the largest level gets one more outer loop and the
// whole estimation is redone; the loop count divides that level's
// expected tuples. It also computes the per-level threshold ratios,
// walking the levels from innermost to outermost and accumulating the
// running tail size over the total.
func EstimateBufferSize(ctx context.Context, s *JoinSpec, initSize, maxAlloc int64) error {
	nrels := s.NumRels()
	for d := 0; d < nrels; d++ {
		s.Levels[d].NLoops = 1
	}

	var total int64
	for {
		total = align8(int64(estFragHeader) + 8*int64(nrels+1))
		var largest int64
		iLargest := -1
		for d := 0; d < nrels; d++ {
			lv := s.Levels[d]
			rel := s.Relations[d+1]
			// 15% margin avoids a split on a near-exact estimate
			ntuples := 1.15 * rel.Rows
			if ntuples < 1000.0 {
				ntuples = 1000.0
			}
			ntuples /= float64(lv.NLoops)

			entrySize := align8(estEntryHeader + int64(rel.Width))
			chunk := align8(estFragHeader+int64(len(rel.Cols))*estColMeta) +
				align8(int64(ntuples)*estSlotWidth) +
				align8(int64(ntuples)*entrySize)
			lv.ChunkSize = chunk
			lv.NTuples = uint32(ntuples)
			total += chunk
			if chunk > largest {
				largest = chunk
				iLargest = d
			}
		}

		var tail int64
		for d := nrels - 1; d >= 0; d-- {
			tail += s.Levels[d].ChunkSize
			s.Levels[d].ThresholdRatio = float64(tail) / float64(total)
		}

		if total <= maxAlloc {
			break
		}
		if iLargest < 0 || s.Levels[iLargest].NLoops >= 1<<20 {
			return moerr.NewInternalError(ctx, "hash buffer estimation cannot converge under %d bytes", maxAlloc)
		}
		s.Levels[iLargest].NLoops++
	}

	if total < initSize {
		total = initSize
	}
	s.BufferSize = total
	return nil
}
