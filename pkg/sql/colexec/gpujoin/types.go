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

// Package gpujoin drives one device-offloaded hash join: it builds the
// multi-level hash buffer from the inner children, compiles the probe
// program, then streams the outer child through the device in bounded
// asynchronous requests and assembles result batches from the returned
// tuple indexes.
package gpujoin

import (
	"github.com/matrixorigin/gpujoin/pkg/codegen"
	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/device"
	"github.com/matrixorigin/gpujoin/pkg/hash"
	"github.com/matrixorigin/gpujoin/pkg/sql/colexec/multihash"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
	"github.com/matrixorigin/gpujoin/pkg/vm"
)

const (
	Build = iota
	Probe
	End
)

const opName = "gpu_hash_join"

// retry caps resubmissions of one outer chunk whose result buffer came
// back too small. The second attempt uses the exact match count the
// device reported, so a third failure means the device is lying.
const maxRetries = 2

type container struct {
	state int

	prov    *plan.ProvenanceTable
	prog    *codegen.Program
	builder *multihash.Builder
	buf     *multihash.Buffer

	// rewritten to pseudo column references at Prepare
	outputs     []plan.Expr
	hostClauses []plan.Expr
	// outer relation columns feeding any probe hash key; rows with a
	// null in one of them are filtered out before submission
	keyCols []int32

	respq    *device.Queue
	inflight int
	retries  map[*device.Request]int

	outerBat  *batch.Batch
	outerOff  int
	outerDone bool

	ready []*batch.Batch
}

// GpuJoin is the operator argument. Inners[d-1] feeds the hash table of
// depth d; the outer child is probed.
type GpuJoin struct {
	Spec   *plan.JoinSpec
	Outer  vm.Operator
	Inners []vm.Operator

	Dev      device.Device
	HashFunc string

	ctr *container
}

var _ vm.Operator = (*GpuJoin)(nil)

// NewArgument keeps the zero-value fields settable by the caller.
func NewArgument() *GpuJoin {
	return &GpuJoin{HashFunc: hash.DefaultName}
}
