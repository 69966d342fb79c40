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

package vm

import (
	"bytes"

	"github.com/matrixorigin/gpujoin/pkg/container/batch"
	"github.com/matrixorigin/gpujoin/pkg/vm/process"
)

type ExecStatus int

const (
	ExecNext ExecStatus = iota
	ExecStop
)

type CallResult struct {
	Batch  *batch.Batch
	Status ExecStatus
}

func NewCallResult() CallResult {
	return CallResult{Status: ExecNext}
}

// Operator is one node of an execution pipeline. Call returns a nil batch
// at end of data; Rescan rewinds the operator for re-execution with the
// same plan.
type Operator interface {
	String(buf *bytes.Buffer)
	Prepare(proc *process.Process) error
	Call(proc *process.Process) (CallResult, error)
	Rescan(proc *process.Process) error
	Free(proc *process.Process, pipelineFailed bool, err error)
}

// ChildrenCall pulls one result from a child operator.
func ChildrenCall(o Operator, proc *process.Process) (CallResult, error) {
	return o.Call(proc)
}

// BulkCapable is implemented by sources whose emitted column layout is a
// simple positional projection, so their batches can be dispatched to the
// device without per-row rewriting.
type BulkCapable interface {
	BulkOk() bool
}
