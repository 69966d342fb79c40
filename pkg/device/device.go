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

// Package device defines the contract between the join coordinator and
// the dispatch layer that owns device memory and kernel execution.
package device

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/gpujoin/pkg/codegen"
	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/batch"
)

// Handle identifies one device-resident allocation.
type Handle uint64

const InvalidHandle Handle = 0

type Status int32

const (
	StatusOK Status = iota
	// StatusNoSpace: the kernel found more matches than the result
	// buffer holds. Result.NItems carries the true match count so the
	// host can resubmit with an exactly sized buffer.
	StatusNoSpace
	StatusCompileFail
	StatusInternal
)

// Request is one unit of asynchronous join work. Requests are never
// shared; the coordinator creates one per outer batch and destroys it
// after consuming the result.
type Request struct {
	Program *codegen.Program
	Hash    Handle

	Outer *batch.Batch
	// RowMap restricts the outer batch to a row-index subset;
	// nil means every row.
	RowMap *roaring.Bitmap

	// ResultCap is the number of result tuples reserved, from
	// estimated_matches = outer_rows * row_population_ratio * margin.
	ResultCap int32
	NRels     int32
}

// Result of one request. Tuples is a flat int32 buffer with a stride of
// NRels+1: outer row index + 1, then the matched entry offset at every
// depth.
type Result struct {
	Status Status
	NItems int32
	Tuples []int32
	Msg    string
}

// Future is the pending completion of one submitted request.
type Future struct {
	Req  *Request
	done chan *Result
	res  *Result
}

func NewFuture(req *Request) *Future {
	return &Future{Req: req, done: make(chan *Result, 1)}
}

// Complete is called exactly once by the device layer.
func (f *Future) Complete(res *Result) {
	f.done <- res
}

// Poll reports the result without blocking.
func (f *Future) Poll() (*Result, bool) {
	if f.res != nil {
		return f.res, true
	}
	select {
	case f.res = <-f.done:
		return f.res, true
	default:
		return nil, false
	}
}

// Device is the dispatch layer. Submit returns immediately; completion
// is observed through the response queue passed at submission, or by
// polling the returned future.
type Device interface {
	Upload(ctx context.Context, data []byte) (Handle, error)
	Submit(ctx context.Context, req *Request, respq *Queue) (*Future, error)
	Release(h Handle) error
	Close() error
}

// ErrTimeout converts a missed completion wait into the fatal device
// hang error class.
func ErrTimeout(ctx context.Context) error {
	return moerr.NewDeviceTimeout(ctx)
}
