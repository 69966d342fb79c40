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

package device

import (
	"context"
	"time"

	queue "github.com/yireyun/go-queue"
)

// Queue is the completion channel between device workers and one join
// coordinator: workers push finished futures, the coordinator either
// try-dequeues opportunistically or blocks waiting for any completion.
type Queue struct {
	q      *queue.EsQueue
	notify chan struct{}
}

func NewQueue(capacity uint32) *Queue {
	return &Queue{
		q:      queue.NewQueue(capacity),
		notify: make(chan struct{}, capacity),
	}
}

// Push never blocks; capacity is sized to the in-flight bound.
func (rq *Queue) Push(f *Future) {
	for {
		if ok, _ := rq.q.Put(f); ok {
			break
		}
		// full queue means more completions than in-flight requests,
		// which is a bug in the caller's bookkeeping
		time.Sleep(time.Millisecond)
	}
	select {
	case rq.notify <- struct{}{}:
	default:
	}
}

// TryPop returns nil when no completion is pending.
func (rq *Queue) TryPop() *Future {
	v, ok, _ := rq.q.Get()
	if !ok {
		return nil
	}
	return v.(*Future)
}

// Pop blocks until a completion arrives. A wait that sees nothing
// within timeout is treated as a device hang.
func (rq *Queue) Pop(ctx context.Context, timeout time.Duration) (*Future, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if f := rq.TryPop(); f != nil {
			return f, nil
		}
		select {
		case <-rq.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout(ctx)
		}
	}
}
