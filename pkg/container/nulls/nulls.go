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

package nulls

import "github.com/RoaringBitmap/roaring"

// Nulls records the null rows of a vector. The zero value is an empty set.
type Nulls struct {
	np *roaring.Bitmap
}

func New() *Nulls {
	return &Nulls{}
}

func (n *Nulls) Add(row uint32) {
	if n.np == nil {
		n.np = roaring.New()
	}
	n.np.Add(row)
}

func (n *Nulls) Contains(row uint32) bool {
	return n != nil && n.np != nil && n.np.Contains(row)
}

func (n *Nulls) Any() bool {
	return n != nil && n.np != nil && !n.np.IsEmpty()
}

func (n *Nulls) Count() int {
	if n == nil || n.np == nil {
		return 0
	}
	return int(n.np.GetCardinality())
}
