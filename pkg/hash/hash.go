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

// Package hash provides the key checksum shared by the hash-table
// builder and the device program. Build side and probe side must use
// the same named function or probes would miss every entry.
package hash

import "hash/crc32"

// Hasher is a named running checksum. Update folds the byte
// representation of one key into the running value.
type Hasher struct {
	Name   string
	Init   uint32
	Update func(prev uint32, data []byte) uint32
	Final  func(h uint32) uint32
}

const DefaultName = "crc32"

var registry = map[string]Hasher{}

func Register(h Hasher) {
	registry[h.Name] = h
}

func Get(name string) (Hasher, bool) {
	h, ok := registry[name]
	return h, ok
}

func init() {
	Register(Hasher{
		Name: DefaultName,
		Init: 0,
		Update: func(prev uint32, data []byte) uint32 {
			return crc32.Update(prev, crc32.IEEETable, data)
		},
		Final: func(h uint32) uint32 { return h },
	})
}
