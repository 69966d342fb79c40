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

package process

import (
	"context"

	"github.com/matrixorigin/gpujoin/pkg/config"
)

// Process carries per-query execution state shared by the operators of
// one pipeline.
type Process struct {
	Ctx context.Context
	Cfg *config.Config
}

func New(ctx context.Context, cfg *config.Config) *Process {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Process{Ctx: ctx, Cfg: cfg}
}
