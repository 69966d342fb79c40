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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max-async-requests = 16
chunk-rows = 4096
device-wait-timeout = "5s"
log-level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.MaxAsyncRequests)
	require.Equal(t, 4096, cfg.ChunkRows)
	require.Equal(t, 5*time.Second, cfg.DeviceWaitTimeout.Duration)
	require.Equal(t, "debug", cfg.LogLevel)
	// untouched fields keep their defaults
	require.Equal(t, Default().MaxBufferSize, cfg.MaxBufferSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.MaxAsyncRequests = 0 },
		func(c *Config) { c.ChunkRows = -1 },
		func(c *Config) { c.InitBufferSize = 0 },
		func(c *Config) { c.MaxBufferSize = c.InitBufferSize - 1 },
		func(c *Config) { c.SafetyMargin = 0.5 },
		func(c *Config) { c.DeviceWorkers = 0 },
		func(c *Config) { c.DeviceWaitTimeout = Duration{} },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig), "case %d", i)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
}
