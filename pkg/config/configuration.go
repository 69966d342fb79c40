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
	"context"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
)

// Config carries the engine tuning knobs. All fields have working
// defaults so the engine runs without a configuration file.
type Config struct {
	// MaxAsyncRequests bounds the number of join requests in flight
	// on the device at the same time.
	MaxAsyncRequests int `toml:"max-async-requests"`

	// ChunkRows is the number of outer rows batched into one request.
	ChunkRows int `toml:"chunk-rows"`

	// InitBufferSize is the initial allocation of the multi-level hash
	// buffer, before any grow.
	InitBufferSize int64 `toml:"init-buffer-size"`

	// MaxBufferSize caps hash buffer growth. Beyond it, the largest
	// level gets an extra outer loop instead of a larger buffer.
	MaxBufferSize int64 `toml:"max-buffer-size"`

	// SafetyMargin scales the estimated result row count when sizing
	// a result buffer.
	SafetyMargin float64 `toml:"safety-margin"`

	// DeviceWorkers is the kernel worker pool size of the software device.
	DeviceWorkers int `toml:"device-workers"`

	// DeviceWaitTimeout bounds a blocking wait for any completion.
	// Expiry is treated as a device hang and is fatal.
	DeviceWaitTimeout Duration `toml:"device-wait-timeout"`

	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`
}

// Duration decodes "30s" style TOML strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		MaxAsyncRequests:  8,
		ChunkRows:         8192,
		InitBufferSize:    1 << 20,
		MaxBufferSize:     1 << 30,
		SafetyMargin:      1.1,
		DeviceWorkers:     4,
		DeviceWaitTimeout: Duration{30 * time.Second},
		LogLevel:          "info",
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, moerr.NewBadConfig(context.Background(), "cannot decode %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	ctx := context.Background()
	if c.MaxAsyncRequests < 1 {
		return moerr.NewBadConfig(ctx, "max-async-requests must be positive, got %d", c.MaxAsyncRequests)
	}
	if c.ChunkRows < 1 {
		return moerr.NewBadConfig(ctx, "chunk-rows must be positive, got %d", c.ChunkRows)
	}
	if c.InitBufferSize <= 0 || c.MaxBufferSize < c.InitBufferSize {
		return moerr.NewBadConfig(ctx, "buffer sizes out of range: init %d, max %d",
			c.InitBufferSize, c.MaxBufferSize)
	}
	if c.SafetyMargin < 1.0 {
		return moerr.NewBadConfig(ctx, "safety-margin below 1.0: %f", c.SafetyMargin)
	}
	if c.DeviceWorkers < 1 {
		return moerr.NewBadConfig(ctx, "device-workers must be positive, got %d", c.DeviceWorkers)
	}
	if c.DeviceWaitTimeout.Duration <= 0 {
		return moerr.NewBadConfig(ctx, "device-wait-timeout must be positive")
	}
	return nil
}
