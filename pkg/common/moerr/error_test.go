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

package moerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  *Error
		code uint16
	}{
		{NewInternalError(ctx, "x %d", 1), ErrInternal},
		{NewNYI(ctx, "feature"), ErrNYI},
		{NewOOM(ctx), ErrOOM},
		{NewNotSupported(ctx, "y"), ErrNotSupported},
		{NewBadConfig(ctx, "z"), ErrBadConfig},
		{NewDeviceInternal(ctx, "w"), ErrDeviceInternal},
		{NewProgramCompile(ctx, "log", "src"), ErrProgramCompile},
		{NewResultBufNoSpace(42), ErrResultBufNoSpace},
		{NewDataCorruption(ctx, "c"), ErrDataCorruption},
		{NewProvenanceUnresolved(ctx, "rel1.c9"), ErrProvenanceUnresolved},
		{NewDeviceTimeout(ctx), ErrDeviceTimeout},
	}
	for _, c := range cases {
		require.Equal(t, c.code, c.err.ErrorCode())
		require.True(t, IsMoErrCode(c.err, c.code))
		require.False(t, IsMoErrCode(c.err, Ok))
		require.NotEmpty(t, c.err.Error())
	}
}

func TestIsMoErrCodeForeignError(t *testing.T) {
	require.False(t, IsMoErrCode(errors.New("plain"), ErrInternal))
	require.True(t, IsMoErrCode(nil, Ok))
}

func TestProgramCompileKeepsSource(t *testing.T) {
	e := NewProgramCompile(context.Background(), "undefined symbol", "__kernel void main() {}")
	require.Contains(t, e.Detail(), "undefined symbol")
	require.Contains(t, e.Detail(), "__kernel")
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := NewOOMNoCtx()
	d := base.WithDetail("during grow")
	require.Empty(t, base.Detail())
	require.Equal(t, "during grow", d.Detail())
	require.Contains(t, d.Error(), "during grow")
}
