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
	"fmt"
)

const (
	// Ok is not an error.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrInternal     uint16 = 20101
	ErrNYI          uint16 = 20102
	ErrOOM          uint16 = 20103
	ErrNotSupported uint16 = 20105
	ErrBadConfig    uint16 = 20300

	// Group 2: device offload errors
	ErrDeviceInternal       uint16 = 21001
	ErrProgramCompile       uint16 = 21002
	ErrResultBufNoSpace     uint16 = 21003
	ErrDataCorruption       uint16 = 21004
	ErrProvenanceUnresolved uint16 = 21005
	ErrDeviceTimeout        uint16 = 21006
)

var errNames = map[uint16]string{
	ErrInternal:             "internal error",
	ErrNYI:                  "not yet implemented",
	ErrOOM:                  "out of memory",
	ErrNotSupported:         "not supported",
	ErrBadConfig:            "invalid configuration",
	ErrDeviceInternal:       "device internal error",
	ErrProgramCompile:       "device program build failure",
	ErrResultBufNoSpace:     "result buffer too small",
	ErrDataCorruption:       "data corruption",
	ErrProvenanceUnresolved: "unresolved column provenance",
	ErrDeviceTimeout:        "device wait timeout",
}

// Error is the only error type produced by this module. The code decides
// whether the caller may retry (only ErrResultBufNoSpace is retryable,
// and it is handled inside the join operator, never surfaced).
type Error struct {
	code   uint16
	msg    string
	detail string
}

func (e *Error) Error() string {
	if e.detail == "" {
		return e.msg
	}
	return e.msg + ": " + e.detail
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

// Detail carries auxiliary diagnostics, e.g. the generated device source
// attached to a program build failure.
func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) WithDetail(detail string) *Error {
	return &Error{code: e.code, msg: e.msg, detail: detail}
}

func newError(code uint16, msg string) *Error {
	if msg == "" {
		msg = errNames[code]
	}
	return &Error{code: code, msg: msg}
}

// IsMoErrCode reports whether err is an *Error carrying the given code.
func IsMoErrCode(err error, code uint16) bool {
	if err == nil {
		return code == Ok
	}
	me, ok := err.(*Error)
	return ok && me.code == code
}

func NewInternalError(ctx context.Context, format string, args ...any) *Error {
	_ = ctx
	return newError(ErrInternal, fmt.Sprintf(format, args...))
}

func NewInternalErrorNoCtx(format string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(format, args...))
}

func NewNYI(ctx context.Context, what string) *Error {
	_ = ctx
	return newError(ErrNYI, fmt.Sprintf("%s is not yet implemented", what))
}

func NewNotSupported(ctx context.Context, format string, args ...any) *Error {
	_ = ctx
	return newError(ErrNotSupported, fmt.Sprintf(format, args...))
}

func NewOOM(ctx context.Context) *Error {
	_ = ctx
	return newError(ErrOOM, "")
}

func NewOOMNoCtx() *Error {
	return newError(ErrOOM, "")
}

func NewBadConfig(ctx context.Context, format string, args ...any) *Error {
	_ = ctx
	return newError(ErrBadConfig, fmt.Sprintf(format, args...))
}

func NewDeviceInternal(ctx context.Context, format string, args ...any) *Error {
	_ = ctx
	return newError(ErrDeviceInternal, fmt.Sprintf(format, args...))
}

// NewProgramCompile reports a device build failure. The generated source
// and the device build log go into the detail so the failure is debuggable.
func NewProgramCompile(ctx context.Context, buildLog string, source string) *Error {
	_ = ctx
	e := newError(ErrProgramCompile, "")
	return e.WithDetail(buildLog + "\n" + source)
}

func NewResultBufNoSpace(needed int) *Error {
	return newError(ErrResultBufNoSpace, fmt.Sprintf("result buffer too small, %d rooms needed", needed))
}

func NewDataCorruption(ctx context.Context, format string, args ...any) *Error {
	_ = ctx
	return newError(ErrDataCorruption, fmt.Sprintf(format, args...))
}

func NewProvenanceUnresolved(ctx context.Context, what string) *Error {
	_ = ctx
	return newError(ErrProvenanceUnresolved, fmt.Sprintf("no source relation emits %s", what))
}

func NewDeviceTimeout(ctx context.Context) *Error {
	_ = ctx
	return newError(ErrDeviceTimeout, "")
}
