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

package colexec

import (
	"bytes"
	"context"

	"github.com/matrixorigin/gpujoin/pkg/common/moerr"
	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

// LeafReader resolves a leaf reference (ColRef or OutputRef) to a value.
// ok=false means the leaf is not bound in this environment, which is an
// implementation bug.
type LeafReader func(e plan.Expr) (val any, isNull bool, ok bool)

// EvalExpr evaluates a host-side expression tree. NULL propagates
// through operators; AND/OR use two-valued short circuit after NULL
// rejection, which is sufficient for predicate contexts.
func EvalExpr(ctx context.Context, e plan.Expr, read LeafReader) (any, bool, error) {
	switch x := e.(type) {
	case *plan.Const:
		return x.Val, x.IsNull, nil
	case *plan.ColRef, *plan.OutputRef:
		v, isNull, ok := read(x)
		if !ok {
			return nil, true, moerr.NewDataCorruption(ctx, "unbound reference %s", x)
		}
		return v, isNull, nil
	case *plan.BinExpr:
		return evalBin(ctx, x, read)
	case *plan.FuncExpr:
		return evalFunc(ctx, x, read)
	}
	return nil, true, moerr.NewDataCorruption(ctx, "unexpected expression node %s", e)
}

// EvalPredicate evaluates e as a qualifier: NULL counts as false.
func EvalPredicate(ctx context.Context, e plan.Expr, read LeafReader) (bool, error) {
	v, isNull, err := EvalExpr(ctx, e, read)
	if err != nil || isNull {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, moerr.NewDataCorruption(ctx, "qualifier %s is not boolean", e)
	}
	return b, nil
}

func evalBin(ctx context.Context, x *plan.BinExpr, read LeafReader) (any, bool, error) {
	lv, ln, err := EvalExpr(ctx, x.Left, read)
	if err != nil {
		return nil, true, err
	}
	rv, rn, err := EvalExpr(ctx, x.Right, read)
	if err != nil {
		return nil, true, err
	}

	if x.Op == plan.OpAnd || x.Op == plan.OpOr {
		lb, _ := lv.(bool)
		rb, _ := rv.(bool)
		if ln || rn {
			return nil, true, nil
		}
		if x.Op == plan.OpAnd {
			return lb && rb, false, nil
		}
		return lb || rb, false, nil
	}
	if ln || rn {
		return nil, true, nil
	}

	switch x.Op {
	case plan.OpEq, plan.OpNe, plan.OpLt, plan.OpLe, plan.OpGt, plan.OpGe:
		c, err := Compare(ctx, x.Left.Type(), lv, rv)
		if err != nil {
			return nil, true, err
		}
		switch x.Op {
		case plan.OpEq:
			return c == 0, false, nil
		case plan.OpNe:
			return c != 0, false, nil
		case plan.OpLt:
			return c < 0, false, nil
		case plan.OpLe:
			return c <= 0, false, nil
		case plan.OpGt:
			return c > 0, false, nil
		default:
			return c >= 0, false, nil
		}
	case plan.OpAdd, plan.OpSub, plan.OpMul, plan.OpMod:
		v, err := arith(ctx, x.Op, x.Left.Type(), lv, rv)
		return v, false, err
	}
	return nil, true, moerr.NewDataCorruption(ctx, "unexpected operator %s", x.Op)
}

// Compare orders two non-null values of the same type.
func Compare(ctx context.Context, t types.Type, a, b any) (int, error) {
	switch t.Oid {
	case types.T_bool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	case types.T_int8:
		return cmpOrdered(a.(int8), b.(int8)), nil
	case types.T_int16:
		return cmpOrdered(a.(int16), b.(int16)), nil
	case types.T_int32, types.T_date:
		return cmpOrdered(a.(int32), b.(int32)), nil
	case types.T_int64:
		return cmpOrdered(a.(int64), b.(int64)), nil
	case types.T_float32:
		return cmpOrdered(a.(float32), b.(float32)), nil
	case types.T_float64:
		return cmpOrdered(a.(float64), b.(float64)), nil
	case types.T_varchar:
		return bytes.Compare(toBytes(a), toBytes(b)), nil
	}
	return 0, moerr.NewDataCorruption(ctx, "unexpected comparison type %s", t)
}

func toBytes(v any) []byte {
	switch s := v.(type) {
	case []byte:
		return s
	case string:
		return []byte(s)
	}
	return nil
}

func cmpOrdered[T int8 | int16 | int32 | int64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func arith(ctx context.Context, op plan.BinOp, t types.Type, a, b any) (any, error) {
	switch t.Oid {
	case types.T_int8:
		return arithInt(op, int64(a.(int8)), int64(b.(int8)))
	case types.T_int16:
		return arithInt(op, int64(a.(int16)), int64(b.(int16)))
	case types.T_int32, types.T_date:
		return arithInt(op, int64(a.(int32)), int64(b.(int32)))
	case types.T_int64:
		return arithInt(op, a.(int64), b.(int64))
	case types.T_float64:
		x, y := a.(float64), b.(float64)
		switch op {
		case plan.OpAdd:
			return x + y, nil
		case plan.OpSub:
			return x - y, nil
		case plan.OpMul:
			return x * y, nil
		}
	}
	return nil, moerr.NewDataCorruption(ctx, "arithmetic %s unsupported on %s", op, t)
}

func arithInt(op plan.BinOp, a, b int64) (any, error) {
	switch op {
	case plan.OpAdd:
		return a + b, nil
	case plan.OpSub:
		return a - b, nil
	case plan.OpMul:
		return a * b, nil
	case plan.OpMod:
		if b == 0 {
			return int64(0), moerr.NewInternalErrorNoCtx("modulo by zero")
		}
		return a % b, nil
	}
	return nil, moerr.NewInternalErrorNoCtx("unexpected integer operator")
}

func evalFunc(ctx context.Context, x *plan.FuncExpr, read LeafReader) (any, bool, error) {
	args := make([]any, len(x.Args))
	for i, a := range x.Args {
		v, isNull, err := EvalExpr(ctx, a, read)
		if err != nil {
			return nil, true, err
		}
		if isNull {
			return nil, true, nil
		}
		args[i] = v
	}
	fn, ok := builtins[x.Name]
	if !ok {
		return nil, true, moerr.NewNYI(ctx, "function "+x.Name)
	}
	v, err := fn(args)
	return v, false, err
}

var builtins = map[string]func([]any) (any, error){
	"abs": func(args []any) (any, error) {
		switch v := args[0].(type) {
		case int32:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		}
		return nil, moerr.NewInternalErrorNoCtx("abs: unexpected argument")
	},
	"length": func(args []any) (any, error) {
		return int64(len(toBytes(args[0]))), nil
	},
}

// RegisterBuiltin installs a host function; volatile test predicates and
// deployment-specific functions hook in here.
func RegisterBuiltin(name string, fn func([]any) (any, error)) {
	builtins[name] = fn
}
