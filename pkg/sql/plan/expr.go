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

package plan

import (
	"fmt"

	"github.com/matrixorigin/gpujoin/pkg/container/types"
)

type BinOp int32

const (
	OpEq BinOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpMod
	OpAnd
	OpOr
)

func (op BinOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpMod:
		return "%"
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	}
	return "?"
}

type Expr interface {
	Type() types.Type
	String() string
}

// ColRef references a column of one join relation. Rel 0 is the outer
// relation, 1..N are the hashed inner relations.
type ColRef struct {
	Rel int32
	Col int32
	Typ types.Type
}

// OutputRef references a pseudo column of the join's synthesized output
// row. Expressions are rewritten from ColRef to OutputRef once column
// provenance is resolved.
type OutputRef struct {
	Col int32
	Typ types.Type
}

type Const struct {
	Typ    types.Type
	Val    any
	IsNull bool
}

type BinExpr struct {
	Op          BinOp
	Left, Right Expr
	Typ         types.Type
}

// FuncExpr is a function call. Volatile functions are never evaluated on
// the device; any clause containing one becomes a host clause.
type FuncExpr struct {
	Name     string
	Args     []Expr
	Typ      types.Type
	Volatile bool
}

func (e *ColRef) Type() types.Type    { return e.Typ }
func (e *OutputRef) Type() types.Type { return e.Typ }
func (e *Const) Type() types.Type     { return e.Typ }
func (e *BinExpr) Type() types.Type   { return e.Typ }
func (e *FuncExpr) Type() types.Type  { return e.Typ }

func (e *ColRef) String() string {
	return fmt.Sprintf("rel%d.c%d", e.Rel, e.Col)
}

func (e *OutputRef) String() string {
	return fmt.Sprintf("out.c%d", e.Col)
}

func (e *Const) String() string {
	if e.IsNull {
		return "NULL"
	}
	return fmt.Sprintf("%v", e.Val)
}

func (e *BinExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

func (e *FuncExpr) String() string {
	s := e.Name + "("
	for i, a := range e.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s + ")"
}

// Equal compares two expressions structurally.
func Equal(a, b Expr) bool {
	switch x := a.(type) {
	case *ColRef:
		y, ok := b.(*ColRef)
		return ok && x.Rel == y.Rel && x.Col == y.Col
	case *OutputRef:
		y, ok := b.(*OutputRef)
		return ok && x.Col == y.Col
	case *Const:
		y, ok := b.(*Const)
		return ok && x.IsNull == y.IsNull && x.Val == y.Val && x.Typ.Oid == y.Typ.Oid
	case *BinExpr:
		y, ok := b.(*BinExpr)
		return ok && x.Op == y.Op && Equal(x.Left, y.Left) && Equal(x.Right, y.Right)
	case *FuncExpr:
		y, ok := b.(*FuncExpr)
		if !ok || x.Name != y.Name || len(x.Args) != len(y.Args) {
			return false
		}
		for i := range x.Args {
			if !Equal(x.Args[i], y.Args[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Walk visits e and its children pre-order; fn returning false prunes
// the subtree.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *BinExpr:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *FuncExpr:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	}
}

// Rewrite rebuilds e bottom-up, replacing each node by fn(node).
func Rewrite(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch x := e.(type) {
	case *BinExpr:
		n := &BinExpr{Op: x.Op, Typ: x.Typ}
		n.Left = Rewrite(x.Left, fn)
		n.Right = Rewrite(x.Right, fn)
		return fn(n)
	case *FuncExpr:
		n := &FuncExpr{Name: x.Name, Typ: x.Typ, Volatile: x.Volatile}
		n.Args = make([]Expr, len(x.Args))
		for i, a := range x.Args {
			n.Args[i] = Rewrite(a, fn)
		}
		return fn(n)
	default:
		return fn(e)
	}
}

// DeviceEvaluable reports whether the whole expression can run inside a
// generated device program. Volatile functions and varlena arithmetic
// stay on the host.
func DeviceEvaluable(e Expr) bool {
	ok := true
	Walk(e, func(n Expr) bool {
		switch x := n.(type) {
		case *FuncExpr:
			if x.Volatile {
				ok = false
				return false
			}
			if _, found := deviceFuncs[x.Name]; !found {
				ok = false
				return false
			}
		case *BinExpr:
			if x.Op != OpEq && x.Op != OpNe && x.Left.Type().IsVarlen() {
				ok = false
				return false
			}
		}
		return true
	})
	return ok
}

// deviceFuncs is the set of functions the device runtime implements.
var deviceFuncs = map[string]struct{}{
	"abs":    {},
	"length": {},
}

// RefsRel reports whether e references any column of relation depth d.
func RefsRel(e Expr, d int32) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if c, ok := n.(*ColRef); ok && c.Rel == d {
			found = true
			return false
		}
		return true
	})
	return found
}
