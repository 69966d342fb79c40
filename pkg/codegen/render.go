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

package codegen

import (
	"fmt"
	"strings"

	"github.com/matrixorigin/gpujoin/pkg/container/types"
	"github.com/matrixorigin/gpujoin/pkg/sql/plan"
)

// The rendered source has a fixed section order; the device compiler
// and anyone diffing two programs rely on it: pseudo column variable
// declarations, then one hash-value function per depth, one
// join-qualifier function per depth, the projection mapping function,
// the projection datum function, and finally the probe entry point.
func render(p *Program) string {
	var b strings.Builder

	b.WriteString("/* device hash join program */\n")
	fmt.Fprintf(&b, "#define JOIN_NUM_RELS %d\n", p.NumRels)
	fmt.Fprintf(&b, "#define JOIN_NUM_COLS %d\n", p.NumCols)
	fmt.Fprintf(&b, "#define JOIN_HASH_FUNC %s\n\n", p.HashFunc)

	renderDecls(&b, p)
	for pl := p.Probe; pl != nil; pl = pl.Inner {
		renderHashFunc(&b, pl)
	}
	for pl := p.Probe; pl != nil; pl = pl.Inner {
		renderQualFunc(&b, pl)
	}
	renderProjectionMapping(&b, p)
	renderProjectionDatum(&b, p)
	renderMain(&b, p)
	return b.String()
}

func cTypeName(t types.Type) string {
	return "pg_" + t.Oid.DeviceTypeName() + "_t"
}

func renderDecls(b *strings.Builder, p *Program) {
	b.WriteString("/* pseudo scan variables */\n")
	for _, cm := range p.Map {
		fmt.Fprintf(b, "static %s KVAR_%d;\n", cTypeName(cm.Typ), cm.OutCol)
	}
	b.WriteByte('\n')
}

func renderHashFunc(b *strings.Builder, pl *ProbeLevel) {
	fmt.Fprintf(b, "static cl_uint\ngpuhashjoin_get_hash_depth%d(__private cl_int *errcode)\n{\n", pl.Depth)
	b.WriteString("  cl_uint hash = HASH_INIT;\n")
	for _, k := range pl.HashKeys {
		fmt.Fprintf(b, "  hash = HASH_UPDATE(hash, %s);\n", renderExpr(k))
	}
	b.WriteString("  return HASH_FINAL(hash);\n}\n\n")
}

func renderQualFunc(b *strings.Builder, pl *ProbeLevel) {
	fmt.Fprintf(b, "static cl_bool\ngpuhashjoin_join_quals_depth%d(__private cl_int *errcode)\n{\n", pl.Depth)
	if len(pl.Conds) == 0 {
		b.WriteString("  return true;\n}\n\n")
		return
	}
	for _, c := range pl.Conds {
		fmt.Fprintf(b, "  if (!EVAL(%s))\n    return false;\n", renderExpr(c))
	}
	b.WriteString("  return true;\n}\n\n")
}

func renderProjectionMapping(b *strings.Builder, p *Program) {
	b.WriteString("static void\ngpuhashjoin_projection_mapping(cl_int dest_colidx,\n")
	b.WriteString("                               __private cl_uint *src_depth,\n")
	b.WriteString("                               __private cl_uint *src_colidx)\n{\n")
	b.WriteString("  switch (dest_colidx)\n  {\n")
	for _, cm := range p.Map {
		src := cm.SrcCol
		if cm.Depth > 0 {
			src = cm.FragCol
		}
		fmt.Fprintf(b, "  case %d:\n    *src_depth = %d;\n    *src_colidx = %d;\n    break;\n",
			cm.OutCol, cm.Depth, src)
	}
	b.WriteString("  default:\n    *src_depth = INT_MAX;\n    *src_colidx = INT_MAX;\n    break;\n  }\n}\n\n")
}

func renderProjectionDatum(b *strings.Builder, p *Program) {
	b.WriteString("static void\ngpuhashjoin_projection_datum(__private cl_int *errcode,\n")
	b.WriteString("                             __global Datum *slot_values,\n")
	b.WriteString("                             __global cl_char *slot_isnull,\n")
	b.WriteString("                             cl_int depth, cl_int colidx,\n")
	b.WriteString("                             hostptr_t hostaddr, __global void *datum)\n{\n")
	b.WriteString("  switch (depth)\n  {\n")
	for d := int32(0); d <= p.NumRels; d++ {
		fmt.Fprintf(b, "  case %d:\n    switch (colidx)\n    {\n", d)
		for _, cm := range p.Map {
			if cm.Depth != d {
				continue
			}
			src := cm.SrcCol
			if d > 0 {
				src = cm.FragCol
			}
			fmt.Fprintf(b, "    case %d:\n      %s\n      break;\n", src, datumStore(cm))
		}
		b.WriteString("    default:\n      break;\n    }\n    break;\n")
	}
	b.WriteString("  default:\n    break;\n  }\n}\n\n")
}

// datumStore picks the width-matched store; varlena keeps the device
// pointer, fixed values are copied by value.
func datumStore(cm ColMap) string {
	if cm.Typ.IsVarlen() {
		return fmt.Sprintf("STORE_POINTER(slot_values, slot_isnull, %d, datum);", cm.OutCol)
	}
	switch cm.Typ.Size {
	case 1:
		return fmt.Sprintf("STORE_BYTE(slot_values, slot_isnull, %d, datum);", cm.OutCol)
	case 2:
		return fmt.Sprintf("STORE_SHORT(slot_values, slot_isnull, %d, datum);", cm.OutCol)
	case 4:
		return fmt.Sprintf("STORE_INT(slot_values, slot_isnull, %d, datum);", cm.OutCol)
	default:
		return fmt.Sprintf("STORE_LONG(slot_values, slot_isnull, %d, datum);", cm.OutCol)
	}
}

func renderMain(b *strings.Builder, p *Program) {
	b.WriteString("__kernel void\ngpuhashjoin_main(__global kern_hashjoin *khashjoin,\n")
	b.WriteString("                 __global kern_multihash *kmhash,\n")
	b.WriteString("                 __global kern_data_store *kds,\n")
	b.WriteString("                 __global kern_resultbuf *kresults)\n{\n")
	b.WriteString("  cl_uint outer_idx = get_global_id(0);\n")
	b.WriteString("  cl_int errcode = StromError_Success;\n")
	b.WriteString("  cl_int rbuffer[JOIN_NUM_RELS + 1];\n")
	b.WriteString("  rbuffer[0] = outer_idx + 1;\n")
	renderProbeBody(b, p.Probe, 1)
	b.WriteString("}\n")
}

func renderProbeBody(b *strings.Builder, pl *ProbeLevel, indent int) {
	pad := strings.Repeat("  ", indent)
	if pl == nil {
		fmt.Fprintf(b, "%skern_resultbuf_put(kresults, outer_idx, rbuffer);\n", pad)
		return
	}
	fmt.Fprintf(b, "%s{\n", pad)
	fmt.Fprintf(b, "%s  cl_uint hash_%d = gpuhashjoin_get_hash_depth%d(&errcode);\n", pad, pl.Depth, pl.Depth)
	fmt.Fprintf(b, "%s  __global kern_hashentry *kentry_%d;\n", pad, pl.Depth)
	fmt.Fprintf(b, "%s  for (kentry_%d = KERN_HASH_FIRST_ENTRY(kmhash, %d, hash_%d);\n",
		pad, pl.Depth, pl.Depth, pl.Depth)
	fmt.Fprintf(b, "%s       kentry_%d != NULL;\n", pad, pl.Depth)
	fmt.Fprintf(b, "%s       kentry_%d = KERN_HASH_NEXT_ENTRY(kmhash, %d, kentry_%d))\n",
		pad, pl.Depth, pl.Depth, pl.Depth)
	fmt.Fprintf(b, "%s  {\n", pad)
	fmt.Fprintf(b, "%s    if (kentry_%d->hash != hash_%d)\n%s      continue;\n", pad, pl.Depth, pl.Depth, pad)
	fmt.Fprintf(b, "%s    if (!gpuhashjoin_join_quals_depth%d(&errcode))\n%s      continue;\n",
		pad, pl.Depth, pad)
	fmt.Fprintf(b, "%s    rbuffer[%d] = KERN_HASH_ENTRY_OFFSET(kmhash, %d, kentry_%d);\n",
		pad, pl.Depth, pl.Depth, pl.Depth)
	renderProbeBody(b, pl.Inner, indent+2)
	fmt.Fprintf(b, "%s  }\n", pad)
	fmt.Fprintf(b, "%s}\n", pad)
}

func renderExpr(e plan.Expr) string {
	switch x := e.(type) {
	case *plan.OutputRef:
		return fmt.Sprintf("KVAR_%d", x.Col)
	case *plan.Const:
		if x.IsNull {
			return "PG_NULL"
		}
		if x.Typ.IsVarlen() {
			return fmt.Sprintf("%q", x.Val)
		}
		return fmt.Sprintf("%v", x.Val)
	case *plan.BinExpr:
		return fmt.Sprintf("(%s %s %s)", renderExpr(x.Left), x.Op, renderExpr(x.Right))
	case *plan.FuncExpr:
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = renderExpr(a)
		}
		return fmt.Sprintf("pgfn_%s(%s)", x.Name, strings.Join(args, ", "))
	}
	return "/* unreachable */"
}
