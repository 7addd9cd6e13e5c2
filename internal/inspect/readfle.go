package inspect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flelang/fle/internal/obj"
)

// ReadFLE renders a short structural summary of o: type, section table,
// symbol count, and (for .exe) program headers. This is the dropped
// grader tool documented in SPEC_FULL.md §1/§6 — a plain sanity-check dump
// distinct from objdump's full re-emission.
func ReadFLE(o *obj.Object) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type: %s\n", o.Type)

	names := append([]string(nil), o.SectionOrder...)
	sort.Strings(names)
	fmt.Fprintf(&b, "sections: %d\n", len(names))
	for _, name := range names {
		sec := o.Sections[name]
		fmt.Fprintf(&b, "  %-16s data=%-6d bss=%-6d relocs=%d\n", name, len(sec.Data), sec.BSSSize, len(sec.Relocs))
	}

	fmt.Fprintf(&b, "symbols: %d\n", len(o.Symbols))

	if o.Type == obj.TypeExe {
		fmt.Fprintf(&b, "entry: %#x\n", o.Entry)
		fmt.Fprintf(&b, "program headers: %d\n", len(o.Phdrs))
		for _, p := range o.Phdrs {
			fmt.Fprintf(&b, "  %-16s vaddr=%#-10x size=%#-8x flags=%s\n", p.Section, p.VAddr, p.Size, p.Flags)
		}
	}
	return b.String()
}
