// Package execgo is the in-process executor (spec.md §4.3): it maps an
// FLE executable's Program Headers into real memory at their chosen
// virtual addresses and transfers control to the entry point. This is the
// only component in the toolchain performing unsafe memory operations
// (spec.md §2).
package execgo

import (
	"unsafe"

	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/sysmap"
)

// Run maps o's segments and jumps to its entry point. The called code is
// expected never to return; it must terminate the process via syscall
// (spec.md §4.3). Run does not return under normal operation.
func Run(o *obj.Object) error {
	if o.Type != obj.TypeExe {
		return diag.New(diag.NotExecutable, "object type is %q, not .exe", o.Type)
	}
	if len(o.Phdrs) == 0 {
		return diag.New(diag.NotExecutable, "executable has no program headers")
	}

	mapSpan := diag.StartSpan("map")
	segs, err := sysmap.Map(o.Phdrs)
	mapSpan.Finish()
	if err != nil {
		return diag.New(diag.MapFailed, "%v", err)
	}

	if err := copyInto(o, segs); err != nil {
		return err
	}

	diag.Tracef("exec: jumping to entry %#x", o.Entry)
	jumpSpan := diag.StartSpan("jump")
	jumpSpan.Finish() // entry never returns, so there is no later point to close this span
	jump(o.Entry)
	panic("fle: entry function returned, which it must never do")
}

// copyInto copies each Program Header's backing section bytes into its
// mapping. NOBITS segments are left zero-initialized by the OS (spec.md
// §4.3 step 2).
func copyInto(o *obj.Object, segs []sysmap.Segment) error {
	byVAddr := make(map[uint64]sysmap.Segment, len(segs))
	for _, s := range segs {
		byVAddr[s.VAddr] = s
	}
	for _, p := range o.Phdrs {
		seg, ok := byVAddr[p.VAddr]
		if !ok {
			return diag.New(diag.MapFailed, "no mapping found for program header at %#x", p.VAddr)
		}
		sec, ok := o.Sections[p.Section]
		if !ok {
			continue // NOBITS-only header with no backing section content
		}
		if isNobits(o, p.Section) {
			continue // zero-filled by the OS mapping
		}
		copy(seg.Bytes, sec.Data)
	}
	return nil
}

func isNobits(o *obj.Object, section string) bool {
	for _, s := range o.Shdrs {
		if s.Name == section {
			return s.Type == obj.ShtNobits
		}
	}
	return false
}

// funcval mirrors the runtime's internal representation of a Go func
// value: a single word holding the entry PC. A func() variable is itself
// just a pointer to one of these. Building our own and reinterpreting a
// pointer to it as a func() is how the teacher's own emptyInterface/funcval
// manipulation (register.go's getFunctionPtr, itab.go's ifn assignment)
// reaches into runtime call representation from outside it; here we run it
// in reverse to construct a callable value instead of inspecting one.
type funcval struct {
	entry uintptr
}

// jump transfers control to addr as if calling a niladic function there.
func jump(addr uint64) {
	fv := &funcval{entry: uintptr(addr)}
	fn := *(*func())(unsafe.Pointer(&fv))
	fn()
}
