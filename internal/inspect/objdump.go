// Package inspect implements the objdump, nm, and readfle pretty-printers
// (spec.md §4.4, SPEC_FULL.md §6). They are read-only views over the object
// model; none of them mutate the Object they're handed.
package inspect

import (
	"github.com/flelang/fle/internal/container"
	"github.com/flelang/fle/internal/obj"
)

// Objdump re-emits o as FLE text, in section-line grammar order, using the
// same codec the linker consumes (spec.md §4.4): "walk sections in
// insertion order... merge symbol offsets and relocation offsets as
// breaks... emit hex runs of up to 16 bytes between them." container.Emit
// already implements exactly this walk for Emit's own round-trip
// guarantee, so Objdump is a thin re-export rather than a second
// implementation of the same break-merging logic.
func Objdump(o *obj.Object) ([]byte, error) {
	return container.Emit(o)
}
