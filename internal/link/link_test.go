package link

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/flelang/fle/internal/container"
	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/obj"
)

func mustLoad(t *testing.T, fileName, text string) *obj.Object {
	t.Helper()
	o, err := container.Load([]byte(text))
	if err != nil {
		t.Fatalf("Load(%s): %v", fileName, err)
	}
	o.FileName = fileName
	return o
}

func TestHelloWorldLink(t *testing.T) {
	a := mustLoad(t, "a.fle", `{
  "type": ".obj",
  ".text": [
    "📤: _start 0",
    "🔢: e8",
    "❓: rel(puts - 8)"
  ]
}`)
	b := mustLoad(t, "b.fle", `{
  "type": ".obj",
  ".text": [
    "📤: puts 0",
    "🔢: c3"
  ]
}`)

	l, err := New([]*obj.Object{a, b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exe, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	if exe.Entry != DefaultBase {
		t.Fatalf("entry = %#x, want %#x", exe.Entry, DefaultBase)
	}

	sec := exe.Sections[".text"]
	if len(sec.Data) != 6 {
		t.Fatalf("merged .text length = %d, want 6", len(sec.Data))
	}
	displacement := int32(binary.LittleEndian.Uint32(sec.Data[1:5]))
	// target=5 (puts's global_offset), reloc_site=1, addend=-8:
	// V = target + addend - reloc_site - 8 = 5 - 8 - 1 - 8 = -12
	if displacement != -12 {
		t.Fatalf("PC32 displacement = %d, want -12", displacement)
	}
}

func TestWeakOverride(t *testing.T) {
	a := mustLoad(t, "a.fle", `{"type": ".obj", ".text": ["📎: log 0", "🔢: 90"]}`)
	b := mustLoad(t, "b.fle", `{"type": ".obj", ".text": ["📤: log 0", "🔢: 90", "📤: _start 1", "🔢: c3"]}`)

	l, err := New([]*obj.Object{a, b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exe, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	var logSym *obj.Symbol
	for i := range exe.Symbols {
		if exe.Symbols[i].Name == "log" {
			logSym = &exe.Symbols[i]
		}
	}
	if logSym == nil {
		t.Fatal("log symbol missing from linked executable")
	}
	// a's .text is 1 byte, so b's group_offset starts at 1: log (b's) sits at
	// global offset 1, matching b's definition rather than a's (offset 0).
	if logSym.Offset != 1 {
		t.Fatalf("log offset = %d, want 1 (B's definition)", logSym.Offset)
	}
}

func TestMultipleStrongIsAnError(t *testing.T) {
	a := mustLoad(t, "a.fle", `{"type": ".obj", ".text": ["📤: x 0", "🔢: 90"]}`)
	b := mustLoad(t, "b.fle", `{"type": ".obj", ".text": ["📤: x 0", "🔢: 90"]}`)

	l, err := New([]*obj.Object{a, b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Link()
	if err == nil {
		t.Fatal("expected MultipleDefinition error")
	}
	if !errors.Is(err, diag.Sentinel(diag.MultipleDefinition)) {
		t.Fatalf("err = %v, want MultipleDefinition", err)
	}
}

func TestABS32RangeAndValue(t *testing.T) {
	// data_var lives in .data; a .text call site holds an ABS32 reloc to it.
	a := mustLoad(t, "a.fle", `{
  "type": ".obj",
  ".text": [
    "📤: _start 0",
    "🔢: 00 00 00 00",
    "❓: abs(data_var + 0)"
  ],
  ".data": [
    "📤: data_var 0",
    "🔢: 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00"
  ]
}`)
	l, err := New([]*obj.Object{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exe, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	textSec := exe.Sections[".text"]
	patched := binary.LittleEndian.Uint32(textSec.Data[4:8])
	// .text is 8 bytes, so the .data group starts on the next page:
	// data_var's global offset is 0x1000 and V = BASE + 0x1000 + 0.
	if uint64(patched) != DefaultBase+PageSize {
		t.Fatalf("ABS32 patched value = %#x, want %#x (BASE + 0x1000)", patched, DefaultBase+PageSize)
	}
}

func TestBSSLayoutSegmentDisjointFromText(t *testing.T) {
	a := mustLoad(t, "a.fle", `{
  "type": ".obj",
  ".text": ["📤: _start 0", "🔢: c3"],
  ".bss": ["📤: buf 1024"]
}`)
	l, err := New([]*obj.Object{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exe, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	var textPH, bssPH *obj.ProgramHeader
	for i := range exe.Phdrs {
		switch exe.Phdrs[i].Section {
		case ".text":
			textPH = &exe.Phdrs[i]
		case ".bss":
			bssPH = &exe.Phdrs[i]
		}
	}
	if textPH == nil || bssPH == nil {
		t.Fatalf("expected .text and .bss program headers, got %+v", exe.Phdrs)
	}
	if bssPH.Size != 1024 {
		t.Fatalf(".bss size = %d, want 1024", bssPH.Size)
	}
	if bssPH.Flags != obj.PermRead|obj.PermWrite {
		t.Fatalf(".bss flags = %v, want rw", bssPH.Flags)
	}
	textEnd := textPH.VAddr + textPH.Size
	if bssPH.VAddr < textEnd {
		t.Fatalf(".bss vaddr %#x overlaps .text range ending at %#x", bssPH.VAddr, textEnd)
	}
	if textPH.VAddr/PageSize == bssPH.VAddr/PageSize {
		t.Fatal(".text and .bss share a page")
	}
}

func TestNoEntry(t *testing.T) {
	a := mustLoad(t, "a.fle", `{"type": ".obj", ".text": ["📤: helper 0", "🔢: c3"]}`)
	l, err := New([]*obj.Object{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Link()
	if !errors.Is(err, diag.Sentinel(diag.NoEntry)) {
		t.Fatalf("err = %v, want NoEntry", err)
	}
}

func TestSymbolOffsetMonotonicity(t *testing.T) {
	a := mustLoad(t, "a.fle", `{
  "type": ".obj",
  ".text": [
    "📤: _start 0",
    "🏷️: first 0",
    "🔢: 90",
    "🏷️: second 0",
    "🔢: 90 90"
  ]
}`)
	l, err := New([]*obj.Object{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}
	firstOff, ok := l.LocalOffset("a.fle", "first")
	if !ok {
		t.Fatal("first not in local table")
	}
	secondOff, ok := l.LocalOffset("a.fle", "second")
	if !ok {
		t.Fatal("second not in local table")
	}
	if !(firstOff < secondOff) {
		t.Fatalf("first offset %d should be < second offset %d", firstOff, secondOff)
	}
}
