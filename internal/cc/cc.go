// Package cc is the FLE front end: it shells out to a host C compiler,
// treating it as an oracle (spec.md §1), then reads the resulting
// relocatable ELF object with the standard library's debug/elf reader —
// there is no third-party ELF reader anywhere in the retrieved example
// pack that improves on debug/elf for this read-only extraction, so
// stdlib is the deliberate choice here (see DESIGN.md) — and lowers it to
// an FLE .obj via internal/container.
package cc

import (
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flelang/fle/internal/container"
	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/reloctype"
	"github.com/flelang/fle/internal/symkind"
)

// hostFlags is the fixed flag set spec.md §6 requires cc to invoke the
// host compiler with.
var hostFlags = []string{
	"-c", "-static", "-fno-common", "-nostdlib",
	"-ffreestanding", "-fno-asynchronous-unwind-tables",
}

// Options configures one Compile invocation.
type Options struct {
	CC      string   // host compiler, defaults to $CC or "cc"
	Sources []string // may contain doublestar glob patterns, e.g. "src/**/*.c"
	Extra   []string // additional gcc-compatible flags passed through verbatim
	Out     string   // output .fle path
}

func hostCompiler(cc string) string {
	if cc != "" {
		return cc
	}
	if env := os.Getenv("CC"); env != "" {
		return env
	}
	return "cc"
}

// expandSources resolves glob patterns in Sources against the working
// directory, in encounter order, de-duplicating repeated matches.
func expandSources(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, diag.Wrapf(err, "expanding source pattern %q", p)
		}
		if len(matches) == 0 {
			// Not every pattern needs to be a glob; a literal path that
			// doesn't match anything on disk yet is still passed through
			// so the host compiler produces its own "no such file" error.
			matches = []string{p}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Compile invokes the host compiler on opts.Sources, extracts ALLOC
// sections/symbols/relocations from the resulting relocatable ELF, and
// writes an FLE .obj to opts.Out.
func Compile(opts Options) error {
	sources, err := expandSources(opts.Sources)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("cc: no source files given")
	}

	tmp, err := os.CreateTemp("", "fle-cc-*.o")
	if err != nil {
		return diag.Wrap(err, "cc")
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	args := append(append([]string{}, hostFlags...), opts.Extra...)
	args = append(args, sources...)
	args = append(args, "-o", tmpName)

	cmd := exec.Command(hostCompiler(opts.CC), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return diag.Wrapf(err, "host compiler %q failed", hostCompiler(opts.CC))
	}

	o, err := extractObject(tmpName, basenameFor(sources))
	if err != nil {
		return err
	}

	data, err := container.Emit(o)
	if err != nil {
		return diag.Wrap(err, "cc: emitting FLE object")
	}
	return os.WriteFile(opts.Out, data, 0o644)
}

func basenameFor(sources []string) string {
	if len(sources) == 0 {
		return "a.fle"
	}
	base := filepath.Base(sources[0])
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".fle"
}

// excludedSections mirrors spec.md §6: ALLOC sections only, excluding
// note.gnu.property.
func excludedSections(name string) bool {
	return name == ".note.gnu.property"
}

func extractObject(elfPath, fileName string) (*obj.Object, error) {
	f, err := elf.Open(elfPath)
	if err != nil {
		return nil, diag.Wrapf(err, "reading ELF output %q", elfPath)
	}
	defer f.Close()

	o := obj.NewObject(obj.TypeObj, fileName)

	sectionIndex := map[int]*elf.Section{}
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if excludedSections(s.Name) {
			continue
		}
		sectionIndex[i] = s
		sec := o.SectionOrCreate(s.Name)
		if s.Type == elf.SHT_NOBITS {
			sec.BSSSize = int(s.Size)
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, diag.Wrapf(err, "reading section %q", s.Name)
		}
		sec.Data = data
	}

	symbols, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, diag.Wrap(err, "reading symbol table")
	}
	for _, sym := range symbols {
		if sym.Name == "" {
			continue
		}
		secIdx := int(sym.Section)
		sec, ok := sectionIndex[secIdx]
		if !ok {
			continue // symbol into an excluded/non-ALLOC section: not FLE-visible
		}
		binding, ok := classifyBinding(sym)
		if !ok {
			continue
		}
		o.Symbols = append(o.Symbols, obj.Symbol{
			Name:    sym.Name,
			Binding: binding,
			Section: sec.Name,
			Offset:  int(sym.Value),
			Size:    int64(sym.Size),
		})
	}

	for i, s := range f.Sections {
		sec, ok := sectionIndex[i]
		if !ok {
			continue
		}
		dst := o.Sections[sec.Name]
		relSectionName := ".rela" + s.Name
		relSec := f.Section(relSectionName)
		if relSec == nil {
			continue
		}
		relocs, err := readRelocations(f, relSec, symbols)
		if err != nil {
			return nil, err
		}
		dst.Relocs = append(dst.Relocs, relocs...)
	}

	if err := o.Validate(); err != nil {
		return nil, diag.Wrap(err, "cc: internal consistency")
	}
	return o, nil
}

func classifyBinding(sym elf.Symbol) (symkind.Binding, bool) {
	switch elf.ST_BIND(sym.Info) {
	case elf.STB_LOCAL:
		return symkind.LOCAL, true
	case elf.STB_WEAK:
		return symkind.WEAK, true
	case elf.STB_GLOBAL:
		return symkind.GLOBAL, true
	default:
		return 0, false
	}
}

// readRelocations decodes an ELF64 RELA section, restricted to the five
// relocation kinds spec.md §1 allows.
func readRelocations(f *elf.File, relSec *elf.Section, symbols []elf.Symbol) ([]obj.Relocation, error) {
	data, err := relSec.Data()
	if err != nil {
		return nil, diag.Wrapf(err, "reading relocation section %q", relSec.Name)
	}
	const relaEntSize = 24 // r_offset, r_info, r_addend, each 8 bytes
	var out []obj.Relocation
	for off := 0; off+relaEntSize <= len(data); off += relaEntSize {
		rOffset := f.ByteOrder.Uint64(data[off:])
		rInfo := f.ByteOrder.Uint64(data[off+8:])
		rAddend := int64(f.ByteOrder.Uint64(data[off+16:]))

		symIdx := rInfo >> 32
		relType := elf.R_X86_64(rInfo & 0xffffffff)

		kind, ok := classifyRelocType(relType)
		if !ok {
			return nil, diag.New(diag.UnsupportedReloc, "relocation type %v is not one of the supported kinds", relType)
		}
		if symIdx == 0 {
			return nil, fmt.Errorf("relocation references STN_UNDEF (symbol index 0)")
		}
		// f.Symbols() drops the null symtab[0] entry, so an externally
		// supplied index x (as r_info's symbol field is) corresponds to
		// symbols[x-1], not symbols[x] (see debug/elf's Symbols doc comment).
		if int(symIdx-1) >= len(symbols) {
			return nil, fmt.Errorf("relocation references out-of-range symbol index %d", symIdx)
		}
		out = append(out, obj.Relocation{
			Kind:   kind,
			Offset: int(rOffset),
			Symbol: symbols[symIdx-1].Name,
			Addend: rAddend,
		})
	}
	return out, nil
}

func classifyRelocType(t elf.R_X86_64) (reloctype.Kind, bool) {
	switch t {
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return reloctype.PC32, true
	case elf.R_X86_64_32:
		return reloctype.ABS32, true
	case elf.R_X86_64_32S:
		return reloctype.ABS32S, true
	case elf.R_X86_64_64:
		return reloctype.ABS64, true
	default:
		return 0, false
	}
}
