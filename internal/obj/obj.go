// Package obj defines the FLE in-memory object model (spec.md §3): the
// immutable-after-load description of a ".obj" or ".exe" file shared by the
// container codec, the linker, the executor, and the inspectors.
//
// Sections own their byte buffers and relocation lists; Symbols and Program
// Headers reference sections by name only, never by address, so the model
// stays trivially copyable (spec.md §9, "Ownership").
package obj

import (
	"fmt"

	"github.com/flelang/fle/internal/reloctype"
	"github.com/flelang/fle/internal/symkind"
)

// Type is the closed object-type enumeration.
type Type string

const (
	TypeObj Type = ".obj"
	TypeExe Type = ".exe"
)

// Relocation is a patch site within a Section's byte buffer.
type Relocation struct {
	Kind   reloctype.Kind
	Offset int
	Symbol string
	Addend int64
}

// Width reports the byte width the relocation occupies in Data.
func (r Relocation) Width() int { return r.Kind.Width() }

// Section is a named, contiguous byte region with its own relocation list
// (spec.md §3). BSSSize accounts for the uninitialized tail that never
// appears in Data.
type Section struct {
	Name    string
	Data    []byte
	BSSSize int
	Relocs  []Relocation
}

// Size is the section's total virtual extent: initialized bytes plus the
// uninitialized BSS tail.
func (s *Section) Size() int { return len(s.Data) + s.BSSSize }

// IsEmpty matches spec.md §4.2.1's grouping rule: non-empty means
// len(data) > 0 or, for .bss-family sections, bss_size > 0.
func (s *Section) IsEmpty() bool { return len(s.Data) == 0 && s.BSSSize == 0 }

// Symbol is a named offset into a Section (spec.md §3). Section is empty
// for undefined symbols, which nm renders specially.
type Symbol struct {
	Name    string
	Binding symkind.Binding
	Section string
	Offset  int
	Size    int64
}

// Permission is a bitset of R/W/X flags carried by Program Headers.
type Permission uint8

const (
	PermRead    Permission = 1 << 0
	PermWrite   Permission = 1 << 1
	PermExecute Permission = 1 << 2
)

func (p Permission) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExecute != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// ProgramHeader describes one loader-visible virtual-address segment
// (spec.md §3), present only on ".exe" objects.
type ProgramHeader struct {
	Section string
	VAddr   uint64
	Size    uint64
	Flags   Permission
}

// SectionHeaderType mirrors the two ELF section types this toolchain cares
// about (spec.md §3).
type SectionHeaderType int

const (
	ShtProgbits SectionHeaderType = 1
	ShtNobits   SectionHeaderType = 8
)

// SectionHeaderFlag is a bitset of ELF-style section flags.
type SectionHeaderFlag uint32

const (
	ShfAlloc  SectionHeaderFlag = 1 << 0
	ShfWrite  SectionHeaderFlag = 1 << 1
	ShfExec   SectionHeaderFlag = 1 << 2
	ShfNobits SectionHeaderFlag = 1 << 3
)

// SectionHeader is the ".exe"-only section-table record (spec.md §3).
type SectionHeader struct {
	Name      string
	Type      SectionHeaderType
	Flags     SectionHeaderFlag
	VAddr     uint64
	Offset    uint64
	Size      uint64
	Alignment uint64
}

// Object is an FLE object or executable (spec.md §3).
type Object struct {
	Type     Type
	FileName string // originating basename; disambiguates LOCAL symbols
	Sections map[string]*Section
	// SectionOrder preserves JSON key-insertion order for round-tripping
	// (spec.md §4.1, §9 "Text-as-binary container").
	SectionOrder []string
	Symbols      []Symbol

	// .exe only:
	Entry uint64
	Phdrs []ProgramHeader
	Shdrs []SectionHeader
}

// NewObject returns an empty object of the given type with its section
// index initialized.
func NewObject(typ Type, fileName string) *Object {
	return &Object{
		Type:     typ,
		FileName: fileName,
		Sections: make(map[string]*Section),
	}
}

// SectionOrCreate looks up a section by name, creating and registering it (in
// insertion order) if absent.
func (o *Object) SectionOrCreate(name string) *Section {
	if s, ok := o.Sections[name]; ok {
		return s
	}
	s := &Section{Name: name}
	o.Sections[name] = s
	o.SectionOrder = append(o.SectionOrder, name)
	return s
}

// Validate checks the cross-cutting invariants from spec.md §3 that the
// codec and linker both rely on holding for any Object they hand off.
func (o *Object) Validate() error {
	seen := map[symkind.Binding]map[string]bool{}
	for _, sym := range o.Symbols {
		if sym.Section != "" {
			sec, ok := o.Sections[sym.Section]
			if !ok {
				return fmt.Errorf("symbol %q references unknown section %q", sym.Name, sym.Section)
			}
			if sym.Offset > sec.Size() {
				return fmt.Errorf("symbol %q offset %d exceeds section %q size %d", sym.Name, sym.Offset, sym.Section, sec.Size())
			}
		}
		// No two symbols share a name within the same binding class in one
		// object (spec.md §3); WEAK/WEAK and GLOBAL/GLOBAL duplicates in a
		// single object are just as malformed as LOCAL/LOCAL ones.
		names := seen[sym.Binding]
		if names == nil {
			names = map[string]bool{}
			seen[sym.Binding] = names
		}
		if names[sym.Name] {
			return fmt.Errorf("duplicate %s symbol %q in object %q", sym.Binding, sym.Name, o.FileName)
		}
		names[sym.Name] = true
	}
	for _, sec := range o.Sections {
		for _, r := range sec.Relocs {
			if r.Offset+r.Width() > len(sec.Data) {
				return fmt.Errorf("relocation at %q+%#x (width %d) exceeds section data length %d", sec.Name, r.Offset, r.Width(), len(sec.Data))
			}
		}
	}
	return nil
}
