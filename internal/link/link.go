// Package link implements the FLE linker (spec.md §4.2): section grouping
// and virtual-memory layout, two-table symbol resolution, relocation
// patching, and entry-point selection. The linker is pure with respect to
// its inputs (spec.md §5) — it never mutates the objects it's handed.
package link

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/reloctype"
	"github.com/flelang/fle/internal/symkind"
)

// Base virtual address and page size, hard-coded per spec.md §4.2.1 and
// Design Notes §9 ("Virtual-address choice"). DefaultBase is overridable at
// the command layer via the FLE_BASE environment variable (SPEC_FULL.md
// §6), never by the linker itself: the algorithm doesn't care what BASE is,
// only that every group's virtual range respects page alignment.
const (
	DefaultBase = uint64(0x400000)
	PageSize    = uint64(0x1000)
)

// member is one input section contributing to a merged group.
type member struct {
	objIndex     int
	obj          *obj.Object
	sec          *obj.Section
	groupOffset  int    // offset within the merged section
	globalOffset uint64 // section_vaddr + groupOffset (relative to BASE)
}

type group struct {
	name    string
	isBSS   bool
	members []member
	data    []byte // merged initialized bytes; empty for BSS-family groups
	bssSize int
	vaddr   uint64 // section_vaddr, i.e. offset from BASE
	flags   obj.Permission
}

// Linker merges a fixed set of input objects into one executable. It holds
// no state beyond a single Link call's working tables, mirroring the
// teacher's per-invocation Linker (no global mutable state, spec.md §5).
type Linker struct {
	Base uint64

	inputs      []*obj.Object
	groups      []*group
	groupByName map[string]*group

	localTable  map[string]uint64 // "<file>.<symbol>" -> global_offset
	globalTable map[string]resolvedGlobal
}

type resolvedGlobal struct {
	sym          obj.Symbol
	globalOffset uint64
}

// New constructs a Linker over inputs, in the given order (order matters
// for WEAK/WEAK tie-breaking, spec.md §4.2.2).
func New(inputs []*obj.Object) (*Linker, error) {
	if len(inputs) == 0 {
		return nil, errors.New("link: no input objects supplied")
	}
	return &Linker{
		Base:        DefaultBase,
		inputs:      inputs,
		groupByName: make(map[string]*group),
		localTable:  make(map[string]uint64),
		globalTable: make(map[string]resolvedGlobal),
	}, nil
}

// Link runs the full pipeline and returns the produced .exe object.
func (l *Linker) Link() (*obj.Object, error) {
	span := diag.StartSpan("link")
	defer span.Finish()

	diag.Tracef("link: grouping sections across %d objects", len(l.inputs))
	l.groupSections()
	l.layout()

	diag.Tracef("link: resolving symbols")
	if err := l.resolveSymbols(); err != nil {
		return nil, err
	}

	diag.Tracef("link: patching relocations")
	if err := l.patchRelocations(); err != nil {
		return nil, err
	}

	entry, err := l.selectEntry()
	if err != nil {
		return nil, err
	}

	out := obj.NewObject(obj.TypeExe, "a.out")
	out.Entry = entry
	for _, g := range l.groups {
		sec := out.SectionOrCreate(g.name)
		sec.Data = g.data
		sec.BSSSize = g.bssSize

		vaddr := l.Base + g.vaddr
		size := uint64(g.virtualSize())
		out.Phdrs = append(out.Phdrs, obj.ProgramHeader{
			Section: g.name,
			VAddr:   vaddr,
			Size:    size,
			Flags:   g.flags,
		})
		out.Shdrs = append(out.Shdrs, obj.SectionHeader{
			Name:      g.name,
			Type:      shdrType(g.isBSS),
			Flags:     shdrFlags(g),
			VAddr:     vaddr,
			Offset:    g.vaddr,
			Size:      size,
			Alignment: defaultAlignment(g.name),
		})
	}

	// The linked executable's symbol table is the winning entries from the
	// global table; LOCAL symbols never escape their defining object
	// (spec.md §9, "Local symbol namespacing"). l.globalTable is a map, so
	// its iteration order is randomized; sorting by name before appending
	// keeps emitted FLE text and nm output reproducible across runs
	// (spec.md §9, reproducible diffs).
	names := make([]string, 0, len(l.globalTable))
	for name := range l.globalTable {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rg := l.globalTable[name]
		g := l.groupByName[rg.sym.Section]
		out.Symbols = append(out.Symbols, obj.Symbol{
			Name:    name,
			Binding: rg.sym.Binding,
			Section: rg.sym.Section,
			Offset:  int(rg.globalOffset - g.vaddr),
			Size:    rg.sym.Size,
		})
	}
	return out, nil
}

// virtualSize is the group's total virtual extent: initialized data or BSS
// tail, never both since a group is either PROGBITS or NOBITS (spec.md
// §4.2.1 steps 3-4).
func (g *group) virtualSize() int {
	if g.isBSS {
		return g.bssSize
	}
	return len(g.data)
}

func shdrType(isBSS bool) obj.SectionHeaderType {
	if isBSS {
		return obj.ShtNobits
	}
	return obj.ShtProgbits
}

func shdrFlags(g *group) obj.SectionHeaderFlag {
	f := obj.ShfAlloc
	if g.flags&obj.PermWrite != 0 {
		f |= obj.ShfWrite
	}
	if g.flags&obj.PermExecute != 0 {
		f |= obj.ShfExec
	}
	if g.isBSS {
		f |= obj.ShfNobits
	}
	return f
}

func defaultAlignment(name string) uint64 {
	if isBSSFamily(name) {
		return 8
	}
	if hasPrefix(name, ".text") {
		return 16
	}
	return 8
}

func isBSSFamily(name string) bool { return hasPrefix(name, ".bss") }

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// groupSections collects every non-empty section from every input, grouped
// by name in first-seen order across inputs, preserving input order within
// a group (spec.md §4.2.1 step 1).
func (l *Linker) groupSections() {
	for oi, o := range l.inputs {
		for _, name := range o.SectionOrder {
			sec := o.Sections[name]
			if sec.IsEmpty() {
				continue
			}
			g, ok := l.groupByName[name]
			if !ok {
				g = &group{name: name, isBSS: isBSSFamily(name), flags: permissionsFor(name)}
				l.groupByName[name] = g
				l.groups = append(l.groups, g)
			}
			g.members = append(g.members, member{objIndex: oi, obj: o, sec: sec})
		}
	}
}

func permissionsFor(name string) obj.Permission {
	switch {
	case hasPrefix(name, ".text"):
		return obj.PermRead | obj.PermExecute
	case hasPrefix(name, ".rodata"):
		return obj.PermRead
	default: // .data*, .bss*
		return obj.PermRead | obj.PermWrite
	}
}

// layout assigns group_offset/global_offset to every member and lays
// groups out in virtual memory, page-aligning the gap between groups so
// the executor can map each with distinct permissions (spec.md §4.2.1
// steps 2-5).
func (l *Linker) layout() {
	var sectionVAddr uint64
	for _, g := range l.groups {
		g.vaddr = sectionVAddr
		var cursor int
		for i := range g.members {
			m := &g.members[i]
			m.groupOffset = cursor
			m.globalOffset = sectionVAddr + uint64(cursor)
			if g.isBSS {
				cursor += m.sec.BSSSize
			} else {
				g.data = append(g.data, m.sec.Data...)
				cursor += len(m.sec.Data)
			}
		}
		if g.isBSS {
			g.bssSize = cursor
		}
		sectionVAddr += uint64(cursor)
		sectionVAddr = roundUpPage(sectionVAddr)
	}
}

func roundUpPage(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// resolveSymbols builds the local and global tables (spec.md §4.2.2).
func (l *Linker) resolveSymbols() error {
	for _, g := range l.groups {
		for _, m := range g.members {
			for _, sym := range m.obj.Symbols {
				if sym.Section != g.name {
					continue
				}
				globalOffset := m.globalOffset + uint64(sym.Offset)
				switch {
				case symkind.IsLocal(sym.Binding):
					l.localTable[m.obj.FileName+"."+sym.Name] = globalOffset
				case symkind.IsGlobalOrWeak(sym.Binding):
					if err := l.insertGlobal(sym, globalOffset); err != nil {
						return err
					}
				}
			}
		}
	}
	// Catch symbols naming sections no input contributed to the group table.
	for _, o := range l.inputs {
		for _, sym := range o.Symbols {
			if sym.Section == "" {
				continue
			}
			if _, ok := l.groupByName[sym.Section]; !ok {
				return diag.New(diag.UndefinedSection, "symbol %q references section %q, absent from all inputs", sym.Name, sym.Section)
			}
		}
	}
	return nil
}

func (l *Linker) insertGlobal(sym obj.Symbol, globalOffset uint64) error {
	existing, ok := l.globalTable[sym.Name]
	if !ok {
		l.globalTable[sym.Name] = resolvedGlobal{sym: sym, globalOffset: globalOffset}
		return nil
	}
	switch {
	case existing.sym.Binding == symkind.WEAK && sym.Binding == symkind.GLOBAL:
		l.globalTable[sym.Name] = resolvedGlobal{sym: sym, globalOffset: globalOffset}
	case existing.sym.Binding == symkind.GLOBAL && sym.Binding == symkind.WEAK:
		// keep existing
	case existing.sym.Binding == symkind.WEAK && sym.Binding == symkind.WEAK:
		// first-seen wins, keep existing
	case existing.sym.Binding == symkind.GLOBAL && sym.Binding == symkind.GLOBAL:
		return diag.New(diag.MultipleDefinition, "%s", sym.Name)
	}
	return nil
}

// patchRelocations resolves and applies every relocation from every member
// section (spec.md §4.2.3).
func (l *Linker) patchRelocations() error {
	for _, g := range l.groups {
		if g.isBSS {
			continue // BSS sections carry no bytes and no relocations
		}
		for _, m := range g.members {
			for _, r := range m.sec.Relocs {
				if err := l.patchOne(g, m, r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *Linker) patchOne(g *group, m member, r obj.Relocation) error {
	relocSite := m.globalOffset + uint64(r.Offset)

	target, err := l.resolveSymbolRef(m.obj, r.Symbol)
	if err != nil {
		return err
	}

	var value int64
	if r.Kind.IsPCRelative() {
		value = int64(target) + r.Addend - int64(relocSite) - 8
	} else {
		value = int64(l.Base) + int64(target) + r.Addend
	}

	if err := checkRange(r.Kind, value); err != nil {
		return err
	}

	writeOffset := m.groupOffset + r.Offset
	width := r.Kind.Width()
	if width == 8 {
		binary.LittleEndian.PutUint64(g.data[writeOffset:writeOffset+8], uint64(value))
	} else {
		binary.LittleEndian.PutUint32(g.data[writeOffset:writeOffset+4], uint32(value))
	}
	return nil
}

func (l *Linker) resolveSymbolRef(from *obj.Object, name string) (uint64, error) {
	if off, ok := l.localTable[from.FileName+"."+name]; ok {
		return off, nil
	}
	if g, ok := l.globalTable[name]; ok {
		return g.globalOffset, nil
	}
	return 0, diag.New(diag.UndefinedSymbol, "%s", name)
}

func checkRange(kind reloctype.Kind, v int64) error {
	switch kind {
	case reloctype.ABS32:
		if v < 0 || v > 0xFFFFFFFF {
			return diag.New(diag.RelocationOverflow, "ABS32 value %#x out of range", v)
		}
	case reloctype.ABS32S:
		if v < -(1<<31) || v > (1<<31)-1 {
			return diag.New(diag.RelocationOverflow, "ABS32S value %#x out of range", v)
		}
	case reloctype.PC32, reloctype.PLT32:
		if v < -(1<<31) || v > (1<<31)-1 {
			return diag.New(diag.RelocationOverflow, "PC32 value %#x out of range", v)
		}
	case reloctype.ABS64:
		// no range check beyond 64-bit wraparound
	}
	return nil
}

// selectEntry resolves _start (spec.md §4.2.4).
func (l *Linker) selectEntry() (uint64, error) {
	g, ok := l.globalTable["_start"]
	if !ok {
		return 0, diag.New(diag.NoEntry, "_start not defined")
	}
	return l.Base + g.globalOffset, nil
}

// LocalOffset exposes the local-table lookup for tests that want to assert
// symbol-offset monotonicity directly (spec.md §8).
func (l *Linker) LocalOffset(fileName, symbol string) (uint64, bool) {
	off, ok := l.localTable[fileName+"."+symbol]
	return off, ok
}
