// Package container implements the FLE textual grammar codec: parsing and
// emitting the JSON document (optionally shebang-prefixed) described in
// spec.md §4.1.
//
// encoding/json does not preserve key order when decoding into a map, so
// Load walks the top-level object with a json.Decoder token stream to
// recover declaration order; Emit writes the document by hand for the same
// reason, following the teacher's general preference (see mmap/manager.go,
// readobj.go) for direct control over wire format instead of opaque
// marshal/unmarshal round-trips.
package container

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/reloctype"
	"github.com/flelang/fle/internal/symkind"
)

const (
	tagHex   = "🔢"
	tagLocal = "🏷️"
	tagWeak  = "📎"
	tagGlobl = "📤"
	tagReloc = "❓"

	pcMarker = "📍" // decorative trailing PC marker; parsed and discarded
)

const maxHexLineBytes = 16

type phdrJSON struct {
	Section string `json:"section"`
	VAddr   uint64 `json:"vaddr"`
	Size    uint64 `json:"size"`
	Flags   string `json:"flags"`
}

type shdrJSON struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Flags  []string `json:"flags"`
	VAddr  uint64   `json:"vaddr"`
	Offset uint64   `json:"offset"`
	Size   uint64   `json:"size"`
	Align  uint64   `json:"align"`
}

// StripShebang removes a single leading "#!"-introduced line, if present.
func StripShebang(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("#!")) {
		return data
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[i+1:]
	}
	return nil
}

// Load parses an FLE file's bytes into an Object.
func Load(data []byte) (*obj.Object, error) {
	span := diag.StartSpan("load")
	defer span.Finish()

	data = StripShebang(data)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, diag.New(diag.BadContainer, "invalid JSON: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, diag.New(diag.BadContainer, "expected top-level JSON object")
	}

	return loadBody(dec)
}

// loadBody walks key/value pairs of the top-level object in declaration
// order, building the Object incrementally.
func loadBody(dec *json.Decoder) (*obj.Object, error) {
	o := &obj.Object{Sections: make(map[string]*obj.Section)}
	var havePhdrs, haveShdrs bool
	var phdrs []phdrJSON
	var shdrs []shdrJSON

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, diag.New(diag.BadContainer, "invalid JSON key: %v", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, diag.New(diag.BadContainer, "expected string key, got %v", keyTok)
		}

		switch key {
		case "type":
			var t string
			if err := dec.Decode(&t); err != nil {
				return nil, diag.New(diag.BadContainer, "bad \"type\" value: %v", err)
			}
			switch t {
			case string(obj.TypeObj):
				o.Type = obj.TypeObj
			case string(obj.TypeExe):
				o.Type = obj.TypeExe
			default:
				return nil, diag.New(diag.BadContainer, "unknown object type %q", t)
			}
		case "entry":
			var n json.Number
			if err := dec.Decode(&n); err != nil {
				return nil, diag.New(diag.BadContainer, "bad \"entry\" value: %v", err)
			}
			v, err := strconv.ParseUint(n.String(), 10, 64)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "bad \"entry\" value %q: %v", n.String(), err)
			}
			o.Entry = v
		case "phdrs":
			if err := dec.Decode(&phdrs); err != nil {
				return nil, diag.New(diag.BadContainer, "bad \"phdrs\" value: %v", err)
			}
			havePhdrs = true
		case "shdrs":
			if err := dec.Decode(&shdrs); err != nil {
				return nil, diag.New(diag.BadContainer, "bad \"shdrs\" value: %v", err)
			}
			haveShdrs = true
		default:
			var lines []string
			if err := dec.Decode(&lines); err != nil {
				return nil, diag.New(diag.BadContainer, "bad section %q: %v", key, err)
			}
			sec := o.SectionOrCreate(key)
			syms, err := loadSectionLines(sec, key, lines)
			if err != nil {
				return nil, err
			}
			o.Symbols = append(o.Symbols, syms...)
		}
	}
	// consume closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, diag.New(diag.BadContainer, "unterminated JSON object: %v", err)
	}

	if havePhdrs {
		for _, p := range phdrs {
			flags, err := parsePermissions(p.Flags)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "bad phdr flags %q: %v", p.Flags, err)
			}
			o.Phdrs = append(o.Phdrs, obj.ProgramHeader{
				Section: p.Section,
				VAddr:   p.VAddr,
				Size:    p.Size,
				Flags:   flags,
			})
		}
	}
	if haveShdrs {
		for _, s := range shdrs {
			typ, err := parseShdrType(s.Type)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "bad shdr type %q: %v", s.Type, err)
			}
			o.Shdrs = append(o.Shdrs, obj.SectionHeader{
				Name:      s.Name,
				Type:      typ,
				Flags:     parseShdrFlags(s.Flags),
				VAddr:     s.VAddr,
				Offset:    s.Offset,
				Size:      s.Size,
				Alignment: s.Align,
			})
		}
	}

	if err := o.Validate(); err != nil {
		return nil, diag.New(diag.BadContainer, "%v", err)
	}
	return o, nil
}

func parsePermissions(s string) (obj.Permission, error) {
	var p obj.Permission
	for _, c := range s {
		switch c {
		case 'r', 'R':
			p |= obj.PermRead
		case 'w', 'W':
			p |= obj.PermWrite
		case 'x', 'X':
			p |= obj.PermExecute
		case '-':
		default:
			return 0, fmt.Errorf("unrecognized permission character %q", c)
		}
	}
	return p, nil
}

func parseShdrType(s string) (obj.SectionHeaderType, error) {
	switch strings.ToUpper(s) {
	case "PROGBITS":
		return obj.ShtProgbits, nil
	case "NOBITS":
		return obj.ShtNobits, nil
	default:
		return 0, fmt.Errorf("unrecognized section header type %q", s)
	}
}

func parseShdrFlags(flags []string) obj.SectionHeaderFlag {
	var f obj.SectionHeaderFlag
	for _, flag := range flags {
		switch strings.ToUpper(flag) {
		case "ALLOC":
			f |= obj.ShfAlloc
		case "WRITE":
			f |= obj.ShfWrite
		case "EXEC":
			f |= obj.ShfExec
		case "NOBITS":
			f |= obj.ShfNobits
		}
	}
	return f
}

// loadSectionLines consumes one section's ordered line array, appending
// bytes/relocations to sec and returning the symbols it declares.
func loadSectionLines(sec *obj.Section, sectionName string, lines []string) ([]obj.Symbol, error) {
	isBSS := strings.Contains(sectionName, ".bss")
	bssAcc := 0
	var syms []obj.Symbol

	for _, line := range lines {
		tag, payload, err := splitLine(line)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagHex:
			b, err := parseHexPayload(payload)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "section %q: %v", sectionName, err)
			}
			sec.Data = append(sec.Data, b...)
		case tagLocal, tagWeak, tagGlobl:
			name, size, err := parseSymbolPayload(payload)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "section %q: %v", sectionName, err)
			}
			var offset int
			if isBSS {
				offset = len(sec.Data) + bssAcc
				bssAcc += size
			} else {
				offset = len(sec.Data)
			}
			syms = append(syms, obj.Symbol{
				Name:    name,
				Binding: bindingForTag(tag),
				Section: sectionName,
				Offset:  offset,
				Size:    int64(size),
			})
		case tagReloc:
			kind, symName, addend, err := parseRelocPayload(payload)
			if err != nil {
				return nil, diag.New(diag.BadContainer, "section %q: %v", sectionName, err)
			}
			offset := len(sec.Data)
			sec.Relocs = append(sec.Relocs, obj.Relocation{
				Kind:   kind,
				Offset: offset,
				Symbol: symName,
				Addend: addend,
			})
			sec.Data = append(sec.Data, make([]byte, kind.Width())...)
		default:
			return nil, diag.New(diag.BadContainer, "section %q: unknown tag %q", sectionName, tag)
		}
	}
	if isBSS {
		sec.BSSSize = bssAcc
	}
	return syms, nil
}

func bindingForTag(tag string) symkind.Binding {
	switch tag {
	case tagLocal:
		return symkind.LOCAL
	case tagWeak:
		return symkind.WEAK
	default:
		return symkind.GLOBAL
	}
}

func splitLine(line string) (tag, payload string, err error) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", diag.New(diag.BadContainer, "malformed section line %q", line)
	}
	tag = strings.TrimSpace(line[:i])
	payload = strings.TrimSpace(line[i+1:])
	return tag, payload, nil
}

func parseHexPayload(payload string) ([]byte, error) {
	fields := strings.Fields(payload)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return nil, fmt.Errorf("byte pair %q is not two hex digits", f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q: %w", f, err)
		}
		out = append(out, b[0])
	}
	return out, nil
}

func parseSymbolPayload(payload string) (name string, size int, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("expected \"<name> <size>\", got %q", payload)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid symbol size %q: %w", fields[1], err)
	}
	return fields[0], n, nil
}

// parseRelocPayload parses "<kind>(<symbol> <sign> <addend>[ - 📍])".
func parseRelocPayload(payload string) (reloctype.Kind, string, int64, error) {
	open := strings.IndexByte(payload, '(')
	closeIdx := strings.LastIndexByte(payload, ')')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return 0, "", 0, fmt.Errorf("malformed relocation %q", payload)
	}
	kindTag := strings.TrimSpace(payload[:open])
	kind, ok := reloctype.ParseTag(kindTag)
	if !ok {
		return 0, "", 0, fmt.Errorf("unsupported relocation kind %q", kindTag)
	}

	inner := payload[open+1 : closeIdx]
	if idx := strings.Index(inner, pcMarker); idx >= 0 {
		inner = inner[:idx]
		inner = strings.TrimRight(inner, " -")
	}
	fields := strings.Fields(inner)

	switch len(fields) {
	case 1:
		return kind, fields[0], 0, nil
	case 3:
		sign := fields[1]
		n, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return 0, "", 0, fmt.Errorf("invalid addend %q: %w", fields[2], err)
		}
		switch sign {
		case "+":
			return kind, fields[0], n, nil
		case "-":
			return kind, fields[0], -n, nil
		default:
			return 0, "", 0, fmt.Errorf("invalid sign %q", sign)
		}
	default:
		return 0, "", 0, fmt.Errorf("malformed relocation operand %q", inner)
	}
}

// Emit renders an Object back to FLE text (spec.md §4.1, emit rules).
func Emit(o *obj.Object) ([]byte, error) {
	span := diag.StartSpan("emit")
	defer span.Finish()

	var buf bytes.Buffer
	buf.WriteString("{\n")

	fmt.Fprintf(&buf, "  %q: %q", "type", string(o.Type))

	if o.Type == obj.TypeExe {
		fmt.Fprintf(&buf, ",\n  %q: %d", "entry", o.Entry)
		if len(o.Phdrs) > 0 {
			buf.WriteString(",\n  \"phdrs\": [")
			for i, p := range o.Phdrs {
				if i > 0 {
					buf.WriteString(",")
				}
				pj := phdrJSON{Section: p.Section, VAddr: p.VAddr, Size: p.Size, Flags: p.Flags.String()}
				b, err := json.Marshal(pj)
				if err != nil {
					return nil, err
				}
				buf.Write(b)
			}
			buf.WriteString("]")
		}
		if len(o.Shdrs) > 0 {
			buf.WriteString(",\n  \"shdrs\": [")
			for i, s := range o.Shdrs {
				if i > 0 {
					buf.WriteString(",")
				}
				sj := shdrJSON{
					Name:   s.Name,
					Type:   shdrTypeName(s.Type),
					Flags:  shdrFlagNames(s.Flags),
					VAddr:  s.VAddr,
					Offset: s.Offset,
					Size:   s.Size,
					Align:  s.Alignment,
				}
				b, err := json.Marshal(sj)
				if err != nil {
					return nil, err
				}
				buf.Write(b)
			}
			buf.WriteString("]")
		}
	}

	for _, name := range o.SectionOrder {
		sec := o.Sections[name]
		lines := emitSectionLines(o, sec)
		b, err := json.Marshal(lines)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, ",\n  %q: ", name)
		buf.Write(b)
	}

	buf.WriteString("\n}\n")
	return buf.Bytes(), nil
}

func shdrTypeName(t obj.SectionHeaderType) string {
	if t == obj.ShtNobits {
		return "NOBITS"
	}
	return "PROGBITS"
}

func shdrFlagNames(f obj.SectionHeaderFlag) []string {
	var out []string
	if f&obj.ShfAlloc != 0 {
		out = append(out, "ALLOC")
	}
	if f&obj.ShfWrite != 0 {
		out = append(out, "WRITE")
	}
	if f&obj.ShfExec != 0 {
		out = append(out, "EXEC")
	}
	if f&obj.ShfNobits != 0 {
		out = append(out, "NOBITS")
	}
	return out
}

type emitBreak struct {
	offset int
	syms   []obj.Symbol
	reloc  *obj.Relocation
}

// emitSectionLines is the inverse of loadSectionLines: it reconstructs
// section lines at ≤16-byte hex granularity with symbol/relocation lines
// inserted at their exact offsets, ties broken symbols-before-relocations
// (spec.md §4.1, "Emit is the inverse...").
func emitSectionLines(o *obj.Object, sec *obj.Section) []string {
	var inline, tail []obj.Symbol
	for _, s := range o.Symbols {
		if s.Section != sec.Name {
			continue
		}
		if s.Offset < len(sec.Data) {
			inline = append(inline, s)
		} else {
			tail = append(tail, s)
		}
	}

	breakMap := map[int]*emitBreak{}
	var offsets []int
	getBreak := func(off int) *emitBreak {
		b, ok := breakMap[off]
		if !ok {
			b = &emitBreak{offset: off}
			breakMap[off] = b
			offsets = append(offsets, off)
		}
		return b
	}
	for _, s := range inline {
		getBreak(s.Offset).syms = append(getBreak(s.Offset).syms, s)
	}
	for i := range sec.Relocs {
		getBreak(sec.Relocs[i].Offset).reloc = &sec.Relocs[i]
	}
	sort.Ints(offsets)

	var lines []string
	pos := 0
	emitHexRange := func(from, to int) {
		for from < to {
			end := from + maxHexLineBytes
			if end > to {
				end = to
			}
			lines = append(lines, tagHex+": "+formatHexRun(sec.Data[from:end]))
			from = end
		}
	}

	for _, off := range offsets {
		b := breakMap[off]
		emitHexRange(pos, off)
		for _, s := range b.syms {
			lines = append(lines, formatSymbolLine(s))
		}
		if b.reloc != nil {
			lines = append(lines, formatRelocLine(*b.reloc))
			pos = off + b.reloc.Width()
		} else {
			pos = off
		}
	}
	emitHexRange(pos, len(sec.Data))

	sort.Slice(tail, func(i, j int) bool { return tail[i].Offset < tail[j].Offset })
	for _, s := range tail {
		lines = append(lines, formatSymbolLine(s))
	}
	return lines
}

func formatHexRun(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = hex.EncodeToString([]byte{c})
	}
	return strings.Join(parts, " ")
}

func formatSymbolLine(s obj.Symbol) string {
	tag := tagGlobl
	switch s.Binding {
	case symkind.LOCAL:
		tag = tagLocal
	case symkind.WEAK:
		tag = tagWeak
	}
	return fmt.Sprintf("%s: %s %d", tag, s.Name, s.Size)
}

func formatRelocLine(r obj.Relocation) string {
	sign := "+"
	addend := r.Addend
	if addend < 0 {
		sign = "-"
		addend = -addend
	}
	return fmt.Sprintf("%s: %s(%s %s %d)", tagReloc, r.Kind.String(), r.Symbol, sign, addend)
}
