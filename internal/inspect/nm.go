package inspect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/symkind"
)

// Nm renders o's symbol table the way Unix nm does (spec.md §4.4): one
// line per symbol, "<16-hex-digit offset> <letter> <name>", undefined
// symbols rendered with a blank offset field and letter 'U'.
func Nm(o *obj.Object) string {
	symbols := append([]obj.Symbol(nil), o.Symbols...)
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Offset < symbols[j].Offset })

	var b strings.Builder
	for _, s := range symbols {
		if s.Section == "" {
			fmt.Fprintf(&b, "%18s %s\n", "U", s.Name)
			continue
		}
		fmt.Fprintf(&b, "%016x %c %s\n", uint64(s.Offset), letterFor(s), s.Name)
	}
	return b.String()
}

// letterFor implements spec.md §4.4's letter rules: WEAK in .text* is 'W',
// WEAK elsewhere is 'V'; otherwise the section letter, lowercased for
// LOCAL and uppercased for GLOBAL; '?' for non-canonical sections
// (spec.md §9, Open Questions).
func letterFor(s obj.Symbol) byte {
	if s.Binding == symkind.WEAK {
		if strings.HasPrefix(s.Section, ".text") {
			return 'W'
		}
		return 'V'
	}
	letter := symkind.SectionLetter(s.Section)
	if s.Binding == symkind.LOCAL {
		return lower(letter)
	}
	return letter
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
