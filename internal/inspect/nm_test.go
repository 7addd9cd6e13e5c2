package inspect

import (
	"strings"
	"testing"

	"github.com/flelang/fle/internal/obj"
	"github.com/flelang/fle/internal/symkind"
)

func TestNmLetterRules(t *testing.T) {
	o := obj.NewObject(obj.TypeObj, "a.fle")
	o.Symbols = []obj.Symbol{
		{Name: "_start", Binding: symkind.GLOBAL, Section: ".text", Offset: 0},
		{Name: "helper", Binding: symkind.LOCAL, Section: ".text", Offset: 0x20},
		{Name: "data_var", Binding: symkind.GLOBAL, Section: ".data", Offset: 0x1000},
		{Name: "weak_text", Binding: symkind.WEAK, Section: ".text", Offset: 0x30},
		{Name: "weak_data", Binding: symkind.WEAK, Section: ".data", Offset: 0x40},
		{Name: "unresolved", Binding: symkind.GLOBAL, Section: "", Offset: 0},
		{Name: "odd", Binding: symkind.GLOBAL, Section: ".oddsection", Offset: 0},
	}
	out := Nm(o)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != len(o.Symbols) {
		t.Fatalf("got %d lines, want %d", len(lines), len(o.Symbols))
	}

	wantByName := map[string]byte{
		"_start":    'T',
		"helper":    't',
		"data_var":  'D',
		"weak_text": 'W',
		"weak_data": 'V',
		"odd":       '?',
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		name := fields[len(fields)-1]
		if name == "unresolved" {
			if !strings.HasPrefix(strings.TrimSpace(line), "U") {
				t.Fatalf("undefined symbol line malformed: %q", line)
			}
			continue
		}
		want, ok := wantByName[name]
		if !ok {
			t.Fatalf("unexpected symbol in output: %q", name)
		}
		letter := fields[len(fields)-2][0]
		if letter != want {
			t.Fatalf("%s: letter = %c, want %c", name, letter, want)
		}
	}
}
