package cc

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/flelang/fle/internal/reloctype"
)

func TestClassifyRelocType(t *testing.T) {
	cases := []struct {
		in   elf.R_X86_64
		want reloctype.Kind
		ok   bool
	}{
		{elf.R_X86_64_PC32, reloctype.PC32, true},
		{elf.R_X86_64_PLT32, reloctype.PC32, true},
		{elf.R_X86_64_32, reloctype.ABS32, true},
		{elf.R_X86_64_32S, reloctype.ABS32S, true},
		{elf.R_X86_64_64, reloctype.ABS64, true},
		{elf.R_X86_64_GOTPCREL, 0, false},
	}
	for _, c := range cases {
		got, ok := classifyRelocType(c.in)
		if ok != c.ok {
			t.Errorf("classifyRelocType(%v) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("classifyRelocType(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestBasenameFor(t *testing.T) {
	if got := basenameFor([]string{"src/main.c"}); got != "main.fle" {
		t.Errorf("basenameFor = %q, want %q", got, "main.fle")
	}
	if got := basenameFor(nil); got != "a.fle" {
		t.Errorf("basenameFor(nil) = %q, want %q", got, "a.fle")
	}
}

func TestExpandSourcesGlobAndLiteral(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.c", "b.c"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("int x;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := expandSources([]string{filepath.Join(dir, "*.c")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expandSources matched %d files, want 2: %v", len(got), got)
	}

	// A literal, non-glob path that matches nothing on disk is passed
	// through unchanged so the host compiler reports its own "no such
	// file" error rather than cc silently dropping the input.
	missing := filepath.Join(dir, "missing.c")
	got, err = expandSources([]string{missing})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != missing {
		t.Fatalf("expandSources(missing literal) = %v, want [%s]", got, missing)
	}
}

func TestExcludedSections(t *testing.T) {
	if !excludedSections(".note.gnu.property") {
		t.Fatal("note.gnu.property should be excluded")
	}
	if excludedSections(".text") {
		t.Fatal(".text should not be excluded")
	}
}
