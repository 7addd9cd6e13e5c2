package sysmap

import (
	"testing"

	"github.com/flelang/fle/internal/obj"
)

func TestRoundUpPage(t *testing.T) {
	cases := map[int64]int64{
		0:       0,
		1:       PageSize,
		PageSize - 1: PageSize,
		PageSize:     PageSize,
		PageSize + 1: 2 * PageSize,
	}
	for in, want := range cases {
		if got := RoundUpPage(in); got != want {
			t.Errorf("RoundUpPage(%#x) = %#x, want %#x", in, got, want)
		}
	}
}

// highTestAddr is far above any address a normal process' own text, heap,
// or stack mappings land at, so MAP_FIXED there doesn't clobber the test
// binary itself the way a low, ELF-conventional address like 0x400000
// could (pkujhd-goloader's own TestMmapManager sidesteps this by never
// requesting a fixed address at all; exercising MAP_FIXED needs one).
const highTestAddr = uintptr(0x10_0000_0000)

func TestMapUnmapRoundTrip(t *testing.T) {
	phdrs := []obj.ProgramHeader{
		{Section: ".text", VAddr: uint64(highTestAddr), Size: 16, Flags: obj.PermRead | obj.PermExecute},
		{Section: ".data", VAddr: uint64(highTestAddr) + uint64(PageSize), Size: 8, Flags: obj.PermRead | obj.PermWrite},
	}
	segs, err := Map(phdrs)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].VAddr != phdrs[0].VAddr || segs[1].VAddr != phdrs[1].VAddr {
		t.Fatalf("segments not in ascending vaddr order: %+v", segs)
	}
	segs[1].Bytes[0] = 0x2a // segs[1] carries PermWrite; segs[0] is read+exec only and would fault on a write
	if err := Unmap(segs); err != nil {
		t.Fatal(err)
	}
}
