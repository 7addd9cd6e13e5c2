// Package sysmap wraps the host mmap/munmap calls the executor needs to
// realize an FLE executable's Program Headers as real memory segments
// (spec.md §4.3). It is built on golang.org/x/sys/unix, the ecosystem
// successor to the standard library's syscall package the teacher's own
// mmap package (mmap/mmap_unix.go, mmap/syscall_unix.go) uses for the same
// concern.
package sysmap

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/flelang/fle/internal/obj"
	"golang.org/x/sys/unix"
)

// PageSize is the host page size, matching link.PageSize on the only
// supported target (Linux/x86-64, spec.md §1).
var PageSize = int64(unix.Getpagesize())

// RoundUpPage rounds v up to the next page boundary.
func RoundUpPage(v int64) int64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// Segment is one mapped Program Header: real memory backing a virtual
// address range chosen by the linker.
type Segment struct {
	VAddr uint64
	Bytes []byte // mmap'd region; len(Bytes) is the page-rounded mapping size
}

// Map installs one fixed-address, private, anonymous mapping per Program
// Header, in ascending vaddr order (spec.md §5), with permissions derived
// from the header's flags. It fails with a MapFailed-flavored error if the
// host refuses any of them.
func Map(phdrs []obj.ProgramHeader) ([]Segment, error) {
	sorted := append([]obj.ProgramHeader(nil), phdrs...)
	sortByVAddr(sorted)

	segs := make([]Segment, 0, len(sorted))
	for _, p := range sorted {
		size := RoundUpPage(int64(p.Size))
		if size == 0 {
			size = PageSize
		}
		prot := protFor(p.Flags)
		b, err := mmapFixed(uintptr(p.VAddr), int(size), prot)
		if err != nil {
			unmapAll(segs)
			return nil, fmt.Errorf("mmap at %#x (size %#x, prot %s): %w", p.VAddr, size, p.Flags, err)
		}
		segs = append(segs, Segment{VAddr: p.VAddr, Bytes: b})
	}
	return segs, nil
}

// Unmap releases every segment. The executor itself never calls this (an
// entry function is expected not to return, spec.md §5), but tests and
// tools that want to probe mappings without leaking them do.
func Unmap(segs []Segment) error {
	var firstErr error
	for _, s := range segs {
		if len(s.Bytes) == 0 {
			continue
		}
		// Raw munmap(2): unix.Munmap only accepts slices that unix.Mmap
		// itself returned, and mmapFixed bypasses that wrapper.
		_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&s.Bytes[0])), uintptr(len(s.Bytes)), 0)
		if errno != 0 && firstErr == nil {
			firstErr = os.NewSyscallError("munmap", errno)
		}
	}
	return firstErr
}

func unmapAll(segs []Segment) {
	_ = Unmap(segs)
}

func protFor(flags obj.Permission) int {
	var prot int
	if flags&obj.PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if flags&obj.PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&obj.PermExecute != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// mmapFixed issues the mmap(2) syscall directly rather than through
// unix.Mmap: that wrapper always requests addr 0 from the kernel, but the
// executor must place segments at the linker's chosen virtual addresses
// (spec.md §4.3, §5) exactly the way the teacher's own mmapCode/mmapData
// (mmap/mmap_unix.go) drop to raw syscall.Syscall for the same reason.
func mmapFixed(addr uintptr, size int, prot int) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	ptr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(size),
		uintptr(prot),
		uintptr(flags),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, os.NewSyscallError("mmap", errno)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), nil
}

func sortByVAddr(phdrs []obj.ProgramHeader) {
	for i := 1; i < len(phdrs); i++ {
		for j := i; j > 0 && phdrs[j].VAddr < phdrs[j-1].VAddr; j-- {
			phdrs[j], phdrs[j-1] = phdrs[j-1], phdrs[j]
		}
	}
}
