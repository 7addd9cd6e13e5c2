// Command fle is a single binary that plays all six roles of the FLE
// toolchain (spec.md §6): cc, ld, exec, objdump, nm, and readfle. The role
// is selected by os.Args[0]'s basename, following the familiar
// busybox-style multi-call convention, with a "fle <subcommand> ..." form
// as a fallback for callers that just built the one binary.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flelang/fle/internal/cc"
	"github.com/flelang/fle/internal/container"
	"github.com/flelang/fle/internal/diag"
	"github.com/flelang/fle/internal/execgo"
	"github.com/flelang/fle/internal/inspect"
	"github.com/flelang/fle/internal/link"
	"github.com/flelang/fle/internal/obj"
)

func mainE() error {
	name, args := dispatchArgs()
	switch name {
	case "cc":
		return runCC(args)
	case "ld":
		return runLD(args)
	case "exec":
		return runExec(args)
	case "objdump":
		return runObjdump(args)
	case "nm":
		return runNm(args)
	case "readfle":
		return runReadFLE(args)
	default:
		return fmt.Errorf("unknown subcommand %q (want one of cc, ld, exec, objdump, nm, readfle)", name)
	}
}

// dispatchArgs resolves the role and its arguments: if os.Args[0]'s
// basename is a recognized role, use that; otherwise treat os.Args[1] as
// an explicit "fle <subcommand> ..." role name.
func dispatchArgs() (string, []string) {
	base := filepath.Base(os.Args[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	switch base {
	case "cc", "ld", "exec", "objdump", "nm", "readfle":
		return base, os.Args[1:]
	}
	if len(os.Args) >= 2 {
		return os.Args[1], os.Args[2:]
	}
	return "", nil
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runCC implements "cc [gcc-compatible options] -o <out.fle> <sources...>"
// (spec.md §6). Unrecognized gcc flags are passed through to the host
// compiler verbatim rather than rejected, matching cc's role as a thin
// oracle front end (SPEC_FULL.md §4.5).
func runCC(args []string) error {
	opts := cc.Options{CC: os.Getenv("CC")}
	var sources []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-o":
			i++
			if i >= len(args) {
				return errors.New("cc: -o requires an argument")
			}
			opts.Out = args[i]
		case strings.HasSuffix(args[i], ".c") || strings.ContainsAny(args[i], "*?["):
			sources = append(sources, args[i])
		default:
			opts.Extra = append(opts.Extra, args[i])
		}
	}
	if opts.Out == "" {
		return errors.New("cc: -o <out.fle> is required")
	}
	opts.Sources = sources
	return cc.Compile(opts)
}

// runLD implements "ld [-o <out.exe>] <inputs...>" (spec.md §6). FLE_BASE
// overrides the default load address when set; entry point resolution is
// always "_start" (spec.md §4.2.4).
func runLD(args []string) error {
	var (
		out    string
		inputs []string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o":
			i++
			if i >= len(args) {
				return errors.New("ld: -o requires an argument")
			}
			out = args[i]
		default:
			inputs = append(inputs, args[i])
		}
	}
	if out == "" {
		out = "a.exe"
	}
	if len(inputs) == 0 {
		return errors.New("ld: no input objects given")
	}

	objs := make([]*obj.Object, 0, len(inputs))
	for _, in := range inputs {
		o, err := loadFLE(in)
		if err != nil {
			return err
		}
		objs = append(objs, o)
	}

	l, err := link.New(objs)
	if err != nil {
		return err
	}
	if base := os.Getenv("FLE_BASE"); base != "" {
		var v uint64
		if _, err := fmt.Sscanf(base, "0x%x", &v); err != nil {
			if _, err := fmt.Sscanf(base, "%d", &v); err != nil {
				return fmt.Errorf("ld: invalid FLE_BASE %q", base)
			}
		}
		l.Base = v
	}

	exe, err := l.Link()
	if err != nil {
		return err
	}
	data, err := container.Emit(exe)
	if err != nil {
		return diag.Wrap(err, "ld: emitting executable")
	}
	return os.WriteFile(out, data, 0o644)
}

// runExec implements "exec <in.exe>" (spec.md §4.3): map every program
// header at its fixed virtual address and jump to the entry point. This
// never returns on success.
func runExec(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("exec: want exactly 1 argument, got %d", len(args))
	}
	o, err := loadFLE(args[0])
	if err != nil {
		return err
	}
	return execgo.Run(o)
}

// runObjdump implements "objdump <in.fle>" (spec.md §6): the re-emitted
// FLE text is written to "<in.fle>.objdump", not stdout.
func runObjdump(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("objdump: want exactly 1 argument, got %d", len(args))
	}
	o, err := loadFLE(args[0])
	if err != nil {
		return err
	}
	out, err := inspect.Objdump(o)
	if err != nil {
		return err
	}
	return os.WriteFile(args[0]+".objdump", out, 0o644)
}

func runNm(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("nm: want exactly 1 argument, got %d", len(args))
	}
	o, err := loadFLE(args[0])
	if err != nil {
		return err
	}
	fmt.Print(inspect.Nm(o))
	return nil
}

func runReadFLE(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("readfle: want exactly 1 argument, got %d", len(args))
	}
	o, err := loadFLE(args[0])
	if err != nil {
		return err
	}
	fmt.Print(inspect.ReadFLE(o))
	return nil
}

func loadFLE(path string) (*obj.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, diag.Wrapf(err, "reading %q", path)
	}
	o, err := container.Load(data)
	if err != nil {
		return nil, diag.Wrapf(err, "loading %q", path)
	}
	o.FileName = filepath.Base(path)
	return o, nil
}
