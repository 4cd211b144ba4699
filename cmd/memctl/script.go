package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/pkg/kmem"
)

// A workload script is a list of lines, one operation each:
//
//	alloc   <name> <size>
//	calloc  <name> <count> <size>
//	realloc <name> <size>
//	free    <name>
//	fill    <name> <byte>
//	expect  <name> <byte> [length]
//	dump
//	check
//
// Sizes accept k and m suffixes. Blank lines and lines starting with '#'
// are ignored.

var errScript = errors.New("script error")

type scriptOp struct {
	line int
	verb string
	name string
	args []int
}

// verbArgs holds the minimum and maximum argument count of each verb.
var verbArgs = map[string][2]int{
	"alloc":   {2, 2},
	"calloc":  {3, 3},
	"realloc": {2, 2},
	"free":    {1, 1},
	"fill":    {2, 2},
	"expect":  {2, 3},
	"dump":    {0, 0},
	"check":   {0, 0},
}

func parseScript(r io.Reader) ([]scriptOp, error) {
	var ops []scriptOp
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		verb := strings.ToLower(fields[0])
		want, ok := verbArgs[verb]
		if !ok {
			return nil, errors.Wrapf(errScript, "line %d: unknown operation %q", line, fields[0])
		}
		if got := len(fields) - 1; got < want[0] || got > want[1] {
			if want[0] == want[1] {
				return nil, errors.Wrapf(errScript, "line %d: %s takes %d argument(s), got %d", line, verb, want[0], got)
			}
			return nil, errors.Wrapf(errScript, "line %d: %s takes %d to %d arguments, got %d", line, verb, want[0], want[1], got)
		}

		op := scriptOp{line: line, verb: verb}
		if len(fields) > 1 {
			op.name = fields[1]
		}
		if len(fields) > 2 {
			for _, f := range fields[2:] {
				n, err := parseSize(f)
				if err != nil {
					return nil, errors.Wrapf(errScript, "line %d: %v", line, err)
				}
				op.args = append(op.args, n)
			}
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	return ops, nil
}

// parseSize parses a decimal or 0x-prefixed size with an optional k or m suffix.
func parseSize(s string) (int, error) {
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		mult, s = 1<<20, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 0, 0)
	if err != nil {
		return 0, errors.Newf("bad number %q", s)
	}
	if n < 0 {
		return 0, errors.Newf("negative size %q", s)
	}
	size, ok := buf.MulOverflowSafe(int(n), mult)
	if !ok {
		return 0, errors.Newf("size %q overflows", s)
	}
	return size, nil
}

// runner replays script operations against a booted system.
type runner struct {
	sys   *kmem.System
	out   io.Writer
	ptrs  map[string]heap.Ptr
	freed map[string]heap.Ptr // freed names, kept so a second free reaches the heap

	ops    int
	failed int
}

func newRunner(sys *kmem.System, out io.Writer) *runner {
	return &runner{
		sys:   sys,
		out:   out,
		ptrs:  make(map[string]heap.Ptr),
		freed: make(map[string]heap.Ptr),
	}
}

func (r *runner) run(ops []scriptOp) error {
	for _, op := range ops {
		r.ops++
		if err := r.exec(op); err != nil {
			r.failed++
			return errors.Wrapf(err, "line %d: %s %s", op.line, op.verb, op.name)
		}
	}
	return nil
}

func (r *runner) lookup(name string) (heap.Ptr, error) {
	p, ok := r.ptrs[name]
	if !ok {
		return 0, errors.Newf("no live allocation named %q", name)
	}
	return p, nil
}

func (r *runner) exec(op scriptOp) error {
	h := r.sys.Heap
	switch op.verb {
	case "alloc", "calloc":
		if _, ok := r.ptrs[op.name]; ok {
			return errors.Newf("%q is already allocated", op.name)
		}
		var (
			p   heap.Ptr
			err error
		)
		if op.verb == "alloc" {
			p, err = h.Alloc(op.args[0])
		} else {
			p, err = h.Calloc(op.args[0], op.args[1])
		}
		if err != nil {
			return err
		}
		r.ptrs[op.name] = p
		delete(r.freed, op.name)
		r.logf("%s %s -> %s\n", op.verb, op.name, p)

	case "realloc":
		old, err := r.lookup(op.name)
		if err != nil {
			return err
		}
		p, err := h.Realloc(old, op.args[0])
		if err != nil {
			return err
		}
		if p == 0 {
			delete(r.ptrs, op.name)
			r.freed[op.name] = old
		} else {
			r.ptrs[op.name] = p
		}
		r.logf("realloc %s %s -> %s\n", op.name, old, p)

	case "free":
		p, ok := r.ptrs[op.name]
		if !ok {
			if p, ok = r.freed[op.name]; !ok {
				return errors.Newf("no allocation named %q", op.name)
			}
		}
		if err := h.Free(p); err != nil {
			return err
		}
		delete(r.ptrs, op.name)
		r.freed[op.name] = p
		r.logf("free %s %s\n", op.name, p)

	case "fill", "expect":
		p, err := r.lookup(op.name)
		if err != nil {
			return err
		}
		b, err := h.Bytes(p)
		if err != nil {
			return err
		}
		v := byte(op.args[0])
		if len(op.args) > 1 {
			if op.args[1] > len(b) {
				return errors.Newf("%s holds %d bytes, cannot expect %d", op.name, len(b), op.args[1])
			}
			b = b[:op.args[1]]
		}
		for i := range b {
			if op.verb == "fill" {
				b[i] = v
			} else if b[i] != v {
				return errors.Newf("byte %d of %s is 0x%02x, expected 0x%02x", i, op.name, b[i], v)
			}
		}

	case "dump":
		return r.sys.Dump(r.out)

	case "check":
		if err := r.sys.Verify(); err != nil {
			return err
		}
		r.logf("check ok\n")
	}
	return nil
}

func (r *runner) logf(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(r.out, format, args...)
	}
}
