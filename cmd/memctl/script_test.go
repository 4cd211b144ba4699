package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/mem/heap"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"100", 100, false},
		{"0x40", 64, false},
		{"4k", 4096, false},
		{"2K", 2048, false},
		{"1m", 1 << 20, false},
		{"abc", 0, true},
		{"k", 0, true},
		{"-5", 0, true},
		{"0x7fffffffffffffffm", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseScript(t *testing.T) {
	src := `
# comment
alloc a 100
calloc b 4 16

FILL a 0xAB
free a
dump
check
expect a 1 16
`
	ops, err := parseScript(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, ops, 7)

	assert.Equal(t, scriptOp{line: 3, verb: "alloc", name: "a", args: []int{100}}, ops[0])
	assert.Equal(t, scriptOp{line: 4, verb: "calloc", name: "b", args: []int{4, 16}}, ops[1])
	assert.Equal(t, scriptOp{line: 6, verb: "fill", name: "a", args: []int{0xAB}}, ops[2])
	assert.Equal(t, scriptOp{line: 7, verb: "free", name: "a"}, ops[3])
	assert.Equal(t, scriptOp{line: 8, verb: "dump"}, ops[4])
	assert.Equal(t, scriptOp{line: 9, verb: "check"}, ops[5])
	assert.Equal(t, scriptOp{line: 10, verb: "expect", name: "a", args: []int{1, 16}}, ops[6])
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown verb", "grow a 10", "line 1: unknown operation"},
		{"missing argument", "alloc a", "alloc takes 2 argument(s), got 1"},
		{"extra argument", "\nfree a b", "line 2: free takes 1 argument(s)"},
		{"bad number", "alloc a ten", `bad number "ten"`},
		{"negative size", "alloc a -1", `negative size "-1"`},
		{"expect too long", "expect a 1 2 3", "expect takes 2 to 3 arguments, got 4"},
		{"dump with argument", "dump a", "dump takes 0 argument(s), got 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseScript(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errScript))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func runLines(t *testing.T, lines ...string) (*runner, error) {
	t.Helper()
	withFlags(t)
	sys, err := bootSystem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })

	ops, err := parseScript(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	r := newRunner(sys, &bytes.Buffer{})
	return r, r.run(ops)
}

func TestRunnerWorkload(t *testing.T) {
	r, err := runLines(t,
		"alloc a 100",
		"fill a 0x5a",
		"calloc b 8 32",
		"expect b 0",
		"realloc a 1k",
		"expect a 0x5a 100",
		"free b",
		"dump",
		"check",
	)
	require.NoError(t, err)
	assert.Equal(t, 9, r.ops)
	assert.Len(t, r.ptrs, 1)
	assert.Contains(t, r.freed, "b")
}

func TestRunnerReallocToZeroFrees(t *testing.T) {
	r, err := runLines(t,
		"alloc a 64",
		"realloc a 0",
		"check",
	)
	require.NoError(t, err)
	assert.Empty(t, r.ptrs)
	assert.Equal(t, 0, r.sys.Heap.Stats().Records)
}

func TestRunnerDoubleFreeIsCorruption(t *testing.T) {
	// Keep a second record alive so the arena is not released.
	r, err := runLines(t,
		"alloc keep 16",
		"alloc a 16",
		"free a",
		"free a",
	)
	require.Error(t, err)
	assert.Equal(t, 1, r.failed)
	assert.Contains(t, err.Error(), "line 4: free a")

	var ce *heap.CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, heap.KindDoubleFree, ce.Kind)
}

func TestRunnerErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"free unknown", []string{"free x"}, `no allocation named "x"`},
		{"fill unknown", []string{"fill x 1"}, `no live allocation named "x"`},
		{"alloc twice", []string{"alloc a 8", "alloc a 8"}, `"a" is already allocated`},
		{"expect mismatch", []string{"alloc a 8", "fill a 1", "expect a 2"}, "byte 0 of a is 0x01, expected 0x02"},
		{"zero alloc", []string{"alloc a 0"}, "invalid argument"},
		{"expect past end", []string{"alloc a 8", "expect a 0 9"}, "a holds 8 bytes, cannot expect 9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runLines(t, tt.lines...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
