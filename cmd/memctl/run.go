package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/heap"
)

var runDump bool

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runDump, "dump", false, "Dump allocator state after the script")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Replay a workload script against a fresh system",
		Long: `The run command boots a fresh system and replays a workload script,
one operation per line:

  alloc   <name> <size>
  calloc  <name> <count> <size>
  realloc <name> <size>
  free    <name>
  fill    <name> <byte>
  expect  <name> <byte> [length]
  dump
  check

Use "-" to read the script from stdin. The command fails on the first
operation that returns an error, including detected heap corruption.

Example:
  memctl run workload.txt
  memctl run - --dump < workload.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(args[0])
		},
	}
	return cmd
}

// RunResult summarizes a script run.
type RunResult struct {
	Ops    int         `json:"ops"`
	Live   int         `json:"live"`
	Frames frame.Stats `json:"frames"`
	Heap   heap.Stats  `json:"heap"`
}

func runScript(path string) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ops, err := parseScript(in)
	if err != nil {
		return err
	}

	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	r := newRunner(sys, os.Stdout)
	if err := r.run(ops); err != nil {
		return err
	}

	result := RunResult{
		Ops:    r.ops,
		Live:   len(r.ptrs),
		Frames: sys.Frames.Stats(),
		Heap:   sys.Heap.Stats(),
	}
	if jsonOut {
		return printJSON(result)
	}
	printInfo("Ran %d operation(s), %d allocation(s) live, %d bytes in use\n",
		result.Ops, result.Live, result.Heap.InUse)
	if runDump && !quiet {
		return sys.Dump(os.Stdout)
	}
	return nil
}
