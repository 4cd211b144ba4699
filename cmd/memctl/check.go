package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem/verify"
)

func init() {
	rootCmd.AddCommand(newCheckCmd())
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [script]",
		Short: "Verify allocator invariants, optionally after a script",
		Long: `The check command boots a fresh system, optionally replays a workload
script, and then verifies every allocator invariant: the frame bitmap
counters, every arena and record header in memory, and the page mappings
behind each arena.

Example:
  memctl check
  memctl check workload.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args)
		},
	}
	return cmd
}

// CheckResult is the outcome of the check command.
type CheckResult struct {
	Valid   bool   `json:"valid"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func runCheck(args []string) error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		ops, err := parseScript(f)
		if err != nil {
			return err
		}
		if err := newRunner(sys, os.Stdout).run(ops); err != nil {
			return err
		}
	}

	verr := sys.Verify()
	result := CheckResult{Valid: verr == nil}
	var v *verify.ValidationError
	if errors.As(verr, &v) {
		result.Type, result.Message, result.Offset = v.Type, v.Message, v.Offset
	}

	if jsonOut {
		if err := printJSON(result); err != nil {
			return err
		}
		return verr
	}
	if verr != nil {
		return verr
	}
	printInfo("OK: all allocator invariants hold\n")
	return nil
}
