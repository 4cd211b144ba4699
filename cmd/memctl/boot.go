package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/pkg/kmem"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory core and print its layout",
		Long: `The boot command brings up physical memory, the frame allocator, the
direct map and the kernel heap, then prints the resulting layout.

Example:
  memctl boot
  memctl boot --memory 67108864 --frame-size 8192
  memctl boot --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot()
		},
	}
	return cmd
}

// BootReport is the layout printed by the boot command.
type BootReport struct {
	MemorySize  uint64       `json:"memory_size"`
	FrameSize   int          `json:"frame_size"`
	BitmapStart uint64       `json:"bitmap_start"`
	BitmapBytes uint64       `json:"bitmap_bytes"`
	Usable      []kmem.Range `json:"usable"`
	Frames      frame.Stats  `json:"frames"`
	Heap        heap.Stats   `json:"heap"`
}

func newBootReport(sys *kmem.System) BootReport {
	cfg := sys.Config()
	bm := sys.BitmapRange()
	return BootReport{
		MemorySize:  cfg.MemorySize,
		FrameSize:   cfg.FrameSize,
		BitmapStart: uint64(bm.Start),
		BitmapBytes: bm.Length,
		Usable:      cfg.Usable,
		Frames:      sys.Frames.Stats(),
		Heap:        sys.Heap.Stats(),
	}
}

func runBoot() error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	report := newBootReport(sys)
	if jsonOut {
		return printJSON(report)
	}
	if quiet {
		return nil
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stdout, "Memory:       %d bytes (%d frames of %d bytes)\n",
		report.MemorySize, report.Frames.TotalFrames, report.FrameSize)
	for _, r := range report.Usable {
		p.Fprintf(os.Stdout, "Usable:       [%s, %s)\n", r.Start, r.End())
	}
	p.Fprintf(os.Stdout, "Frame bitmap: %d bytes at 0x%08x\n", report.BitmapBytes, report.BitmapStart)
	p.Fprintf(os.Stdout, "Free frames:  %d (%d bytes)\n", report.Frames.FreeFrames, report.Frames.FreeBytes())
	p.Fprintf(os.Stdout, "Heap:         %d arena(s), %d pages, %d bytes\n",
		report.Heap.Arenas, report.Heap.ArenaPages, report.Heap.Allocated)
	p.Fprintf(os.Stdout, "Pointers:     %s\n", alignmentNote())

	if verbose {
		return sys.Dump(os.Stdout)
	}
	return nil
}
