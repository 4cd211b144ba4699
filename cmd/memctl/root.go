package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/pkg/kmem"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	logOut  bool

	// System layout flags
	memSize       uint64
	frameSize     int
	minArenaPages int
	reclaimShrink bool
)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Boot and exercise the kernel memory core",
	Long: `memctl boots a simulated kernel memory core (physical frames, the
direct map and the kernel heap), replays allocation workloads against it and
reports allocator state and integrity checks.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !logOut {
			return logger.Init(logger.Options{})
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return logger.Init(logger.Options{Enabled: true, Output: os.Stderr, Level: level, JSON: jsonOut})
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logOut, "log", false, "Write allocator logs to stderr")

	def := kmem.DefaultConfig()
	rootCmd.PersistentFlags().Uint64Var(&memSize, "memory", def.MemorySize, "Physical memory size in bytes")
	rootCmd.PersistentFlags().IntVar(&frameSize, "frame-size", def.FrameSize, "Frame and page size in bytes")
	rootCmd.PersistentFlags().
		IntVar(&minArenaPages, "min-arena-pages", def.Heap.MinArenaPages, "Minimum pages per heap arena")
	rootCmd.PersistentFlags().
		BoolVar(&reclaimShrink, "reclaim-shrink", false, "Return the tail of a shrunk allocation to its arena")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// systemConfig builds the boot configuration from the global flags. Memory
// below 1 MB stays reserved when there is room for it.
func systemConfig() kmem.Config {
	cfg := kmem.DefaultConfig()
	cfg.MemorySize = memSize
	cfg.FrameSize = frameSize
	cfg.Usable = []kmem.Range{{Start: 0, Length: memSize}}
	if memSize > 2*kmem.LowMemoryEnd {
		cfg.Usable[0] = kmem.Range{Start: kmem.LowMemoryEnd, Length: memSize - kmem.LowMemoryEnd}
	}
	cfg.Heap = heap.Options{
		MinArenaPages:     minArenaPages,
		ReclaimShrunkTail: reclaimShrink,
		// Corruption is reported through the returned error.
		Fatal: func(error) {},
	}
	return cfg
}

func bootSystem() (*kmem.System, error) {
	cfg := systemConfig()
	printVerbose("Booting %d bytes of memory with %d-byte frames\n", cfg.MemorySize, cfg.FrameSize)
	return kmem.Boot(cfg)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// alignmentNote describes the heap's pointer guarantees for reports.
func alignmentNote() string {
	return fmt.Sprintf("%d-byte aligned, %d bytes overhead per allocation",
		format.Alignment, format.AlignOverhead+format.RecordHeaderSize)
}
