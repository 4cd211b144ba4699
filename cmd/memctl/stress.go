package main

import (
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/pkg/kmem"
)

var (
	stressOps     int
	stressSeed    uint64
	stressMaxSize int
	stressEvery   int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Number of operations")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest allocation in bytes")
	cmd.Flags().IntVar(&stressEvery, "check-every", 1000, "Verify invariants every N operations (0 = only at the end)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized workload and verify invariants",
		Long: `The stress command boots a fresh system and runs a seeded random mix of
alloc, calloc, realloc and free, checking the contents of every block it
frees and verifying allocator invariants periodically.

Example:
  memctl stress --ops 100000 --seed 42
  memctl stress --max-size 65536 --check-every 100 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

// StressResult summarizes a stress run.
type StressResult struct {
	Ops      int           `json:"ops"`
	Seed     uint64        `json:"seed"`
	Allocs   int           `json:"allocs"`
	Frees    int           `json:"frees"`
	Reallocs int           `json:"reallocs"`
	Live     int           `json:"live"`
	Checks   int           `json:"checks"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Heap     heap.Stats    `json:"heap"`
}

type block struct {
	ptr  heap.Ptr
	tag  byte
	size int
}

func runStress() error {
	if stressOps < 0 || stressMaxSize <= 0 || stressEvery < 0 {
		return errors.New("ops and check-every must be >= 0, max-size > 0")
	}
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	start := time.Now()
	res, err := stress(sys, stressOps, stressSeed, stressMaxSize, stressEvery)
	if err != nil {
		return err
	}
	res.Elapsed = time.Since(start)

	if jsonOut {
		return printJSON(res)
	}
	printInfo("Stress: %d ops (seed %d) in %s\n", res.Ops, res.Seed, res.Elapsed.Round(time.Millisecond))
	printInfo("  allocs %d, frees %d, reallocs %d, live %d\n", res.Allocs, res.Frees, res.Reallocs, res.Live)
	printInfo("  arenas %d (%d created, %d released), %d checks passed\n",
		res.Heap.Arenas, res.Heap.ArenasCreated, res.Heap.ArenasReleased, res.Checks)
	return nil
}

// stress runs the randomized workload. Every live block is filled with its
// tag byte and checked before it is freed or moved.
func stress(sys *kmem.System, ops int, seed uint64, maxSize, every int) (StressResult, error) {
	h := sys.Heap
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	res := StressResult{Ops: ops, Seed: seed}
	var live []block

	checkBlock := func(b block) error {
		data, err := h.Bytes(b.ptr)
		if err != nil {
			return err
		}
		for i, v := range data {
			if v != b.tag {
				return errors.Newf("block %s byte %d is 0x%02x, expected 0x%02x", b.ptr, i, v, b.tag)
			}
		}
		return nil
	}
	fill := func(b block) error {
		data, err := h.Bytes(b.ptr)
		if err != nil {
			return err
		}
		for i := range data {
			data[i] = b.tag
		}
		return nil
	}

	for i := range ops {
		switch n := rng.IntN(10); {
		case n < 4 || len(live) == 0:
			b := block{tag: byte(i) | 1, size: 1 + rng.IntN(maxSize)}
			var err error
			if n == 0 {
				b.ptr, err = h.Calloc(1, b.size)
			} else {
				b.ptr, err = h.Alloc(b.size)
			}
			if errors.Is(err, heap.ErrOutOfMemory) {
				continue
			}
			if err != nil {
				return res, errors.Wrapf(err, "op %d: alloc %d", i, b.size)
			}
			if err := fill(b); err != nil {
				return res, err
			}
			live = append(live, b)
			res.Allocs++

		case n < 8:
			j := rng.IntN(len(live))
			if err := checkBlock(live[j]); err != nil {
				return res, errors.Wrapf(err, "op %d", i)
			}
			if err := h.Free(live[j].ptr); err != nil {
				return res, errors.Wrapf(err, "op %d: free", i)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++

		default:
			j := rng.IntN(len(live))
			b := live[j]
			if err := checkBlock(b); err != nil {
				return res, errors.Wrapf(err, "op %d", i)
			}
			size := 1 + rng.IntN(maxSize)
			p, err := h.Realloc(b.ptr, size)
			if errors.Is(err, heap.ErrOutOfMemory) {
				continue
			}
			if err != nil {
				return res, errors.Wrapf(err, "op %d: realloc %d", i, size)
			}
			b.ptr, b.size = p, size
			if err := fill(b); err != nil {
				return res, err
			}
			live[j] = b
			res.Reallocs++
		}

		if every > 0 && (i+1)%every == 0 {
			if err := sys.Verify(); err != nil {
				return res, errors.Wrapf(err, "op %d: verify", i)
			}
			res.Checks++
			printVerbose("op %d: %d live, invariants hold\n", i+1, len(live))
		}
	}

	if err := sys.Verify(); err != nil {
		return res, errors.Wrap(err, "final verify")
	}
	res.Checks++
	res.Live = len(live)
	res.Heap = h.Stats()
	return res, nil
}
