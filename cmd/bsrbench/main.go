// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Command bsrbench packs a synthetic block-sparse matrix and times the
// block-sparse multiply kernel on it.
//
//	bsrbench --size 4096 --n 256 --iters 20
//	bsrbench --pattern random --density 0.05 --verify --dense-baseline
//
// Any device failure terminates the process with a diagnostic naming the
// failing operation.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/blocksparse"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/matmul"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/workerpool"
)

type options struct {
	size          int
	n             int
	pattern       string
	density       float64
	fill          float64
	seed          int64
	iters         int
	warmup        int
	concurrency   int
	verify        bool
	denseBaseline bool
	units         int
	lanes         int
	memory        int64
	scalar        bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "bsrbench",
		Short:        "Benchmark the block-sparse × dense multiply kernel",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.size, "size", 4096, "rows and columns of the sparse matrix")
	f.IntVar(&opts.n, "n", 256, "columns of the dense operand")
	f.StringVar(&opts.pattern, "pattern", "blockdiag", "sparsity pattern: blockdiag or random")
	f.Float64Var(&opts.density, "density", 0.05, "fraction of nonzero tiles for --pattern=random")
	f.Float64Var(&opts.fill, "fill", 0.5, "fraction of nonzero elements inside a nonzero tile for --pattern=random")
	f.Int64Var(&opts.seed, "seed", 1, "random seed")
	f.IntVar(&opts.iters, "iters", 10, "timed multiply iterations")
	f.IntVar(&opts.warmup, "warmup", 2, "untimed warmup iterations")
	f.IntVar(&opts.concurrency, "concurrency", 1, "concurrent multiply invocations sharing the packed matrix")
	f.BoolVar(&opts.verify, "verify", false, "check the result against a dense reference product")
	f.BoolVar(&opts.denseBaseline, "dense-baseline", false, "also time a dense parallel matmul of the same operands")
	f.IntVar(&opts.units, "units", 0, "device execution units (default: $"+device.EnvUnits+" or GOMAXPROCS)")
	f.IntVar(&opts.lanes, "lanes", 0, "lanes per scheduling unit (default: $"+device.EnvLanes+" or 8)")
	f.Int64Var(&opts.memory, "memory", 0, "device memory in bytes (default: $"+device.EnvMemory+" or 4GiB)")
	f.BoolVar(&opts.scalar, "scalar", hwy.NoSimdEnv(), "use the scalar tile unit")

	addKlogFlags(f)
	return cmd
}

// addKlogFlags exposes klog's -v, -logtostderr, ... flags on fs.
func addKlogFlags(fs *pflag.FlagSet) {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
}

func run(opts options) error {
	if opts.size <= 0 || opts.n <= 0 || opts.iters <= 0 || opts.concurrency <= 0 {
		return fmt.Errorf("--size, --n, --iters and --concurrency must be positive")
	}
	defer klog.Flush()
	p := message.NewPrinter(language.English)

	cfg, err := device.ConfigFromEnv()
	if err != nil {
		return err
	}
	var devOpts []device.Option
	if opts.units > 0 {
		devOpts = append(devOpts, device.WithUnits(opts.units))
	}
	if opts.lanes > 0 {
		devOpts = append(devOpts, device.WithLanes(opts.lanes))
	}
	if opts.memory > 0 {
		devOpts = append(devOpts, device.WithMemoryLimit(opts.memory))
	}
	if opts.scalar {
		devOpts = append(devOpts, device.WithForceScalar())
	}
	dev, err := device.Open(cfg, devOpts...)
	device.Check("device.Open", err)
	defer dev.Close()
	p.Printf("%s\n", dev)

	var data []float32
	switch opts.pattern {
	case "blockdiag":
		data = blocksparse.BlockDiagonal(opts.size, opts.seed)
	case "random":
		data = blocksparse.RandomBlockSparse(opts.size, opts.size, opts.density, opts.fill, opts.seed)
	default:
		return fmt.Errorf("unknown --pattern %q", opts.pattern)
	}

	packStart := time.Now()
	dense, err := blocksparse.NewDense(dev, data, opts.size, opts.size)
	device.Check("blocksparse.NewDense", err)
	m, err := blocksparse.Build(dev, dense)
	device.Check("blocksparse.Build", err)
	dense.Release()
	defer m.Release()
	packElapsed := time.Since(packStart)

	st, err := m.Stats()
	device.Check("Matrix.Stats", err)
	p.Printf("matrix %d x %d: %s\n", opts.size, opts.size, st)
	p.Printf("pack: %v\n", packElapsed)

	rng := rand.New(rand.NewSource(opts.seed + 1))
	rhsHost := make([]hwy.Float16, opts.size*opts.n)
	for i := range rhsHost {
		rhsHost[i] = hwy.Float32ToFloat16(rng.Float32()*2 - 1)
	}
	rhs, err := device.Upload(dev, rhsHost)
	device.Check("device.Upload(rhs)", err)
	defer rhs.Release()

	outs := make([]*device.Buffer[float32], opts.concurrency)
	for i := range outs {
		outs[i], err = device.Alloc[float32](dev, opts.size*opts.n)
		device.Check("device.Alloc(out)", err)
		defer outs[i].Release()
	}

	multiplyAll := func() error {
		var g errgroup.Group
		for _, out := range outs {
			g.Go(func() error { return blocksparse.Multiply(dev, m, rhs, opts.n, out) })
		}
		return g.Wait()
	}
	for range opts.warmup {
		device.Check("blocksparse.Multiply", multiplyAll())
	}
	start := time.Now()
	for range opts.iters {
		device.Check("blocksparse.Multiply", multiplyAll())
	}
	elapsed := time.Since(start)

	calls := float64(opts.iters * opts.concurrency)
	flops := 2 * float64(m.NumBlocks) * float64(blocksparse.BlockSize*blocksparse.BlockSize) * float64(opts.n)
	p.Printf("multiply: %d calls in %v, %v per call, %.2f GFLOP/s (%d useful FLOPs per call)\n",
		int(calls), elapsed, elapsed/time.Duration(calls), flops*calls/elapsed.Seconds()/1e9, int64(flops))

	if opts.verify {
		got, err := device.Download(outs[0])
		device.Check("device.Download(out)", err)
		maxErr := verify(data, rhsHost, got, opts.size, opts.n)
		p.Printf("verify: max normalized error %.3e\n", maxErr)
		if maxErr > 1e-2 {
			return fmt.Errorf("verification failed: max normalized error %.3e", maxErr)
		}
	}

	if opts.denseBaseline {
		pool := workerpool.New(dev.Units())
		defer pool.Close()
		rhsF := make([]float32, len(rhsHost))
		hwy.WidenFloat16(rhsF, rhsHost)
		c := make([]float32, opts.size*opts.n)
		start := time.Now()
		for range opts.iters {
			matmul.ParallelMatMul(pool, data, rhsF, c, opts.size, opts.n, opts.size)
		}
		denseElapsed := time.Since(start)
		p.Printf("dense baseline: %v per call, speedup %.2fx\n",
			denseElapsed/time.Duration(opts.iters),
			(denseElapsed.Seconds()/float64(opts.iters))/(elapsed.Seconds()/calls))
	}
	return nil
}

// verify compares got against a full precision dense product and returns the
// largest error normalized by the magnitude of the contributing terms.
func verify(a []float32, rhs []hwy.Float16, got []float32, size, n int) float64 {
	b := make([]float32, len(rhs))
	hwy.WidenFloat16(b, rhs)
	want := make([]float32, size*n)
	gonum.Implementation{}.Sgemm(blas.NoTrans, blas.NoTrans, size, n, size, 1, a, size, b, n, 0, want, n)

	absA := make([]float32, len(a))
	for i, v := range a {
		absA[i] = float32(math.Abs(float64(v)))
	}
	absB := make([]float32, len(b))
	for i, v := range b {
		absB[i] = float32(math.Abs(float64(v)))
	}
	scale := make([]float32, size*n)
	gonum.Implementation{}.Sgemm(blas.NoTrans, blas.NoTrans, size, n, size, 1, absA, size, absB, n, 0, scale, n)

	var maxErr float64
	for i := range want {
		diff := math.Abs(float64(got[i] - want[i]))
		maxErr = max(maxErr, diff/(float64(scale[i])+1e-6))
	}
	return maxErr
}
