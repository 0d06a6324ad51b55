// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/workerpool"
)

// gonumSgemm computes C = A * B with gonum's BLAS as an independent reference.
func gonumSgemm(a, b, c []float32, m, n, k int) {
	gonum.Implementation{}.Sgemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, a, k, b, n, 0, c, n)
}

func randomMatrix(rng *rand.Rand, size int) []float32 {
	out := make([]float32, size)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func maxAbsDiff(x, y []float32) float32 {
	var maxErr float32
	for i := range x {
		maxErr = max(maxErr, float32(math.Abs(float64(x[i]-y[i]))))
	}
	return maxErr
}

func TestMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := []struct{ m, n, k int }{
		{1, 1, 1}, {3, 5, 7}, {16, 16, 16}, {33, 17, 65}, {100, 64, 48},
	}
	for _, sz := range sizes {
		t.Run(fmt.Sprintf("%dx%dx%d", sz.m, sz.n, sz.k), func(t *testing.T) {
			a := randomMatrix(rng, sz.m*sz.k)
			b := randomMatrix(rng, sz.k*sz.n)
			c := randomMatrix(rng, sz.m*sz.n) // garbage that must be overwritten
			want := make([]float32, sz.m*sz.n)

			MatMul(a, b, c, sz.m, sz.n, sz.k)
			gonumSgemm(a, b, want, sz.m, sz.n, sz.k)

			if maxErr := maxAbsDiff(c, want); maxErr > 1e-4 {
				t.Errorf("max error %e exceeds tolerance", maxErr)
			}
		})
	}
}

func TestParallelMatMul(t *testing.T) {
	pool := workerpool.New(0)
	defer pool.Close()

	rng := rand.New(rand.NewSource(11))
	m, n, k := 200, 96, 80
	a := randomMatrix(rng, m*k)
	b := randomMatrix(rng, k*n)
	c := make([]float32, m*n)
	want := make([]float32, m*n)

	ParallelMatMul(pool, a, b, c, m, n, k)
	gonumSgemm(a, b, want, m, n, k)

	if maxErr := maxAbsDiff(c, want); maxErr > 1e-4 {
		t.Errorf("max error %e exceeds tolerance", maxErr)
	}
}

func TestMatMulFloat16(t *testing.T) {
	// Integers below 2048 are exact in half precision, so the result is exact.
	m, n, k := 4, 3, 5
	a := make([]float32, m*k)
	bF := make([]float32, k*n)
	for i := range a {
		a[i] = float32(i%7 - 3)
	}
	for i := range bF {
		bF[i] = float32(i%5 - 2)
	}
	b := make([]hwy.Float16, k*n)
	hwy.NarrowFloat32(b, bF)

	got := make([]float32, m*n)
	want := make([]float32, m*n)
	MatMulFloat16(a, b, got, m, n, k)
	MatMul(a, bF, want, m, n, k)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMatMulPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for short A")
		}
	}()
	MatMul(make([]float32, 3), make([]float32, 4), make([]float32, 4), 2, 2, 2)
}

func BenchmarkParallelMatMul(b *testing.B) {
	pool := workerpool.New(0)
	defer pool.Close()
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{128, 256, 512} {
		a := randomMatrix(rng, size*size)
		bm := randomMatrix(rng, size*size)
		c := make([]float32, size*size)
		b.Run(fmt.Sprintf("%d", size), func(b *testing.B) {
			for b.Loop() {
				ParallelMatMul(pool, a, bm, c, size, size, size)
			}
			b.ReportMetric(2*float64(size)*float64(size)*float64(size)*float64(b.N)/b.Elapsed().Seconds()/1e9, "GFLOP/s")
		})
	}
}
