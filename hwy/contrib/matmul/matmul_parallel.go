// Copyright 2024 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/workerpool"
)

// Parallel tuning parameters
const (
	// MinParallelOps is the minimum number of operations before parallelizing
	MinParallelOps = 64 * 64 * 64

	// RowsPerStrip defines how many rows each worker processes at a time.
	RowsPerStrip = 64
)

// ParallelMatMul computes C = A * B using parallel execution.
// Divides work into horizontal strips that workers claim one at a time.
//
//   - A is M x K (row-major)
//   - B is K x N (row-major)
//   - C is M x N (row-major)
func ParallelMatMul[T hwy.Floats](pool workerpool.Executor, a, b, c []T, m, n, k int) {
	// For small matrices, use single-threaded version
	if m*n*k < MinParallelOps {
		MatMul(a, b, c, m, n, k)
		return
	}
	if len(a) < m*k || len(b) < k*n || len(c) < m*n {
		panic("matmul: slice too short")
	}

	numStrips := (m + RowsPerStrip - 1) / RowsPerStrip
	pool.ParallelForAtomic(numStrips, func(strip int) {
		rowStart := strip * RowsPerStrip
		rowEnd := min(rowStart+RowsPerStrip, m)
		stripM := rowEnd - rowStart
		MatMul(a[rowStart*k:rowEnd*k], b, c[rowStart*n:rowEnd*n], stripM, n, k)
	})
}
