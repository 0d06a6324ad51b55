// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package matmul provides dense matrix multiplication. It is the dense
// baseline the block-sparse kernel is measured and checked against.
package matmul

import "github.com/ajroetker/go-blocksparse/hwy"

// MatMul computes C = A * B where:
//   - A is M x K (row-major)
//   - B is K x N (row-major)
//   - C is M x N (row-major)
//
// The loop order is i-p-j so the inner loop streams rows of B and C.
func MatMul[T hwy.Floats](a, b, c []T, m, n, k int) {
	if len(a) < m*k {
		panic("matmul: A slice too short")
	}
	if len(b) < k*n {
		panic("matmul: B slice too short")
	}
	if len(c) < m*n {
		panic("matmul: C slice too short")
	}

	clear(c[:m*n])
	for i := range m {
		cRow := c[i*n : (i+1)*n]
		for p := range k {
			aip := a[i*k+p]
			if aip == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			for j := range n {
				cRow[j] += aip * bRow[j]
			}
		}
	}
}

// MatMulFloat16 computes C = A * B for a float32 A and a half-precision B.
// A is narrowed to half precision first, so the result matches what a tile
// unit fed with narrowed operands and a float32 accumulator produces.
func MatMulFloat16(a []float32, b []hwy.Float16, c []float32, m, n, k int) {
	if len(a) < m*k {
		panic("matmul: A slice too short")
	}
	if len(b) < k*n {
		panic("matmul: B slice too short")
	}
	aN := make([]float32, m*k)
	for i, v := range a[:m*k] {
		aN[i] = hwy.NarrowedFloat32(v)
	}
	bW := make([]float32, k*n)
	hwy.WidenFloat16(bW, b[:k*n])
	MatMul(aN, bW, c, m, n, k)
}
