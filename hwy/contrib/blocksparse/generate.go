// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import "math/rand"

// BlockDiagonal returns a size × size row-major matrix whose diagonal
// BlockSize×BlockSize tiles hold nonzero values in [-1, 1) and whose other
// elements are zero. The last diagonal tile is partial when size is not a
// multiple of BlockSize.
func BlockDiagonal(size int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, size*size)
	for t := range tileSpan(size) {
		r0 := t * BlockSize
		end := min(r0+BlockSize, size)
		for i := r0; i < end; i++ {
			for j := r0; j < end; j++ {
				data[i*size+j] = nonzeroUniform(rng)
			}
		}
	}
	return data
}

// RandomBlockSparse returns a rows × cols row-major matrix in which each
// tile is nonzero with probability density. A nonzero tile has each
// in-bounds element set with probability fill (at least one element is
// always set).
func RandomBlockSparse(rows, cols int, density, fill float64, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, rows*cols)
	for rt := range tileSpan(rows) {
		for ct := range tileSpan(cols) {
			if rng.Float64() >= density {
				continue
			}
			r0, c0 := rt*BlockSize, ct*BlockSize
			rEnd, cEnd := min(r0+BlockSize, rows), min(c0+BlockSize, cols)
			for i := r0; i < rEnd; i++ {
				for j := c0; j < cEnd; j++ {
					if rng.Float64() < fill {
						data[i*cols+j] = nonzeroUniform(rng)
					}
				}
			}
			// Guarantee the tile is nonzero.
			data[(r0+rng.Intn(rEnd-r0))*cols+c0+rng.Intn(cEnd-c0)] = nonzeroUniform(rng)
		}
	}
	return data
}

// minMagnitude keeps generated values representable as nonzero halves.
const minMagnitude = 1.0 / 64

// nonzeroUniform returns a value in [-1, 1) whose magnitude is at least
// minMagnitude.
func nonzeroUniform(rng *rand.Rand) float32 {
	for {
		if v := rng.Float32()*2 - 1; v >= minMagnitude || v <= -minMagnitude {
			return v
		}
	}
}
