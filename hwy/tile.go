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

package hwy

// Floats is the set of accumulator element types a Tile can hold.
type Floats interface {
	~float32 | ~float64
}

// MMADim is the edge length of the fixed tile shape the multiply-accumulate
// unit operates on. Operands and accumulators are always MMADim × MMADim.
const MMADim = 16

// Tile is a 2D matrix accumulator of size MMADim × MMADim, stored row-major
// in a flat slice. It plays the role of a hardware accumulator fragment: it
// is zeroed, fed operand tiles through a TileUnit, and finally stored.
//
// Tile instances should be created with NewTile and zeroed with TileZero.
type Tile[T Floats] struct {
	data []T
	dim  int
}

// TileDim returns the tile dimension. The tile is TileDim × TileDim elements.
func TileDim() int {
	return MMADim
}

// NewTile creates a zero-initialized tile of size MMADim × MMADim.
func NewTile[T Floats]() Tile[T] {
	return Tile[T]{data: make([]T, MMADim*MMADim), dim: MMADim}
}

// TileZero zeroes all elements of the tile.
func TileZero[T Floats](tile *Tile[T]) {
	clear(tile.data)
}

// TileAt returns tile[i][j].
func TileAt[T Floats](tile *Tile[T], i, j int) T {
	return tile.data[i*tile.dim+j]
}

// OuterProductAdd accumulates an outer product into the tile:
//
//	tile[i][j] += col[i] * row[j]
//
// col is read with stride colStride starting at col[0], so a column of a
// row-major tile can be passed without copying it out. On SME this is a
// single FMOPA; here it is a nested loop.
func OuterProductAdd[T Floats](tile *Tile[T], col []T, colStride int, row []T) {
	dim := tile.dim
	if len(row) < dim || len(col) < (dim-1)*colStride+1 {
		panic("OuterProductAdd: operand too short")
	}
	for i := range dim {
		ci := col[i*colStride]
		acc := tile.data[i*dim : (i+1)*dim]
		for j := range dim {
			acc[j] += ci * row[j]
		}
	}
}

// TileStoreRow copies up to len(dst) elements of tile row rowIdx to dst.
// Callers pass a shortened dst to store a partial row at a matrix edge.
func TileStoreRow[T Floats](tile *Tile[T], rowIdx int, dst []T) {
	dim := tile.dim
	n := min(len(dst), dim)
	copy(dst[:n], tile.data[rowIdx*dim:rowIdx*dim+n])
}
