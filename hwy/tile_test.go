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

import (
	"math"
	"math/rand"
	"testing"
)

func TestNewTile(t *testing.T) {
	tile := NewTile[float32]()
	dim := TileDim()
	if tile.dim != dim {
		t.Errorf("tile.dim = %d, want %d", tile.dim, dim)
	}
	if len(tile.data) != dim*dim {
		t.Errorf("len(tile.data) = %d, want %d", len(tile.data), dim*dim)
	}
	for i, v := range tile.data {
		if v != 0 {
			t.Errorf("tile.data[%d] = %f, want 0", i, v)
		}
	}
}

func TestTileZero(t *testing.T) {
	tile := NewTile[float32]()

	// Fill with non-zero values
	for i := range tile.data {
		tile.data[i] = float32(i + 1)
	}

	TileZero(&tile)

	for i := range tile.data {
		if tile.data[i] != 0 {
			t.Errorf("after TileZero: tile.data[%d] = %f, want 0", i, tile.data[i])
		}
	}
}

func TestOuterProductAdd(t *testing.T) {
	dim := TileDim()

	// col = [1, 2, 3, ...] and row = [10, 20, 30, ...]
	colData := make([]float32, dim)
	rowData := make([]float32, dim)
	for i := range dim {
		colData[i] = float32(i + 1)
		rowData[i] = float32((i + 1) * 10)
	}

	tile := NewTile[float32]()
	OuterProductAdd(&tile, colData, 1, rowData)

	for i := range dim {
		for j := range dim {
			want := colData[i] * rowData[j]
			got := TileAt(&tile, i, j)
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Errorf("tile[%d][%d] = %f, want %f", i, j, got, want)
			}
		}
	}
}

func TestOuterProductAddStrided(t *testing.T) {
	dim := TileDim()

	// Column 3 of a row-major tile whose elements are i*dim+j.
	m := make([]float64, dim*dim)
	for i := range m {
		m[i] = float64(i)
	}
	ones := make([]float64, dim)
	for i := range ones {
		ones[i] = 1
	}

	tile := NewTile[float64]()
	OuterProductAdd(&tile, m[3:], dim, ones)

	for i := range dim {
		for j := range dim {
			if got, want := TileAt(&tile, i, j), float64(i*dim+3); got != want {
				t.Fatalf("tile[%d][%d] = %f, want %f", i, j, got, want)
			}
		}
	}
}

func TestOuterProductAddAccumulates(t *testing.T) {
	dim := TileDim()

	row := make([]float32, dim)
	col := make([]float32, dim)
	for i := range dim {
		row[i] = 1
		col[i] = 1
	}

	tile := NewTile[float32]()

	// Accumulate 3 outer products
	OuterProductAdd(&tile, col, 1, row)
	OuterProductAdd(&tile, col, 1, row)
	OuterProductAdd(&tile, col, 1, row)

	// Each element should be 3.0 (1*1 accumulated 3 times)
	for i := range dim {
		for j := range dim {
			got := TileAt(&tile, i, j)
			if math.Abs(float64(got-3.0)) > 1e-6 {
				t.Errorf("tile[%d][%d] = %f, want 3.0", i, j, got)
			}
		}
	}
}

func TestTileStoreRow(t *testing.T) {
	dim := TileDim()

	tile := NewTile[float32]()
	// Fill tile with known pattern: tile[i][j] = i*dim + j + 1
	for i := range dim {
		for j := range dim {
			tile.data[i*dim+j] = float32(i*dim + j + 1)
		}
	}

	// Store each row and verify
	for i := range dim {
		dst := make([]float32, dim)
		TileStoreRow(&tile, i, dst)
		for j := range dim {
			want := float32(i*dim + j + 1)
			if dst[j] != want {
				t.Errorf("row %d, col %d: got %f, want %f", i, j, dst[j], want)
			}
		}
	}
}

func TestTileStoreRowPartial(t *testing.T) {
	tile := NewTile[float32]()
	for i := range tile.data {
		tile.data[i] = 7
	}

	// A partial store must leave the rest of the destination untouched.
	dst := make([]float32, 10)
	TileStoreRow(&tile, 0, dst[:5])
	for j, v := range dst {
		want := float32(0)
		if j < 5 {
			want = 7
		}
		if v != want {
			t.Errorf("dst[%d] = %f, want %f", j, v, want)
		}
	}
}

// referenceTileMatMul computes A*B for two dim×dim row-major tiles in float64.
func referenceTileMatMul(a, b []float32, dim int) []float64 {
	c := make([]float64, dim*dim)
	for i := range dim {
		for j := range dim {
			var sum float64
			for k := range dim {
				sum += float64(a[i*dim+k]) * float64(b[k*dim+j])
			}
			c[i*dim+j] = sum
		}
	}
	return c
}

func TestTileUnits(t *testing.T) {
	t.Logf("Dispatch level: %s", CurrentName())

	dim := TileDim()
	units := []TileUnit{OuterProductUnit{}, ScalarUnit{}, NewTileUnit()}

	rng := rand.New(rand.NewSource(1))
	a := make([]float32, dim*dim)
	b := make([]float32, dim*dim)
	for i := range a {
		a[i] = NarrowedFloat32(rng.Float32()*2 - 1)
		b[i] = NarrowedFloat32(rng.Float32()*2 - 1)
	}
	want := referenceTileMatMul(a, b, dim)

	for _, unit := range units {
		t.Run(unit.Name(), func(t *testing.T) {
			if unit.Dim() != MMADim {
				t.Fatalf("Dim() = %d, want %d", unit.Dim(), MMADim)
			}
			acc := NewTile[float32]()
			// Two MulAdds accumulate twice the product.
			unit.MulAdd(&acc, a, b)
			unit.MulAdd(&acc, a, b)

			var maxErr float64
			for i := range dim {
				for j := range dim {
					err := math.Abs(float64(TileAt(&acc, i, j)) - 2*want[i*dim+j])
					maxErr = max(maxErr, err)
				}
			}
			if maxErr > 1e-4 {
				t.Errorf("max error %e exceeds tolerance", maxErr)
			}
		})
	}
}

func TestNewTileUnitFor(t *testing.T) {
	if got := NewTileUnitFor(DispatchScalar).Name(); got != "scalar" {
		t.Errorf("scalar level unit = %q", got)
	}
	if got := NewTileUnitFor(DispatchOuterProduct).Name(); got != "outer-product" {
		t.Errorf("outer-product level unit = %q", got)
	}
}

func TestTileUnitPanicsOnShortOperand(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	acc := NewTile[float32]()
	ScalarUnit{}.MulAdd(&acc, make([]float32, 10), make([]float32, MMADim*MMADim))
}
