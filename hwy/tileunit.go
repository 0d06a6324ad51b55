// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package hwy

// TileUnit is a fixed-shape matrix-multiply-accumulate unit. It computes
//
//	acc += a × b
//
// where a and b are Dim × Dim row-major float32 staging tiles (already
// widened from half precision) and acc is a full precision accumulator.
// Operands are narrowed before they reach the unit and accumulation is
// float32 throughout, so every implementation produces the same result up
// to summation order.
//
// A TileUnit may keep private scratch space and is not safe for concurrent
// use; each execution lane owns its own unit.
type TileUnit interface {
	Name() string
	Dim() int
	MulAdd(acc *Tile[float32], a, b []float32)
}

// NewTileUnit returns a fresh unit for the dispatch level selected at init.
func NewTileUnit() TileUnit {
	return NewTileUnitFor(currentLevel)
}

// NewTileUnitFor returns a fresh unit for the given dispatch level.
func NewTileUnitFor(level DispatchLevel) TileUnit {
	if level == DispatchScalar {
		return ScalarUnit{}
	}
	return OuterProductUnit{}
}

// OuterProductUnit accumulates a × b as MMADim rank-1 updates, column k of
// a times row k of b, in increasing k. This is how SME FMOPA and AMX TDPBF16PS
// style units consume their operands.
type OuterProductUnit struct{}

func (OuterProductUnit) Name() string { return "outer-product" }

func (OuterProductUnit) Dim() int { return MMADim }

func (OuterProductUnit) MulAdd(acc *Tile[float32], a, b []float32) {
	checkOperands(a, b)
	for k := range MMADim {
		OuterProductAdd(acc, a[k:], MMADim, b[k*MMADim:(k+1)*MMADim])
	}
}

// ScalarUnit computes each accumulator element as a dot product over k,
// then adds it to the accumulator.
type ScalarUnit struct{}

func (ScalarUnit) Name() string { return "scalar" }

func (ScalarUnit) Dim() int { return MMADim }

func (ScalarUnit) MulAdd(acc *Tile[float32], a, b []float32) {
	checkOperands(a, b)
	for i := range MMADim {
		aRow := a[i*MMADim : (i+1)*MMADim]
		accRow := acc.data[i*MMADim : (i+1)*MMADim]
		for j := range MMADim {
			var sum float32
			for k := range MMADim {
				sum += aRow[k] * b[k*MMADim+j]
			}
			accRow[j] += sum
		}
	}
}

func checkOperands(a, b []float32) {
	if len(a) < MMADim*MMADim {
		panic("TileUnit: A tile too short")
	}
	if len(b) < MMADim*MMADim {
		panic("TileUnit: B tile too short")
	}
}
