// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package hwy

import "github.com/x448/float16"

// Float16 is an IEEE 754 binary16 value. It is the storage type for packed
// tile values and for the right-hand operand of the block-sparse multiply.
type Float16 = float16.Float16

// Float32ToFloat16 narrows f to half precision, rounding to nearest even.
// Values beyond the half range become ±Inf.
func Float32ToFloat16(f float32) Float16 {
	return float16.Fromfloat32(f)
}

// Float16FromBits returns the half value with the given bit pattern.
func Float16FromBits(b uint16) Float16 {
	return float16.Frombits(b)
}

// NarrowFloat32 converts src into dst element by element.
// PRECONDITION: len(dst) >= len(src).
func NarrowFloat32(dst []Float16, src []float32) {
	if len(dst) < len(src) {
		panic("hwy: NarrowFloat32 dst too short")
	}
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
}

// WidenFloat16 converts src into dst element by element. Widening is exact.
// PRECONDITION: len(dst) >= len(src).
func WidenFloat16(dst []float32, src []Float16) {
	if len(dst) < len(src) {
		panic("hwy: WidenFloat16 dst too short")
	}
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

// NarrowedFloat32 returns f after a round trip through half precision, i.e.
// the value the tile unit actually multiplies.
func NarrowedFloat32(f float32) float32 {
	return float16.Fromfloat32(f).Float32()
}
