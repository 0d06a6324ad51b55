// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"errors"
	"fmt"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// WorkItemsPerUnit is the number of work-list slots one scheduling unit
// stages into shared scratch.
const WorkItemsPerUnit = 128

// sentinel marks a work-list slot past the end of the list.
const sentinel = -1

// ErrForeignBuffer is returned when an operand lives on another device.
var ErrForeignBuffer = errors.New("blocksparse: operand belongs to a different device")

// Multiply computes out = A × rhs where A is the packed matrix m (rows ×
// cols), rhs is a cols × n half-precision row-major operand and out is a
// rows × n float32 row-major result. Every element of out is written.
//
// Each scheduling unit stages WorkItemsPerUnit work-list entries into shared
// scratch, synchronizes once, and then each lane takes every Lanes-th slot.
// For a row tile the lane walks the tile's blocks in packing order, widens
// the block and the matching rhs tile into staging buffers and feeds them to
// the device's tile unit, accumulating in float32. Partial tiles at the
// right and bottom edges are zero padded on load and clipped on store.
//
// An inconsistent index table is reported as an error wrapping
// ErrCorruptMatrix rather than read past.
func Multiply(dev *device.Device, m *Matrix, rhs *device.Buffer[hwy.Float16], n int, out *device.Buffer[float32]) error {
	if n < 0 {
		panic(fmt.Sprintf("blocksparse: negative output width %d", n))
	}
	if rhs.Len() < m.Cols*n {
		panic("blocksparse: rhs buffer too short")
	}
	if out.Len() < m.Rows*n {
		panic("blocksparse: output buffer too short")
	}
	if rhs.Device() != dev || out.Device() != dev || m.Values.Device() != dev {
		return ErrForeignBuffer
	}
	if n == 0 || m.Rows == 0 {
		return nil
	}

	var (
		values   = m.Values.Data()
		colIdx   = m.ColIndices.Data()
		rowTags  = m.RowTags.Data()
		rowPtrs  = m.RowPtrs.Data()
		work     = m.WorkList.Data()
		b        = rhs.Data()
		c        = out.Data()
		rows     = m.Rows
		cols     = m.Cols
		rowTiles = m.RowTiles()
		colTiles = m.ColTiles()
		nTiles   = tileSpan(n)
	)
	if len(rowPtrs) != rowTiles+1 || len(rowTags) != len(colIdx) || len(values) < len(colIdx)*blockElems {
		return fmt.Errorf("blocksparse: multiply: %w: %d row pointers, %d row tags, %d column indices, %d values for %d row tiles",
			ErrCorruptMatrix, len(rowPtrs), len(rowTags), len(colIdx), len(values), rowTiles)
	}

	grid := device.Grid{
		Units:       (len(work) + WorkItemsPerUnit - 1) / WorkItemsPerUnit,
		Lanes:       dev.Lanes(),
		SharedInt32: WorkItemsPerUnit,
	}
	err := dev.Launch("bsr_spmm", grid, func(l *device.Lane) {
		sched := l.Shared
		base := l.Unit * WorkItemsPerUnit
		for s := l.ID; s < WorkItemsPerUnit; s += l.Lanes {
			if base+s < len(work) {
				sched[s] = work[base+s]
			} else {
				sched[s] = sentinel
			}
		}
		l.Sync()

		unit := dev.NewTileUnit()
		acc := hwy.NewTile[float32]()
		stageA := make([]float32, blockElems)
		stageB := make([]float32, blockElems)

		for s := l.ID; s < WorkItemsPerUnit; s += l.Lanes {
			r := int(sched[s])
			if r == sentinel {
				continue
			}
			if r < 0 || r >= rowTiles {
				l.Fail(fmt.Errorf("%w: work item %d names row tile %d of %d", ErrCorruptMatrix, base+s, r, rowTiles))
				return
			}
			start, end := int(rowPtrs[r]), int(rowPtrs[r+1])
			if start < 0 || end < start || end > len(colIdx) {
				l.Fail(fmt.Errorf("%w: row tile %d has block range [%d, %d)", ErrCorruptMatrix, r, start, end))
				return
			}
			r0 := r * BlockSize
			rowsHere := min(BlockSize, rows-r0)

			for nt := range nTiles {
				c0 := nt * BlockSize
				colsHere := min(BlockSize, n-c0)
				hwy.TileZero(&acc)
				for i := start; i < end; i++ {
					ct := int(colIdx[i])
					if int(rowTags[i]) != r || ct < 0 || ct >= colTiles {
						l.Fail(fmt.Errorf("%w: block %d (row tag %d, col tile %d) in row tile %d",
							ErrCorruptMatrix, i, rowTags[i], ct, r))
						return
					}
					hwy.WidenFloat16(stageA, values[i*blockElems:(i+1)*blockElems])
					loadOperandTile(stageB, b, ct*BlockSize, cols, c0, colsHere, n)
					unit.MulAdd(&acc, stageA, stageB)
				}
				for i := range rowsHere {
					off := (r0+i)*n + c0
					hwy.TileStoreRow(&acc, i, c[off:off+colsHere])
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("blocksparse: multiply: %w", err)
	}
	return nil
}

// loadOperandTile widens the BlockSize×BlockSize tile of the k × n operand b
// starting at (k0, c0) into stage. Rows at or past k and columns past
// colsHere are zero.
func loadOperandTile(stage []float32, b []hwy.Float16, k0, k, c0, colsHere, n int) {
	clear(stage)
	rowsHere := min(BlockSize, k-k0)
	for i := range rowsHere {
		src := b[(k0+i)*n+c0 : (k0+i)*n+c0+colsHere]
		hwy.WidenFloat16(stage[i*BlockSize:i*BlockSize+colsHere], src)
	}
}

// MultiplyHost is Multiply for host operands: it uploads rhs, runs the
// kernel, downloads into out and releases the temporary device buffers.
func MultiplyHost(dev *device.Device, m *Matrix, rhs []hwy.Float16, n int, out []float32) error {
	if len(rhs) < m.Cols*n {
		panic("blocksparse: rhs too short")
	}
	if len(out) < m.Rows*n {
		panic("blocksparse: output too short")
	}
	rhsBuf, err := device.Upload(dev, rhs[:m.Cols*n])
	if err != nil {
		return fmt.Errorf("blocksparse: uploading rhs: %w", err)
	}
	defer rhsBuf.Release()
	outBuf, err := device.Alloc[float32](dev, m.Rows*n)
	if err != nil {
		return fmt.Errorf("blocksparse: allocating output: %w", err)
	}
	defer outBuf.Release()

	if err := Multiply(dev, m, rhsBuf, n, outBuf); err != nil {
		return err
	}
	if err := outBuf.CopyToHost(out[:m.Rows*n]); err != nil {
		return fmt.Errorf("blocksparse: downloading output: %w", err)
	}
	return nil
}
