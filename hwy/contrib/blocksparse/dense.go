// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package blocksparse converts dense matrices into a block-sparse format of
// 16×16 tiles and multiplies them with dense operands on a device.
//
// The pipeline has three stages connected by owned buffers:
//
//	dense, _ := blocksparse.NewDense(dev, data, rows, cols)  // upload
//	counts, _ := blocksparse.Analyze(dev, dense)             // per-tile nonzeros, on device
//	m, _ := blocksparse.Pack(dev, dense, counts)             // host packing, upload
//	_ = blocksparse.Multiply(dev, m, rhs, n, out)            // tile-MMA kernel
//
// Build runs the first two stages and releases the counts. Every Dense,
// TileCounts and Matrix must be released by its owner; a packed Matrix is
// immutable and may be used by any number of concurrent Multiply calls.
package blocksparse

import (
	"errors"
	"fmt"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// BlockSize is the tile edge length. Tiles are the unit of sparsity
// tracking, storage and scheduling.
const BlockSize = hwy.MMADim

const blockElems = BlockSize * BlockSize

// ErrCorruptMatrix reports a packed matrix whose index tables violate the
// block-sparse invariants.
var ErrCorruptMatrix = errors.New("blocksparse: corrupt matrix")

// tileSpan returns the number of tiles needed to cover n elements.
func tileSpan(n int) int {
	return (n + BlockSize - 1) / BlockSize
}

// Dense is a rows × cols float32 row-major matrix resident on a device. It
// keeps a reference to the caller's host slice, which the packer reads
// tiles from; the caller must not modify that slice until packing is done.
type Dense struct {
	Rows, Cols int

	host []float32
	buf  *device.Buffer[float32]
}

// NewDense uploads data as a rows × cols matrix.
func NewDense(dev *device.Device, data []float32, rows, cols int) (*Dense, error) {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("blocksparse: negative dimensions %dx%d", rows, cols))
	}
	if len(data) < rows*cols {
		panic("blocksparse: dense data too short")
	}
	data = data[:rows*cols]
	buf, err := device.Upload(dev, data)
	if err != nil {
		return nil, fmt.Errorf("blocksparse: uploading %dx%d dense matrix: %w", rows, cols, err)
	}
	return &Dense{Rows: rows, Cols: cols, host: data, buf: buf}, nil
}

// RowTiles returns the number of tile rows, including a partial last row.
func (d *Dense) RowTiles() int { return tileSpan(d.Rows) }

// ColTiles returns the number of tile columns, including a partial last column.
func (d *Dense) ColTiles() int { return tileSpan(d.Cols) }

// Release frees the device copy.
func (d *Dense) Release() {
	if d == nil {
		return
	}
	d.buf.Release()
	d.host = nil
}

// readTile copies tile (rowTile, colTile) of the host matrix into dst,
// narrowed to half precision and zero padded past the matrix edge.
func (d *Dense) readTile(dst []hwy.Float16, rowTile, colTile int) {
	clear(dst[:blockElems])
	r0, c0 := rowTile*BlockSize, colTile*BlockSize
	rowsHere := min(BlockSize, d.Rows-r0)
	colsHere := min(BlockSize, d.Cols-c0)
	for i := range rowsHere {
		src := d.host[(r0+i)*d.Cols+c0 : (r0+i)*d.Cols+c0+colsHere]
		hwy.NarrowFloat32(dst[i*BlockSize:i*BlockSize+colsHere], src)
	}
}
