// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// TileCounts holds the number of nonzero elements of every tile position of
// a dense matrix, row-major over (rowTile, colTile). It lives on the device.
type TileCounts struct {
	RowTiles, ColTiles int
	Counts             *device.Buffer[int32]
}

// Release frees the counts.
func (tc *TileCounts) Release() {
	if tc == nil {
		return
	}
	tc.Counts.Release()
}

// Analyze counts the nonzero elements of every 16×16 tile of dense. Each
// tile position is an independent unit of work on the device; elements
// past the matrix edge are not counted.
func Analyze(dev *device.Device, dense *Dense) (*TileCounts, error) {
	rowTiles, colTiles := dense.RowTiles(), dense.ColTiles()
	counts, err := device.Alloc[int32](dev, rowTiles*colTiles)
	if err != nil {
		return nil, fmt.Errorf("blocksparse: allocating tile counts: %w", err)
	}

	src := dense.buf.Data()
	dst := counts.Data()
	rows, cols := dense.Rows, dense.Cols
	err = dev.Launch("bsr_count_tiles", device.Grid{Units: rowTiles * colTiles, Lanes: 1}, func(l *device.Lane) {
		r0 := (l.Unit / colTiles) * BlockSize
		c0 := (l.Unit % colTiles) * BlockSize
		rEnd := min(r0+BlockSize, rows)
		cEnd := min(c0+BlockSize, cols)
		var nnz int32
		for r := r0; r < rEnd; r++ {
			for _, v := range src[r*cols+c0 : r*cols+cEnd] {
				if v != 0 {
					nnz++
				}
			}
		}
		dst[l.Unit] = nnz
	})
	if err != nil {
		counts.Release()
		return nil, fmt.Errorf("blocksparse: counting tiles: %w", err)
	}
	klog.V(1).Infof("blocksparse: analyzed %dx%d matrix as %dx%d tiles", rows, cols, rowTiles, colTiles)
	return &TileCounts{RowTiles: rowTiles, ColTiles: colTiles, Counts: counts}, nil
}
