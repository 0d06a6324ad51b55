// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// Stats summarizes the structure of a packed matrix.
type Stats struct {
	RowTiles, ColTiles int
	Blocks             int
	NNZ                int
	// EmptyRows is the number of row tiles without blocks.
	EmptyRows int
	// MinRowBlocks and MaxRowBlocks range over non-empty row tiles.
	MinRowBlocks, MaxRowBlocks int
	// BlockDensity is Blocks over the number of tile positions.
	BlockDensity float64
	// FillRatio is NNZ over the elements stored in Values.
	FillRatio float64
	// Imbalance is MaxRowBlocks over the mean blocks per non-empty row tile;
	// 1 means every busy row carries the same work.
	Imbalance float64
}

// Stats downloads the row pointers and computes structural statistics.
func (m *Matrix) Stats() (Stats, error) {
	rowPtrs, err := device.Download(m.RowPtrs)
	if err != nil {
		return Stats{}, fmt.Errorf("blocksparse: downloading row pointers: %w", err)
	}
	st := Stats{
		RowTiles: m.RowTiles(),
		ColTiles: m.ColTiles(),
		Blocks:   m.NumBlocks,
		NNZ:      m.NNZ,
	}
	perRow := make([]int, st.RowTiles)
	for r := range perRow {
		perRow[r] = int(rowPtrs[r+1] - rowPtrs[r])
	}
	busy := lo.Filter(perRow, func(n int, _ int) bool { return n > 0 })
	st.EmptyRows = len(perRow) - len(busy)
	if len(busy) > 0 {
		st.MinRowBlocks = lo.Min(busy)
		st.MaxRowBlocks = lo.Max(busy)
		mean := float64(lo.Sum(busy)) / float64(len(busy))
		st.Imbalance = float64(st.MaxRowBlocks) / mean
	}
	if positions := st.RowTiles * st.ColTiles; positions > 0 {
		st.BlockDensity = float64(st.Blocks) / float64(positions)
	}
	if st.Blocks > 0 {
		st.FillRatio = float64(st.NNZ) / float64(st.Blocks*blockElems)
	}
	return st, nil
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d blocks (%.2f%% dense), fill %.1f%%, %d empty row tiles, blocks/row %d..%d, imbalance %.2f",
		s.Blocks, s.RowTiles*s.ColTiles, 100*s.BlockDensity, 100*s.FillRatio,
		s.EmptyRows, s.MinRowBlocks, s.MaxRowBlocks, s.Imbalance)
}
