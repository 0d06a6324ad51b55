// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"cmp"
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// blockEntry is a nonzero tile found by the analyzer.
type blockEntry struct {
	row, col int32
	count    int32
}

// Build analyzes and packs dense. The intermediate tile counts are released
// before returning.
func Build(dev *device.Device, dense *Dense) (*Matrix, error) {
	counts, err := Analyze(dev, dense)
	if err != nil {
		return nil, err
	}
	defer counts.Release()
	return Pack(dev, dense, counts)
}

// Pack builds the block-sparse form of dense from its tile counts.
//
// All-zero tiles are dropped. The remaining tiles are grouped by row tile,
// and within a row ordered by descending nonzero count, ties keeping
// column order. Grouping keeps every RowPtrs range exact; load balance is
// carried by the WorkList instead, which orders whole row tiles from
// heaviest to lightest.
//
// Packing is all-or-nothing: on error no device memory stays allocated.
func Pack(dev *device.Device, dense *Dense, counts *TileCounts) (*Matrix, error) {
	if counts.RowTiles != dense.RowTiles() || counts.ColTiles != dense.ColTiles() {
		return nil, fmt.Errorf("blocksparse: %dx%d tile counts for a %dx%d matrix",
			counts.RowTiles, counts.ColTiles, dense.Rows, dense.Cols)
	}
	hostCounts, err := device.Download(counts.Counts)
	if err != nil {
		return nil, fmt.Errorf("blocksparse: downloading tile counts: %w", err)
	}

	entries := nonzeroBlocks(hostCounts, counts.ColTiles)
	orderBlocks(entries)

	rowTiles := counts.RowTiles
	l := &layout{
		rows:       dense.Rows,
		cols:       dense.Cols,
		numBlocks:  len(entries),
		colIndices: make([]int32, len(entries)),
		rowTags:    make([]int32, len(entries)),
		rowPtrs:    rowPointers(entries, rowTiles),
		workList:   workList(entries, rowTiles),
	}
	values := make([]hwy.Float16, len(entries)*blockElems)
	var nnz int
	for i, e := range entries {
		dense.readTile(values[i*blockElems:(i+1)*blockElems], int(e.row), int(e.col))
		l.colIndices[i] = e.col
		l.rowTags[i] = e.row
		nnz += int(e.count)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}

	m, err := upload(dev, l, values)
	if err != nil {
		return nil, err
	}
	m.NNZ = nnz
	klog.V(1).Infof("blocksparse: packed %d of %d tiles (%d nonzeros) across %d row tiles",
		m.NumBlocks, len(hostCounts), nnz, rowTiles)
	return m, nil
}

// nonzeroBlocks enumerates tiles with a nonzero count in row-major order.
func nonzeroBlocks(counts []int32, colTiles int) []blockEntry {
	var entries []blockEntry
	for i, c := range counts {
		if c == 0 {
			continue
		}
		entries = append(entries, blockEntry{
			row:   int32(i / colTiles),
			col:   int32(i % colTiles),
			count: c,
		})
	}
	return entries
}

// orderBlocks sorts entries by row tile, then by descending count. The sort
// is stable so equal counts keep enumeration (column) order, which makes
// packing deterministic.
func orderBlocks(entries []blockEntry) {
	slices.SortStableFunc(entries, func(a, b blockEntry) int {
		if c := cmp.Compare(a.row, b.row); c != 0 {
			return c
		}
		return cmp.Compare(b.count, a.count)
	})
}

// rowPointers tallies blocks per row tile and prefix-sums the tallies.
func rowPointers(entries []blockEntry, rowTiles int) []int32 {
	ptrs := make([]int32, rowTiles+1)
	for _, e := range entries {
		ptrs[e.row+1]++
	}
	for r := range rowTiles {
		ptrs[r+1] += ptrs[r]
	}
	return ptrs
}

// workList orders every row tile by descending load: total nonzeros, then
// block count, then row index. Empty row tiles come last; the kernel still
// visits them to write their zero output.
func workList(entries []blockEntry, rowTiles int) []int32 {
	type rowLoad struct {
		row    int32
		nnz    int64
		blocks int32
	}
	loads := make([]rowLoad, rowTiles)
	for r := range loads {
		loads[r].row = int32(r)
	}
	for _, e := range entries {
		loads[e.row].nnz += int64(e.count)
		loads[e.row].blocks++
	}
	slices.SortFunc(loads, func(a, b rowLoad) int {
		if c := cmp.Compare(b.nnz, a.nnz); c != 0 {
			return c
		}
		if c := cmp.Compare(b.blocks, a.blocks); c != 0 {
			return c
		}
		return cmp.Compare(a.row, b.row)
	})
	list := make([]int32, rowTiles)
	for i, ld := range loads {
		list[i] = ld.row
	}
	return list
}

// upload allocates and fills the device buffers of a packed matrix,
// releasing whatever was allocated if any step fails.
func upload(dev *device.Device, l *layout, values []hwy.Float16) (*Matrix, error) {
	m := &Matrix{
		Rows:      l.rows,
		Cols:      l.cols,
		BlockSize: BlockSize,
		NumBlocks: l.numBlocks,
	}
	var err error
	fail := func(what string) (*Matrix, error) {
		m.Release()
		return nil, fmt.Errorf("blocksparse: uploading %s: %w", what, err)
	}

	if m.Values, err = device.Upload(dev, values); err != nil {
		return fail("values")
	}
	if m.ColIndices, err = device.Upload(dev, l.colIndices); err != nil {
		return fail("col indices")
	}
	if m.RowTags, err = device.Upload(dev, l.rowTags); err != nil {
		return fail("row tags")
	}
	if m.RowPtrs, err = device.Upload(dev, l.rowPtrs); err != nil {
		return fail("row pointers")
	}
	if m.WorkList, err = device.Upload(dev, l.workList); err != nil {
		return fail("work list")
	}
	return m, nil
}
