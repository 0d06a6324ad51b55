// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"fmt"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/device"
)

// Matrix is a packed block-sparse matrix resident on a device.
//
// Blocks are grouped by row tile: the blocks of row tile r occupy the
// half-open range [RowPtrs[r], RowPtrs[r+1]) of Values, ColIndices and
// RowTags, ordered by descending nonzero count within the row. WorkList
// holds every row tile exactly once, heaviest row first; it is the list the
// multiply kernel schedules from.
type Matrix struct {
	Rows, Cols int
	BlockSize  int
	NumBlocks  int
	// NNZ is the number of nonzero elements of the source matrix.
	NNZ int

	// Values holds NumBlocks tiles of BlockSize×BlockSize half values,
	// row-major within a tile, tiles in packing order.
	Values *device.Buffer[hwy.Float16]
	// ColIndices[i] is the column tile of block i.
	ColIndices *device.Buffer[int32]
	// RowTags[i] is the row tile of block i.
	RowTags *device.Buffer[int32]
	// RowPtrs has RowTiles()+1 entries delimiting each row tile's blocks.
	RowPtrs *device.Buffer[int32]
	// WorkList is a permutation of the row tiles in descending load order.
	WorkList *device.Buffer[int32]
}

// RowTiles returns the number of row tiles.
func (m *Matrix) RowTiles() int { return tileSpan(m.Rows) }

// ColTiles returns the number of column tiles.
func (m *Matrix) ColTiles() int { return tileSpan(m.Cols) }

// Release frees every device buffer of the matrix.
func (m *Matrix) Release() {
	if m == nil {
		return
	}
	m.Values.Release()
	m.ColIndices.Release()
	m.RowTags.Release()
	m.RowPtrs.Release()
	m.WorkList.Release()
}

// Validate downloads the index tables and checks the block-sparse
// invariants. The error wraps ErrCorruptMatrix.
func (m *Matrix) Validate() error {
	l, err := m.downloadLayout()
	if err != nil {
		return err
	}
	return l.validate()
}

// Blocks returns the host copy of the index tables: column index, row tag
// and row pointers.
func (m *Matrix) Blocks() (colIndices, rowTags, rowPtrs []int32, err error) {
	l, err := m.downloadLayout()
	if err != nil {
		return nil, nil, nil, err
	}
	return l.colIndices, l.rowTags, l.rowPtrs, nil
}

// ToDense decodes the matrix back to a rows × cols float32 host matrix.
// Values are the widened half values, so the result equals the source
// matrix up to narrowing. Blocks are placed by row tag.
func (m *Matrix) ToDense() ([]float32, error) {
	l, err := m.downloadLayout()
	if err != nil {
		return nil, err
	}
	values, err := device.Download(m.Values)
	if err != nil {
		return nil, fmt.Errorf("blocksparse: downloading values: %w", err)
	}
	out := make([]float32, m.Rows*m.Cols)
	for b := range m.NumBlocks {
		r0 := int(l.rowTags[b]) * BlockSize
		c0 := int(l.colIndices[b]) * BlockSize
		rowsHere := min(BlockSize, m.Rows-r0)
		colsHere := min(BlockSize, m.Cols-c0)
		tile := values[b*blockElems : (b+1)*blockElems]
		for i := range rowsHere {
			dst := out[(r0+i)*m.Cols+c0 : (r0+i)*m.Cols+c0+colsHere]
			hwy.WidenFloat16(dst, tile[i*BlockSize:i*BlockSize+colsHere])
		}
	}
	return out, nil
}

func (m *Matrix) downloadLayout() (*layout, error) {
	l := &layout{rows: m.Rows, cols: m.Cols, numBlocks: m.NumBlocks}
	for _, t := range []struct {
		name string
		dst  *[]int32
		src  *device.Buffer[int32]
	}{
		{"col indices", &l.colIndices, m.ColIndices},
		{"row tags", &l.rowTags, m.RowTags},
		{"row pointers", &l.rowPtrs, m.RowPtrs},
		{"work list", &l.workList, m.WorkList},
	} {
		host, err := device.Download(t.src)
		if err != nil {
			return nil, fmt.Errorf("blocksparse: downloading %s: %w", t.name, err)
		}
		*t.dst = host
	}
	return l, nil
}

// layout is the host form of a matrix's index tables.
type layout struct {
	rows, cols int
	numBlocks  int
	colIndices []int32
	rowTags    []int32
	rowPtrs    []int32
	workList   []int32
}

func (l *layout) validate() error {
	rowTiles, colTiles := tileSpan(l.rows), tileSpan(l.cols)
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrCorruptMatrix, fmt.Sprintf(format, args...))
	}

	if len(l.colIndices) != l.numBlocks || len(l.rowTags) != l.numBlocks {
		return corrupt("%d blocks but %d column indices and %d row tags",
			l.numBlocks, len(l.colIndices), len(l.rowTags))
	}
	if len(l.rowPtrs) != rowTiles+1 {
		return corrupt("%d row pointers for %d row tiles", len(l.rowPtrs), rowTiles)
	}
	if l.rowPtrs[0] != 0 {
		return corrupt("row pointers start at %d", l.rowPtrs[0])
	}
	if int(l.rowPtrs[rowTiles]) != l.numBlocks {
		return corrupt("row pointers end at %d, want %d", l.rowPtrs[rowTiles], l.numBlocks)
	}
	for r := range rowTiles {
		start, end := l.rowPtrs[r], l.rowPtrs[r+1]
		if end < start {
			return corrupt("row pointers decrease at row tile %d: %d > %d", r, start, end)
		}
		if int(end) > l.numBlocks {
			return corrupt("row tile %d ends at block %d of %d", r, end, l.numBlocks)
		}
		for i := start; i < end; i++ {
			if int(l.rowTags[i]) != r {
				return corrupt("block %d in row tile %d's range is tagged %d", i, r, l.rowTags[i])
			}
		}
	}
	for i, c := range l.colIndices {
		if c < 0 || int(c) >= colTiles {
			return corrupt("block %d has column tile %d of %d", i, c, colTiles)
		}
	}
	if len(l.workList) != rowTiles {
		return corrupt("work list has %d entries for %d row tiles", len(l.workList), rowTiles)
	}
	seen := make([]bool, rowTiles)
	for i, r := range l.workList {
		if r < 0 || int(r) >= rowTiles || seen[r] {
			return corrupt("work list entry %d names row tile %d", i, r)
		}
		seen[r] = true
	}
	return nil
}
