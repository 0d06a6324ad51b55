// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package blocksparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	dev := openDevice(t)
	rows, cols := 48, 64
	data := make([]float32, rows*cols)
	// Row tile 0: two blocks. Row tile 1: empty. Row tile 2: four blocks.
	data[0] = 1
	data[16] = 1
	for ct := range 4 {
		data[(2*BlockSize)*cols+ct*BlockSize] = 1
		data[(2*BlockSize+1)*cols+ct*BlockSize] = 1
	}

	m := buildMatrix(t, dev, data, rows, cols)
	st, err := m.Stats()
	require.NoError(t, err)

	assert.Equal(t, 3, st.RowTiles)
	assert.Equal(t, 4, st.ColTiles)
	assert.Equal(t, 6, st.Blocks)
	assert.Equal(t, 10, st.NNZ)
	assert.Equal(t, 1, st.EmptyRows)
	assert.Equal(t, 2, st.MinRowBlocks)
	assert.Equal(t, 4, st.MaxRowBlocks)
	assert.InDelta(t, 0.5, st.BlockDensity, 1e-12)
	assert.InDelta(t, 10.0/(6*256), st.FillRatio, 1e-12)
	assert.InDelta(t, 4.0/3.0, st.Imbalance, 1e-12)
	assert.Contains(t, st.String(), "6/12 blocks")
}

func TestStatsEmpty(t *testing.T) {
	dev := openDevice(t)
	m := buildMatrix(t, dev, make([]float32, 20*20), 20, 20)
	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{RowTiles: 2, ColTiles: 2, EmptyRows: 2}, st)
}

func TestBlockDiagonal(t *testing.T) {
	const size = 40
	data := BlockDiagonal(size, 1)
	for i := range size {
		for j := range size {
			onDiag := i/BlockSize == j/BlockSize
			if onDiag != (data[i*size+j] != 0) {
				t.Fatalf("element (%d,%d) = %v, on diagonal block: %v", i, j, data[i*size+j], onDiag)
			}
		}
	}

	dev := openDevice(t)
	m := buildMatrix(t, dev, data, size, size)
	assert.Equal(t, 3, m.NumBlocks)
	st, err := m.Stats()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, st.Imbalance, 1e-12)
}

func TestRandomBlockSparseDeterministic(t *testing.T) {
	a := RandomBlockSparse(50, 70, 0.3, 0.2, 9)
	b := RandomBlockSparse(50, 70, 0.3, 0.2, 9)
	assert.Equal(t, a, b)
	assert.Len(t, a, 50*70)
}
