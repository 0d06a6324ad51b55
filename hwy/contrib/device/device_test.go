// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d, err := Open(Config{Units: 4}, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvUnits, "3")
	t.Setenv(EnvMemory, "1048576")
	t.Setenv(EnvLanes, "16")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{Units: 3, MemoryLimit: 1 << 20, Lanes: 16}, cfg)

	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 3, d.Units())
	assert.Equal(t, 16, d.Lanes())
	assert.Equal(t, DefaultSharedLimit, d.Config().SharedLimit)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	t.Setenv(EnvMemory, "lots")
	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMemory)
}

func TestOpenRejectsTooManyLanes(t *testing.T) {
	_, err := Open(Config{}, WithLanes(MaxLanes+1))
	require.Error(t, err)
}

func TestAllocAccounting(t *testing.T) {
	d := openTest(t, WithMemoryLimit(1024))

	a, err := Alloc[float32](d, 128)
	require.NoError(t, err)
	assert.EqualValues(t, 512, a.Bytes())
	assert.EqualValues(t, 512, d.Allocated())

	_, err = Alloc[float32](d, 129)
	require.ErrorIs(t, err, ErrOutOfMemory)

	b, err := Alloc[int32](d, 128)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, d.Allocated())

	a.Release()
	a.Release() // no-op
	b.Release()
	assert.EqualValues(t, 0, d.Allocated())
}

func TestTransfers(t *testing.T) {
	d := openTest(t)

	src := []float32{1, 2, 3, 4}
	buf, err := Upload(d, src)
	require.NoError(t, err)
	defer buf.Release()

	got, err := Download(buf)
	require.NoError(t, err)
	assert.Equal(t, src, got)

	err = buf.CopyFromHost(make([]float32, 5))
	require.ErrorIs(t, err, ErrTransfer)
	err = buf.CopyToHost(make([]float32, 5))
	require.ErrorIs(t, err, ErrTransfer)

	partial := make([]float32, 2)
	require.NoError(t, buf.CopyToHost(partial))
	assert.Equal(t, []float32{1, 2}, partial)
}

func TestReleasedBuffer(t *testing.T) {
	d := openTest(t)
	buf, err := Alloc[int32](d, 4)
	require.NoError(t, err)
	buf.Release()

	require.ErrorIs(t, buf.CopyFromHost([]int32{1}), ErrReleased)
	require.ErrorIs(t, buf.CopyToHost(make([]int32, 1)), ErrReleased)
	assert.Panics(t, func() { buf.Data() })
}

func TestClosedDevice(t *testing.T) {
	d, err := Open(Config{Units: 2})
	require.NoError(t, err)
	d.Close()
	d.Close()

	_, err = Alloc[float32](d, 1)
	require.ErrorIs(t, err, ErrClosed)
	err = d.Launch("noop", Grid{Units: 1}, func(*Lane) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestLaunchCoversGrid(t *testing.T) {
	d := openTest(t)

	const units, lanes = 37, 5
	var seen [units * lanes]atomic.Int32
	err := d.Launch("cover", Grid{Units: units, Lanes: lanes}, func(l *Lane) {
		assert.Equal(t, lanes, l.Lanes)
		seen[l.Unit*lanes+l.ID].Add(1)
	})
	require.NoError(t, err)
	for i := range seen {
		assert.EqualValues(t, 1, seen[i].Load(), "unit/lane slot %d", i)
	}
}

func TestLaunchSharedScratchAndBarrier(t *testing.T) {
	d := openTest(t)

	const units, lanes, slots = 9, 4, 128
	out := make([]int32, units)
	err := d.Launch("shared", Grid{Units: units, Lanes: lanes, SharedInt32: slots}, func(l *Lane) {
		// Cooperative strided fill, then every lane reads the whole table.
		for s := l.ID; s < slots; s += l.Lanes {
			l.Shared[s] = int32(l.Unit*1000 + s)
		}
		l.Sync()
		var sum int32
		for s := range slots {
			if l.Shared[s] != int32(l.Unit*1000+s) {
				l.Fail(fmt.Errorf("slot %d not populated", s))
				return
			}
			sum += l.Shared[s] - int32(l.Unit*1000)
		}
		if l.ID == 0 {
			out[l.Unit] = sum
		}
	})
	require.NoError(t, err)
	for u := range units {
		assert.EqualValues(t, slots*(slots-1)/2, out[u])
	}
}

func TestLaunchFailFirstWins(t *testing.T) {
	d := openTest(t)
	errBoom := errors.New("boom")
	err := d.Launch("fail", Grid{Units: 8, Lanes: 2}, func(l *Lane) {
		if l.Unit == 3 && l.ID == 1 {
			l.Fail(errBoom)
		}
	})
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "unit 3 lane 1")
}

func TestLaunchInvalidGeometry(t *testing.T) {
	d := openTest(t, WithSharedLimit(64))
	noop := func(*Lane) {}

	require.ErrorIs(t, d.Launch("lanes", Grid{Units: 1, Lanes: MaxLanes + 1}, noop), ErrLaunch)
	require.ErrorIs(t, d.Launch("units", Grid{Units: -1}, noop), ErrLaunch)
	require.ErrorIs(t, d.Launch("shared", Grid{Units: 1, SharedInt32: 17}, noop), ErrLaunch)
	require.NoError(t, d.Launch("empty", Grid{Units: 0}, noop))
}

func TestBarrierReusable(t *testing.T) {
	const parties, rounds = 6, 50
	b := NewBarrier(parties)
	var counter atomic.Int64
	done := make(chan struct{})
	for range parties {
		go func() {
			for r := range rounds {
				counter.Add(1)
				b.Wait()
				// After the barrier every party of round r has incremented.
				if got := counter.Load(); got < int64((r+1)*parties) {
					t.Errorf("round %d: counter %d", r, got)
				}
				b.Wait()
			}
			done <- struct{}{}
		}()
	}
	for range parties {
		<-done
	}
	assert.EqualValues(t, parties*rounds, counter.Load())
}

func TestCheck(t *testing.T) {
	var msg string
	exitf = func(format string, args ...any) { msg = fmt.Sprintf(format, args...) }
	defer func() { exitf = klogExitf }()

	Check("noop", nil)
	assert.Empty(t, msg)

	Check("device.Alloc", ErrOutOfMemory)
	assert.Contains(t, msg, "device.Alloc failed at device_test.go:")
	assert.Contains(t, msg, ErrOutOfMemory.Error())
}

func TestTileUnitSelection(t *testing.T) {
	d := openTest(t, WithForceScalar())
	assert.Equal(t, "scalar", d.NewTileUnit().Name())
	assert.Contains(t, d.String(), "mma=scalar")
}
