// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Buffer is a typed allocation in device memory. Host code moves data in and
// out with CopyFromHost and CopyToHost; kernels read and write it through
// Data. A Buffer must be released exactly once.
type Buffer[T any] struct {
	dev      *Device
	data     []T
	bytes    int64
	released atomic.Bool
}

// Alloc reserves n elements of device memory, zero-initialized.
func Alloc[T any](d *Device, n int) (*Buffer[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfMemory, n)
	}
	var zero T
	bytes := int64(n) * int64(unsafe.Sizeof(zero))
	if err := d.reserve(bytes); err != nil {
		return nil, err
	}
	return &Buffer[T]{dev: d, data: make([]T, n), bytes: bytes}, nil
}

// Upload allocates a buffer sized to src and copies src into it.
func Upload[T any](d *Device, src []T) (*Buffer[T], error) {
	b, err := Alloc[T](d, len(src))
	if err != nil {
		return nil, err
	}
	if err := b.CopyFromHost(src); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// Download copies the whole buffer into a new host slice.
func Download[T any](b *Buffer[T]) ([]T, error) {
	dst := make([]T, b.Len())
	if err := b.CopyToHost(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return len(b.data) }

// Bytes returns the allocation size in bytes.
func (b *Buffer[T]) Bytes() int64 { return b.bytes }

// CopyFromHost copies src into the start of the buffer.
func (b *Buffer[T]) CopyFromHost(src []T) error {
	if b.released.Load() {
		return ErrReleased
	}
	if len(src) > len(b.data) {
		return fmt.Errorf("%w: %d host elements into %d device elements", ErrTransfer, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

// CopyToHost copies the start of the buffer into dst.
func (b *Buffer[T]) CopyToHost(dst []T) error {
	if b.released.Load() {
		return ErrReleased
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("%w: %d device elements into %d host elements", ErrTransfer, len(b.data), len(dst))
	}
	copy(dst, b.data)
	return nil
}

// Data returns the device-side storage. Only kernels running on the owning
// device may touch it, and only between launch and completion.
func (b *Buffer[T]) Data() []T {
	if b.released.Load() {
		panic("device: Data on released buffer")
	}
	return b.data
}

// Device returns the owning device.
func (b *Buffer[T]) Device() *Device { return b.dev }

// Release returns the memory to the device. Releasing a nil or already
// released buffer is a no-op.
func (b *Buffer[T]) Release() {
	if b == nil || b.released.Swap(true) {
		return
	}
	b.dev.unreserve(b.bytes)
	b.data = nil
}
