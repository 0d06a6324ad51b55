// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package device models an accelerator with fixed-size tile-MMA units on
// the host CPU. A Device owns:
//
//   - a set of execution units (a persistent workerpool.Pool) onto which
//     kernel launches schedule their units of work,
//   - a bounded device memory from which typed Buffers are allocated and to
//     and from which data moves only through explicit copies,
//   - per-unit shared scratch memory handed to kernels at launch.
//
// Every resource is scoped: a Device is opened and closed, a Buffer is
// allocated and released, and shared scratch lives for one scheduling unit.
// There is no ambient device context.
//
// Library code returns errors. Binaries turn them into the fatal
// diagnostic the accelerator runtime would emit by calling Check.
package device

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-blocksparse/hwy"
	"github.com/ajroetker/go-blocksparse/hwy/contrib/workerpool"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvUnits  = "HWY_DEVICE_UNITS"
	EnvMemory = "HWY_DEVICE_MEMORY"
	EnvLanes  = "HWY_DEVICE_LANES"
)

const (
	// DefaultMemoryLimit is the device memory size when none is configured.
	DefaultMemoryLimit = 4 << 30
	// DefaultLanes is the number of lanes per scheduling unit kernels use
	// when the caller does not choose one.
	DefaultLanes = 8
	// MaxLanes bounds the lanes of one scheduling unit.
	MaxLanes = 1024
	// DefaultSharedLimit is the shared scratch available to one unit, in bytes.
	DefaultSharedLimit = 48 << 10
)

// Config describes the simulated accelerator.
type Config struct {
	// Units is the number of execution units. <= 0 uses GOMAXPROCS.
	Units int
	// MemoryLimit is the device memory size in bytes. <= 0 uses DefaultMemoryLimit.
	MemoryLimit int64
	// Lanes is the default lane count per scheduling unit. <= 0 uses DefaultLanes.
	Lanes int
	// SharedLimit is the per-unit shared scratch size in bytes.
	// <= 0 uses DefaultSharedLimit.
	SharedLimit int
	// ForceScalar selects the scalar tile unit regardless of dispatch level.
	ForceScalar bool
}

// ConfigFromEnv reads HWY_DEVICE_UNITS, HWY_DEVICE_MEMORY and
// HWY_DEVICE_LANES. Unset variables leave the zero value, which Open
// replaces with defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if v := os.Getenv(EnvUnits); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("device: parsing %s=%q: %w", EnvUnits, v, err)
		}
		cfg.Units = n
	}
	if v := os.Getenv(EnvMemory); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("device: parsing %s=%q: %w", EnvMemory, v, err)
		}
		cfg.MemoryLimit = n
	}
	if v := os.Getenv(EnvLanes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("device: parsing %s=%q: %w", EnvLanes, v, err)
		}
		cfg.Lanes = n
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.Lanes <= 0 {
		c.Lanes = DefaultLanes
	}
	if c.SharedLimit <= 0 {
		c.SharedLimit = DefaultSharedLimit
	}
	return c
}

// Option modifies a Config before the device opens.
type Option func(*Config)

// WithUnits sets the number of execution units.
func WithUnits(n int) Option { return func(c *Config) { c.Units = n } }

// WithMemoryLimit sets the device memory size in bytes.
func WithMemoryLimit(bytes int64) Option { return func(c *Config) { c.MemoryLimit = bytes } }

// WithLanes sets the default lanes per scheduling unit.
func WithLanes(n int) Option { return func(c *Config) { c.Lanes = n } }

// WithSharedLimit sets the per-unit shared scratch size in bytes.
func WithSharedLimit(bytes int) Option { return func(c *Config) { c.SharedLimit = bytes } }

// WithForceScalar selects the scalar tile unit.
func WithForceScalar() Option { return func(c *Config) { c.ForceScalar = true } }

// Device is an opened accelerator. It is safe for concurrent use.
type Device struct {
	cfg   Config
	pool  *workerpool.Pool
	level hwy.DispatchLevel

	mu        sync.Mutex
	allocated int64
	closed    atomic.Bool
	launches  atomic.Int64
}

// Open creates a device from cfg with opts applied on top.
func Open(cfg Config, opts ...Option) (*Device, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.Lanes > MaxLanes {
		return nil, fmt.Errorf("device: %d lanes per unit exceeds maximum %d", cfg.Lanes, MaxLanes)
	}
	d := &Device{
		pool:  workerpool.New(cfg.Units),
		level: hwy.CurrentLevel(),
	}
	if cfg.ForceScalar {
		d.level = hwy.DispatchScalar
	}
	cfg.Units = d.pool.NumWorkers()
	d.cfg = cfg
	klog.V(1).Infof("device: opened %s", d)
	return d, nil
}

// OpenDefault opens a device configured from the environment.
func OpenDefault(opts ...Option) (*Device, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return Open(cfg, opts...)
}

// Close releases the execution units. Buffers still allocated are reported
// and become unusable. Calling Close multiple times is safe.
func (d *Device) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.pool.Close()
	if n := d.Allocated(); n > 0 {
		klog.Warningf("device: closed with %d bytes still allocated", n)
	}
	klog.V(1).Infof("device: closed after %d launches", d.launches.Load())
}

// Config returns the effective configuration.
func (d *Device) Config() Config { return d.cfg }

// Units returns the number of execution units.
func (d *Device) Units() int { return d.cfg.Units }

// Lanes returns the default lanes per scheduling unit.
func (d *Device) Lanes() int { return d.cfg.Lanes }

// NewTileUnit returns a fresh tile-MMA unit of the kind this device carries.
func (d *Device) NewTileUnit() hwy.TileUnit { return hwy.NewTileUnitFor(d.level) }

// Allocated returns the bytes of device memory currently allocated.
func (d *Device) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *Device) String() string {
	return fmt.Sprintf("device{units=%d lanes=%d memory=%d shared=%d mma=%s}",
		d.cfg.Units, d.cfg.Lanes, d.cfg.MemoryLimit, d.cfg.SharedLimit, d.level)
}

func (d *Device) reserve(bytes int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocated+bytes > d.cfg.MemoryLimit {
		return fmt.Errorf("%w: requested %d bytes with %d of %d in use",
			ErrOutOfMemory, bytes, d.allocated, d.cfg.MemoryLimit)
	}
	d.allocated += bytes
	return nil
}

func (d *Device) unreserve(bytes int64) {
	d.mu.Lock()
	d.allocated -= bytes
	d.mu.Unlock()
}

var (
	// ErrOutOfMemory is returned when an allocation exceeds device memory.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrTransfer is returned when a host<->device copy is invalid.
	ErrTransfer = errors.New("device: invalid transfer")
	// ErrReleased is returned when a released buffer is used.
	ErrReleased = errors.New("device: buffer released")
	// ErrClosed is returned when a closed device is used.
	ErrClosed = errors.New("device: closed")
	// ErrLaunch is returned when a launch configuration cannot be satisfied.
	ErrLaunch = errors.New("device: invalid launch")
)
