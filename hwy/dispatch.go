// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hwy

import (
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/cpu"
)

// DispatchLevel identifies which tile-MMA implementation the process uses.
type DispatchLevel int

const (
	// DispatchScalar uses the nested dot-product tile unit.
	DispatchScalar DispatchLevel = iota
	// DispatchOuterProduct uses the rank-1 update tile unit. This is the
	// default on every platform; hosts with native fp16 conversion are
	// reported separately via HasF16C / HasARMFP16.
	DispatchOuterProduct
)

func (l DispatchLevel) String() string {
	switch l {
	case DispatchScalar:
		return "scalar"
	case DispatchOuterProduct:
		return "outer-product"
	default:
		return "DispatchLevel(" + strconv.Itoa(int(l)) + ")"
	}
}

var (
	currentLevel DispatchLevel
	currentName  string
)

func init() {
	// Check if SIMD is disabled via environment variable
	if NoSimdEnv() {
		setScalarMode()
		return
	}
	detectCPUFeatures()
}

func detectCPUFeatures() {
	currentLevel = DispatchOuterProduct
	switch {
	case HasF16C():
		currentName = "outer-product/f16c"
	case HasARMFP16():
		currentName = "outer-product/fp16"
	default:
		currentName = "outer-product"
	}
}

func setScalarMode() {
	currentLevel = DispatchScalar
	currentName = "scalar"
}

// NoSimdEnv reports whether HWY_NO_SIMD is set to a truthy value. Tests use
// it to force the scalar tile unit.
func NoSimdEnv() bool {
	v, ok := os.LookupEnv("HWY_NO_SIMD")
	if !ok {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	// Any other non-empty value (e.g. "yes") counts as set.
	return v != ""
}

// CurrentLevel returns the dispatch level selected at init.
func CurrentLevel() DispatchLevel {
	return currentLevel
}

// CurrentName returns a human readable name for the dispatch level,
// including the detected fp16 conversion support.
func CurrentName() string {
	return currentName
}

// HasF16C reports hardware fp16<->fp32 conversion on x86. x/sys/cpu has no
// F16C bit; every AVX2+FMA part also implements F16C.
func HasF16C() bool {
	return runtime.GOARCH == "amd64" && cpu.X86.HasAVX2 && cpu.X86.HasFMA
}

// HasAVX512FP16 reports AVX-512 support on x86. x/sys/cpu does not expose the
// FP16 extension bit, so this is the closest available signal.
func HasAVX512FP16() bool {
	return runtime.GOARCH == "amd64" && cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW
}

// HasARMFP16 reports half-precision NEON arithmetic (ARMv8.2-A).
func HasARMFP16() bool {
	return runtime.GOARCH == "arm64" && cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP
}

// HasARMSVE reports the Scalable Vector Extension.
func HasARMSVE() bool {
	return runtime.GOARCH == "arm64" && cpu.ARM64.HasSVE
}
