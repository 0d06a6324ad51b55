// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"path/filepath"
	"runtime"

	"k8s.io/klog/v2"
)

// exitf terminates the process. Tests replace it.
var exitf = klogExitf

var klogExitf = klog.Exitf

// Check terminates the process if err is non-nil, after logging the failing
// operation, the caller's source location and the error. It is the boundary
// between library code, which returns errors, and binaries, for which any
// device failure is fatal.
//
//	m, err := blocksparse.Build(dev, dense)
//	device.Check("blocksparse.Build", err)
func Check(op string, err error) {
	if err == nil {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "???", 0
	}
	exitf("%s failed at %s:%d: %v", op, filepath.Base(file), line, err)
}
