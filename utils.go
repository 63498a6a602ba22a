// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package ima

import (
	"errors"
	"math"
)

// KiB is 1024 bytes
const KiB = 1024

var (
	errMulOverflow = errors.New("multiplication would overflow")
	errAddOverflow = errors.New("addition would overflow")
)

// CheckMulDoesNotOverflow checks if a * b would overflow uint64
func CheckMulDoesNotOverflow(a, b uint64) error {
	if a == 0 || b == 0 {
		return nil
	}
	if a > math.MaxUint64/b {
		return errMulOverflow
	}
	return nil
}

// AddUint64 adds two uint64 values and returns an error if overflow
func AddUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errAddOverflow
	}
	return a + b, nil
}
