package conv

import (
	"fmt"
	"math"
)

// IntToUint64 converts an int to uint64, failing on negative input.
func IntToUint64(v int) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("conv: negative value %d", v)
	}
	return uint64(v), nil
}

// Int64ToUint64 converts an int64 to uint64, failing on negative input.
func Int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("conv: negative value %d", v)
	}
	return uint64(v), nil
}

// Uint64ToInt64 converts a uint64 to int64, failing on overflow.
func Uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("conv: value %d overflows int64", v)
	}
	return int64(v), nil
}

// Uint64ToInt converts a uint64 to int, failing on overflow.
func Uint64ToInt(v uint64) (int, error) {
	if v > math.MaxInt {
		return 0, fmt.Errorf("conv: value %d overflows int", v)
	}
	return int(v), nil
}

// Uint32ToInt converts a uint32 to int. Safe on 32-bit and 64-bit targets
// for the value ranges the heap uses (page and extent indexes).
func Uint32ToInt(v uint32) (int, error) {
	if uint64(v) > math.MaxInt {
		return 0, fmt.Errorf("conv: value %d overflows int", v)
	}
	return int(v), nil
}
