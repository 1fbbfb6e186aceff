package simd

import "runtime"

// Width reports the preferred number of float64 lanes for the current
// architecture. Zero means scalar-only.
func Width() int {
	switch runtime.GOARCH {
	case "amd64":
		return 4 // AVX2
	case "arm64":
		return 2 // NEON
	default:
		return 0
	}
}
