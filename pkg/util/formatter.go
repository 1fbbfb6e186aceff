package util

import (
	"fmt"
	"math"
)

func FormatTime(t float64) string {
	absT := math.Abs(t)
	switch {
	case absT >= 1e6:
		return fmt.Sprintf("%.4e", t)
	case absT >= 1e-3:
		return fmt.Sprintf("%.6f", t)
	case absT == 0:
		return "0"
	default:
		return fmt.Sprintf("%.3e", t)
	}
}

func FormatStep(h float64) string {
	if h >= 1000 || (h < 0.001 && h != 0) {
		return fmt.Sprintf("%8.2e", h)
	}
	return fmt.Sprintf("%8.4g", h)
}

func FormatState(name string, value float64) string {
	var valStr string
	if math.Abs(value) >= 1000 || (math.Abs(value) < 0.001 && value != 0) {
		valStr = fmt.Sprintf("%12.5e", value)
	} else {
		valStr = fmt.Sprintf("%12.8f", value)
	}
	return fmt.Sprintf("%s=%s", name, valStr)
}
