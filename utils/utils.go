// Package utils holds small helpers shared across the worker.
package utils

import (
	"fmt"
	"strings"
)

// NormalizeAddress lowercases an EVM address so map keys and DB rows agree.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ShortAddress renders 0x1234...abcd for logs.
func ShortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// FormatUSDC renders a dollar amount for logs.
func FormatUSDC(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

// Clamp bounds v to [lo, hi]. A zero hi means no upper bound.
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
