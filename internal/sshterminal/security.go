package sshterminal

import (
	"math"

	"golang.org/x/time/rate"
)

// Limits applied to viewer-controlled input.
const (
	// MaxInputMessageSize is the maximum size in bytes of one input submission.
	MaxInputMessageSize = 64 * 1024

	// MaxTermCols and MaxTermRows cap resize requests.
	MaxTermCols = 500
	MaxTermRows = 200

	// InputRateLimit is the sustained number of input submissions per second
	// a session accepts across all of its viewers.
	InputRateLimit = 100
	// InputRateBurst is the burst allowance on top of InputRateLimit.
	InputRateBurst = 200
)

func newInputLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(InputRateLimit), InputRateBurst)
}

// ClampSize converts a viewer-supplied geometry into PTY dimensions. ok is
// false for non-finite or non-positive values, which callers ignore.
func ClampSize(cols, rows float64) (c, r int, ok bool) {
	if !validDimension(cols) || !validDimension(rows) {
		return 0, 0, false
	}
	c = clampInt(int(cols), 1, MaxTermCols)
	r = clampInt(int(rows), 1, MaxTermRows)
	return c, r, true
}

func validDimension(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
