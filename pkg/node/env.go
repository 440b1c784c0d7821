package node

import (
	"math/rand/v2"
	"time"
)

// NowNS is the wall clock in nanoseconds since the Unix epoch.
func NowNS() uint64 { return uint64(time.Now().UnixNano()) }

// Random64 returns a uniform value in [min, max]. Swapped bounds are
// reordered.
func Random64(min, max uint64) uint64 {
	if min > max {
		min, max = max, min
	}
	span := max - min
	if span == ^uint64(0) {
		return rand.Uint64()
	}
	return min + rand.Uint64N(span+1)
}
