//go:build !(linux || darwin || freebsd || dragonfly)

package platform

import "math"

// UsableSpace reports unlimited space where statfs is not wired up.
func UsableSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}
