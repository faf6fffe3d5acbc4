//go:build !linux

package gpu

// systemMemory is only implemented on Linux.
func systemMemory() (total, available int64) {
	return 0, 0
}
