//go:build linux

package mmap

import "os"

// IsNUMA reports whether the machine exposes more than one NUMA node.
func IsNUMA() bool {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return false
	}
	nodes := 0
	for _, e := range entries {
		if len(e.Name()) > 4 && e.Name()[:4] == "node" {
			nodes++
		}
	}
	return nodes > 1
}
