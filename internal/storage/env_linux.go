// SPDX-License-Identifier: MIT
//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemEnvironment probes free RAM and free scratch space from the kernel.
type SystemEnvironment struct{}

// AvailableMemory returns free plus buffer RAM as reported by sysinfo(2).
func (SystemEnvironment) AvailableMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, nil
}

// AvailableDisk returns the bytes available to unprivileged users on the
// filesystem holding path.
func (SystemEnvironment) AvailableDisk(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
