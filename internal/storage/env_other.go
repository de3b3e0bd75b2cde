// SPDX-License-Identifier: MIT
//go:build !linux

package storage

import "errors"

var errNoProbe = errors.New("resource probing is not supported on this platform")

// SystemEnvironment cannot probe on this platform; configure a Budget instead.
type SystemEnvironment struct{}

func (SystemEnvironment) AvailableMemory() (uint64, error) { return 0, errNoProbe }

func (SystemEnvironment) AvailableDisk(string) (uint64, error) { return 0, errNoProbe }
