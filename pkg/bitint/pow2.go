// SPDX-License-Identifier: MIT

/*
Package bitint provides the power-of-two helpers used for FFT sizing,
cache block partitioning and resolution shifting. Every function is O(1),
allocation free and safe to call from any goroutine.

Usage:

	// Round a requested block width up to a power of 2
	blockWidth := bitint.NextPowerOfTwo(1000) // Returns 1024

	// Verify FFT size is valid
	isValid := bitint.IsPowerOfTwo(fftSize)

	// How many doublings separate two resolutions?
	shift, ok := bitint.RatioShift(1024, 256) // Returns 2, true

----------------------------------------------------------------------

What NextPowerOfTwo does:

	The subtraction (size-1) is critical, without the subtraction,
	powers of 2 would be incorrectly doubled.

	WITH subtraction (correct):
	- For input 8 (already a power of 2):
	  size-1 = 7 (binary 0111)
	  bits.Len64(7) = 3
	  1 << 3 = 8

	WITHOUT subtraction (incorrect):
	- For input 8:
	  bits.Len64(8) = 4 (binary 1000)
	  1 << 4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return int(1 << bits.Len64(uint64(size-1)))
}

// IsPowerOfTwo checks if n is a power of 2 using bit manipulation.
// Powers of 2 have exactly one bit set, so n & (n-1) clears it to zero.
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Log2 returns the base-2 logarithm of a power of two. The second result is
// false when n is not a positive power of two.
func Log2(n int) (uint, bool) {
	if !IsPowerOfTwo(n) {
		return 0, false
	}
	return uint(bits.TrailingZeros64(uint64(n))), true
}

// RatioShift returns s such that coarse == fine << s. It reports false when
// coarse is not fine multiplied by a power of two (including when coarse <
// fine or either argument is not positive).
func RatioShift(coarse, fine int) (uint, bool) {
	if coarse <= 0 || fine <= 0 || coarse < fine || coarse%fine != 0 {
		return 0, false
	}
	return Log2(coarse / fine)
}

// Mask returns the low-bit mask (1<<power)-1, used to take offsets within a
// power-of-two sized partition.
func Mask(power uint) int {
	return (1 << power) - 1
}
