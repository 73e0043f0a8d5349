// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collections

import "fmt"

// A Range is the half-open interval of collection indices
// [From, To).
type Range struct {
	From, To int64
}

// Size returns the number of indices in r.
func (r Range) Size() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From
}

// Empty tells whether r contains no indices.
func (r Range) Empty() bool { return r.Size() == 0 }

// Contains tells whether index i is in r.
func (r Range) Contains(i int64) bool { return r.From <= i && i < r.To }

// Covers tells whether every index of u is also in r.
func (r Range) Covers(u Range) bool {
	return u.Empty() || (r.From <= u.From && u.To <= r.To)
}

// Split divides r into at most n contiguous ranges of nearly
// equal size. Empty ranges are never returned.
func (r Range) Split(n int) []Range {
	size := r.Size()
	if n <= 0 || size == 0 {
		return nil
	}
	if int64(n) > size {
		n = int(size)
	}
	ranges := make([]Range, n)
	from := r.From
	for i := range ranges {
		// Distribute the remainder over the first ranges.
		k := size / int64(n)
		if int64(i) < size%int64(n) {
			k++
		}
		ranges[i] = Range{from, from + k}
		from += k
	}
	return ranges
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.From, r.To)
}

// TotalSize returns the sum of the sizes of the provided ranges.
func TotalSize(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Size()
	}
	return n
}
