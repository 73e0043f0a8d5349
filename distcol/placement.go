// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distcol

import "github.com/spaolacci/murmur3"

// A Placement decides the initial host of a list chunk.
type Placement func(chunk, numChunks int64, numHosts int) int

// Block places contiguous runs of chunks on each host, so that host h
// holds roughly the h'th of numHosts equal slices of the list.
func Block(chunk, numChunks int64, numHosts int) int {
	if numChunks == 0 {
		return 0
	}
	return int(chunk * int64(numHosts) / numChunks)
}

// Hashed scatters chunks across hosts by hashing the chunk index.
func Hashed(chunk, numChunks int64, numHosts int) int {
	return int(hash64(uint64(chunk), 0) % uint32(numHosts))
}

// OnHost places every chunk on host h (modulo the number of hosts).
// It produces maximally skewed initial distributions, which are
// useful for exercising load balancing.
func OnHost(h int) Placement {
	return func(_, _ int64, numHosts int) int {
		return h % numHosts
	}
}

func hash64(x uint64, seed uint32) uint32 {
	var b [8]byte
	b[0] = byte(x)
	b[1] = byte(x >> 8)
	b[2] = byte(x >> 16)
	b[3] = byte(x >> 24)
	b[4] = byte(x >> 32)
	b[5] = byte(x >> 40)
	b[6] = byte(x >> 48)
	b[7] = byte(x >> 56)
	return murmur3.Sum32WithSeed(b[:], seed)
}
