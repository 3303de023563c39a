// Package util contains internal helpers shared by the engine packages.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "runtime"

// maxShards bounds the automatic shard count; more shards stop paying off
// long before this and only cost memory.
const maxShards = 256

// ShardCount returns the number of store shards to use for a requested n.
// n <= 0 picks 2*GOMAXPROCS. The result is always a power of two in [1..256]
// so ShardIndex can mask instead of dividing.
func ShardCount(n int) int {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	if n > maxShards {
		n = maxShards
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ShardIndex maps a 64-bit key hash onto one of shards partitions.
// shards must come from ShardCount.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(hash & uint64(shards-1))
}
