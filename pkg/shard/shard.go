// Package shard spreads string keys over a fixed number of buckets so
// per-key state can be locked without one lock for everything.
package shard

import "github.com/cespare/xxhash/v2"

// Count is the number of shards used by the presence registry, the room
// multiplexer and the ticket lock stripes. Power of two.
const Count = 64

func Index(key string) int {
	return int(xxhash.Sum64String(key) & (Count - 1))
}
