package rc

import (
	"encoding/binary"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/sasha-s/go-deadlock"
)

// DefaultShardCount is the stripe count used for both tables when the
// configuration does not say otherwise.
const DefaultShardCount = 64

// newShardLock returns the mutex guarding one shard. With detection on, the
// lock reports lock-order inversions and long waits.
func newShardLock(detectDeadlocks bool) sync.Locker {
	if detectDeadlocks {
		return new(deadlock.Mutex)
	}
	return new(sync.Mutex)
}

// identityHash mixes an object ID into the hash used for shard selection.
func identityHash(id uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	return farm.Hash64(buf[:])
}

// shardCount rounds n up to a power of two so selection is a mask.
func shardCount(n int) int {
	if n <= 0 {
		return DefaultShardCount
	}
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}
