package heartbeat

import (
	"hash/fnv"
	"sync"
)

// shardedLocks hands out a per-key mutex from a fixed-size shard array, so
// concurrent heartbeats for the same (serviceId, instanceId) serialize
// while heartbeats for different instances never contend.
type shardedLocks struct {
	shards []sync.Mutex
}

func newShardedLocks(n int) *shardedLocks {
	if n <= 0 {
		n = 1
	}
	return &shardedLocks{shards: make([]sync.Mutex, n)}
}

// For returns the mutex guarding key.
func (s *shardedLocks) For(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}
