package syncutil

import "hash/fnv"

// Shard maps key onto [0, n) with FNV-1a. The dispatcher uses it to pin a
// card to one lane and ContextShardedMutex uses it to pick a lock, so a given
// card id always lands on the same lane and the same lock.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n)) //nolint:gosec // n > 1 and fits in uint32 for any lane count
}
