package hashroute

import (
	"hash/fnv"
)

// DefaultPartitions is the worker fan-out used when a caller does not pick one.
const DefaultPartitions = 16

// Partition maps a route id onto one of n workers. Route ids are opaque, so the
// key is hashed as-is: two ids differing only in case are different routes.
func Partition(routeID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(routeID))
	return int(h.Sum64() % uint64(n))
}
