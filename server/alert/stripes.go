package alert

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 64

// UserLocks serializes mutations per user without a process-wide lock.
// Users that hash to the same stripe share a mutex.
type UserLocks struct {
	stripes [stripeCount]sync.Mutex
}

func (l *UserLocks) Lock(userID string) func() {
	m := &l.stripes[stripeIndex(userID)]
	m.Lock()
	return m.Unlock
}

func stripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % stripeCount
}
