// Package syncutil provides bounded-memory per-address locks.
//
// Both lock types hash the key onto a fixed pool of 256 shards. Two keys
// that land on the same shard serialize against each other; they never
// observe each other's state.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const shardCount = 256

func shardOf(addr common.Address) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(addr.Bytes())
	return h.Sum32() % shardCount
}

// AddressMutex is a sharded mutex keyed by address.
type AddressMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires addr's shard and returns its unlock func.
func (m *AddressMutex) Lock(addr common.Address) func() {
	mu := &m.shards[shardOf(addr)]
	mu.Lock()
	return mu.Unlock
}

// ContextAddressMutex is a sharded mutex whose acquisition can be abandoned
// when the caller's context ends.
type ContextAddressMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextAddressMutex returns an unlocked mutex pool.
func NewContextAddressMutex() *ContextAddressMutex {
	m := &ContextAddressMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext acquires addr's shard or returns ctx.Err(). On success the
// caller must call the returned unlock func exactly once.
func (m *ContextAddressMutex) LockContext(ctx context.Context, addr common.Address) (func(), error) {
	ch := m.shards[shardOf(addr)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
