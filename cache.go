package btfile

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// nodeCache is an LRU of decoded nodes keyed by node index. It only
// ever holds clean copies of what is on disk: writeNode refreshes the
// entry and pushFree drops the entry for the node body it writes into.
type nodeCache struct {
	lru *freelru.LRU[uint32, *node]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashNodeIndex(index uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], index)
	return uint32(xxhash.Sum64(buf[:]))
}

func newNodeCache(capacity int) (*nodeCache, error) {
	capacity = max(capacity, MinCacheSize)

	lru, err := freelru.New[uint32, *node](uint32(capacity), hashNodeIndex)
	if err != nil {
		return nil, err
	}
	return &nodeCache{lru: lru}, nil
}

// get returns a private copy of the cached node, if present.
func (c *nodeCache) get(index uint32) (*node, bool) {
	n, ok := c.lru.Get(index)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return n.clone(), true
}

// put stores a private copy of n, replacing any entry for its index.
func (c *nodeCache) put(n *node) {
	if c.lru.Add(n.index, n.clone()) {
		c.evictions.Add(1)
	}
}

// drop invalidates the entry for index. Used when the free stack
// writes into a node body behind the codec's back.
func (c *nodeCache) drop(index uint32) {
	c.lru.Remove(index)
}

func (c *nodeCache) stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}
