package btfile

// Order queries return a copy of the neighboring key, or nil when no
// such neighbor exists. Empty keys are not storable, so a nil result is
// unambiguous.

// First returns the smallest stored key.
func (t *BTree) First() ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	x := t.root
	if len(x.keys) == 0 {
		return nil, nil
	}
	for !x.leaf() {
		var err error
		x, err = t.drv.readNode(x.children[0])
		if err != nil {
			return nil, err
		}
	}
	return cloneKey(x.keys[0]), nil
}

// Last returns the largest stored key.
func (t *BTree) Last() ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	x := t.root
	if len(x.keys) == 0 {
		return nil, nil
	}
	for !x.leaf() {
		var err error
		x, err = t.drv.readNode(x.children[len(x.children)-1])
		if err != nil {
			return nil, err
		}
	}
	return cloneKey(x.keys[len(x.keys)-1]), nil
}

// Lower returns the largest stored key strictly less than key.
func (t *BTree) Lower(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	var best []byte
	x := t.root
	for {
		i, _ := x.find(key)
		if i > 0 {
			best = x.keys[i-1]
		}
		if x.leaf() {
			return cloneKey(best), nil
		}
		var err error
		x, err = t.drv.readNode(x.children[i])
		if err != nil {
			return nil, err
		}
	}
}

// LowerOrEqual returns the largest stored key not greater than key.
func (t *BTree) LowerOrEqual(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	var best []byte
	x := t.root
	for {
		i, found := x.find(key)
		if found {
			return cloneKey(x.keys[i]), nil
		}
		if i > 0 {
			best = x.keys[i-1]
		}
		if x.leaf() {
			return cloneKey(best), nil
		}
		var err error
		x, err = t.drv.readNode(x.children[i])
		if err != nil {
			return nil, err
		}
	}
}

// Higher returns the smallest stored key strictly greater than key.
func (t *BTree) Higher(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	var best []byte
	x := t.root
	for {
		i, found := x.find(key)
		if found {
			i++
		}
		if i < len(x.keys) {
			best = x.keys[i]
		}
		if x.leaf() {
			return cloneKey(best), nil
		}
		var err error
		x, err = t.drv.readNode(x.children[i])
		if err != nil {
			return nil, err
		}
	}
}

// HigherOrEqual returns the smallest stored key not less than key.
func (t *BTree) HigherOrEqual(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	var best []byte
	x := t.root
	for {
		i, found := x.find(key)
		if found {
			return cloneKey(x.keys[i]), nil
		}
		if i < len(x.keys) {
			best = x.keys[i]
		}
		if x.leaf() {
			return cloneKey(best), nil
		}
		var err error
		x, err = t.drv.readNode(x.children[i])
		if err != nil {
			return nil, err
		}
	}
}

func cloneKey(key []byte) []byte {
	if key == nil {
		return nil
	}
	return append([]byte(nil), key...)
}

// Properties.

// Degree returns the branching parameter recorded in the header.
func (t *BTree) Degree() uint32 {
	return t.drv.header.degree
}

// KeySize returns the key slot width; payloads hold at most KeySize-1 bytes.
func (t *BTree) KeySize() uint32 {
	return t.drv.header.keySize
}

// NodeCount returns the number of nodes allocated in the file,
// reachable or free.
func (t *BTree) NodeCount() uint32 {
	return t.drv.nodeCount
}

// FreeNodeCount returns the depth of the free-node stack.
func (t *BTree) FreeNodeCount() uint32 {
	return t.drv.header.freeNodeCount
}

func (t *BTree) MaxKeysPerNode() int {
	return t.drv.maxKeys()
}

func (t *BTree) MinKeysPerNode() int {
	return t.drv.minKeys()
}

func (t *BTree) MaxChildrenPerNode() int {
	return t.drv.maxChildren()
}

// Inspection hooks used by diagnostic tooling.

// KeysInNode returns copies of the keys stored in node index.
func (t *BTree) KeysInNode(index uint32) ([][]byte, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	n, err := t.nodeRef(index)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(n.keys))
	for i, key := range n.keys {
		keys[i] = cloneKey(key)
	}
	return keys, nil
}

// ChildrenInNode returns the child indexes of node index.
func (t *BTree) ChildrenInNode(index uint32) ([]uint32, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	n, err := t.nodeRef(index)
	if err != nil {
		return nil, err
	}
	return append([]uint32(nil), n.children...), nil
}

// FreeNodes returns the free-node stack, top first.
func (t *BTree) FreeNodes() ([]uint32, error) {
	if t.closed {
		return nil, ErrDatabaseClosed
	}
	return t.drv.freeNodes()
}

// CacheStats reports node-cache hit/miss/eviction counters. All zeros
// when the cache is disabled.
func (t *BTree) CacheStats() (hits, misses, evictions uint64) {
	if t.drv.cache == nil {
		return 0, 0, 0
	}
	return t.drv.cache.stats()
}

func (t *BTree) nodeRef(index uint32) (*node, error) {
	if index == 0 {
		return t.root, nil
	}
	return t.drv.readNode(index)
}
