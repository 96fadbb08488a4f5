// Package btfile implements a persistent ordered map from
// variable-length byte-string keys to uint64 values, stored as a B-tree
// in a single file. The file layout is fixed by two parameters chosen
// at creation time: the key slot width and the tree degree.
package btfile

import "bytes"

// BTree is an on-disk B-tree. The root node always lives at node index
// 0 and is kept loaded; all other nodes are read on demand and written
// back after mutation.
//
// A BTree is not safe for concurrent use. Every operation runs to
// completion synchronously on the caller's goroutine.
type BTree struct {
	drv    *drive
	root   *node
	path   string
	logger Logger
	closed bool
}

// Open opens the tree at path, creating it if the file does not exist.
// For an existing file the parameters recorded in its header win and
// keySize/degree are informational only. For a fresh file keySize must
// be a multiple of 8 in [MinKeySize, MaxKeySize] and degree must be
// greater than 1.
func Open(path string, keySize, degree uint32, options ...Option) (*BTree, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	drv, created, err := openDrive(path, keySize, degree, opts)
	if err != nil {
		opts.logger.Error("open b-tree failed", "path", path, "error", err)
		return nil, err
	}

	t := &BTree{
		drv:    drv,
		path:   path,
		logger: opts.logger,
	}

	if created {
		t.root = &node{index: 0}
		opts.logger.Info("created b-tree",
			"path", path, "keySize", drv.header.keySize, "degree", drv.header.degree)
		return t, nil
	}

	root, err := drv.readNode(0)
	if err != nil {
		drv.close()
		opts.logger.Error("open b-tree failed", "path", path, "error", err)
		return nil, err
	}
	t.root = root
	opts.logger.Info("opened b-tree",
		"path", path, "keySize", drv.header.keySize, "degree", drv.header.degree,
		"keys", drv.header.keyCount, "nodes", drv.nodeCount)
	return t, nil
}

// Close flushes and closes the backing file. Further operations return
// ErrDatabaseClosed. Close is idempotent.
func (t *BTree) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.logger.Info("closed b-tree", "path", t.path, "keys", t.drv.header.keyCount)
	return t.drv.close()
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (t *BTree) Get(key []byte) (uint64, error) {
	if t.closed {
		return 0, ErrDatabaseClosed
	}
	n, i, err := t.search(key)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, ErrKeyNotFound
	}
	return n.values[i], nil
}

// Contains reports whether key is stored.
func (t *BTree) Contains(key []byte) (bool, error) {
	if t.closed {
		return false, ErrDatabaseClosed
	}
	n, _, err := t.search(key)
	if err != nil {
		return false, err
	}
	return n != nil, nil
}

// Size returns the number of live keys.
func (t *BTree) Size() uint64 {
	return uint64(t.drv.header.keyCount)
}

// Put inserts key with value, or overwrites the value of an existing
// key in place. Returns true iff a new key was added.
func (t *BTree) Put(key []byte, value uint64) (bool, error) {
	if t.closed {
		return false, ErrDatabaseClosed
	}
	if len(key) == 0 {
		// empty is the no-neighbor sentinel of the order queries
		return false, ErrKeyEmpty
	}
	if len(key) > int(t.drv.header.keySize)-1 {
		return false, ErrKeyTooLarge
	}
	key = append([]byte(nil), key...)

	if len(t.root.keys) == t.drv.maxKeys() {
		if err := t.expandRoot(); err != nil {
			return false, err
		}
	}
	return t.insertNonfull(t.root, key, value)
}

// Remove deletes key and returns its prior value, or ErrKeyNotFound.
func (t *BTree) Remove(key []byte) (uint64, error) {
	if t.closed {
		return 0, ErrDatabaseClosed
	}

	value, found, err := t.removeKey(t.root, key)
	if err != nil {
		return 0, err
	}

	// The last separator of the root may have merged into its only
	// child; pull the child up so the root stays at index 0.
	if len(t.root.keys) == 0 && len(t.root.children) == 1 {
		if err := t.collapseRoot(); err != nil {
			return 0, err
		}
	}

	if !found {
		return 0, ErrKeyNotFound
	}
	return value, nil
}

// search descends from the cached root to the node holding key.
func (t *BTree) search(key []byte) (*node, int, error) {
	x := t.root
	for {
		i, found := x.find(key)
		if found {
			return x, i, nil
		}
		if x.leaf() {
			return nil, 0, nil
		}
		var err error
		x, err = t.drv.readNode(x.children[i])
		if err != nil {
			return nil, 0, err
		}
	}
}

// expandRoot moves the full root's contents into a fresh node, leaves
// the root at index 0 with that node as its only child, and splits it.
func (t *BTree) expandRoot() error {
	s, err := t.drv.alloc()
	if err != nil {
		return err
	}
	s.keys = t.root.keys
	s.values = t.root.values
	s.children = t.root.children
	if err := t.drv.writeNode(s); err != nil {
		return err
	}

	t.root.keys = nil
	t.root.values = nil
	t.root.children = []uint32{s.index}
	if err := t.drv.writeNode(t.root); err != nil {
		return err
	}

	return t.splitChild(t.root, 0)
}

// collapseRoot pulls the root's only child into index 0 and frees it,
// reducing tree height by one.
func (t *BTree) collapseRoot() error {
	child, err := t.drv.readNode(t.root.children[0])
	if err != nil {
		return err
	}
	t.root.keys = child.keys
	t.root.values = child.values
	t.root.children = child.children

	empty := &node{index: child.index, freeLink: child.freeLink}
	if err := t.drv.writeNode(empty); err != nil {
		return err
	}
	if err := t.drv.writeNode(t.root); err != nil {
		return err
	}
	return t.drv.pushFree(child.index)
}

// insertNonfull inserts into the subtree at x, which must not be full.
// Full children are split before descending so no step ever has to
// revisit an ancestor.
func (t *BTree) insertNonfull(x *node, key []byte, value uint64) (bool, error) {
	i, found := x.find(key)
	if found {
		x.values[i] = value
		return false, t.drv.writeNode(x)
	}

	if x.leaf() {
		x.insertKeyAt(i, key, value)
		if err := t.drv.writeNode(x); err != nil {
			return false, err
		}
		t.drv.header.keyCount++
		if err := t.drv.writeHeader(); err != nil {
			return false, err
		}
		return true, nil
	}

	child, err := t.drv.readNode(x.children[i])
	if err != nil {
		return false, err
	}
	if len(child.keys) == t.drv.maxKeys() {
		if err := t.splitChild(x, i); err != nil {
			return false, err
		}
		// the promoted median decides which half to descend into
		switch cmp := bytes.Compare(key, x.keys[i]); {
		case cmp == 0:
			x.values[i] = value
			return false, t.drv.writeNode(x)
		case cmp > 0:
			i++
		}
		child, err = t.drv.readNode(x.children[i])
		if err != nil {
			return false, err
		}
	}
	return t.insertNonfull(child, key, value)
}

// splitChild splits the full node at x.children[i] around its median,
// promoting the median key into x and moving the right half into a
// freshly allocated node.
func (t *BTree) splitChild(x *node, i int) error {
	y, err := t.drv.readNode(x.children[i])
	if err != nil {
		return err
	}
	z, err := t.drv.alloc()
	if err != nil {
		return err
	}

	degree := int(t.drv.header.degree)
	mid := degree - 1

	z.keys = append(z.keys, y.keys[degree:]...)
	z.values = append(z.values, y.values[degree:]...)
	if !y.leaf() {
		z.children = append(z.children, y.children[degree:]...)
		y.children = y.children[:degree]
	}

	x.insertKeyAt(i, y.keys[mid], y.values[mid])
	x.insertChildAt(i+1, z.index)

	y.keys = y.keys[:mid]
	y.values = y.values[:mid]

	if err := t.drv.writeNode(y); err != nil {
		return err
	}
	if err := t.drv.writeNode(z); err != nil {
		return err
	}
	return t.drv.writeNode(x)
}

// removeKey removes key from the subtree at x. Children at min keys are
// grown before descending, so the recursion never underflows a node.
func (t *BTree) removeKey(x *node, key []byte) (uint64, bool, error) {
	i, found := x.find(key)

	if x.leaf() {
		if !found {
			return 0, false, nil
		}
		value := x.values[i]
		x.removeKeyAt(i)
		if err := t.drv.writeNode(x); err != nil {
			return 0, false, err
		}
		t.drv.header.keyCount--
		if err := t.drv.writeHeader(); err != nil {
			return 0, false, err
		}
		return value, true, nil
	}

	child, err := t.drv.readNode(x.children[i])
	if err != nil {
		return 0, false, err
	}
	if len(child.keys) <= t.drv.minKeys() {
		if err := t.growChild(x, child, i); err != nil {
			return 0, false, err
		}
		// borrow rotated a key or merge removed one; key positions in
		// x have shifted, so restart the step from x
		return t.removeKey(x, key)
	}

	if found {
		// replace the separator with its in-order predecessor, which
		// lives on the rightmost path of child
		value := x.values[i]
		predKey, predValue, err := t.removeMax(child)
		if err != nil {
			return 0, false, err
		}
		x.keys[i] = predKey
		x.values[i] = predValue
		if err := t.drv.writeNode(x); err != nil {
			return 0, false, err
		}
		return value, true, nil
	}

	return t.removeKey(child, key)
}

// removeMax removes and returns the largest key of the subtree at x.
func (t *BTree) removeMax(x *node) ([]byte, uint64, error) {
	if x.leaf() {
		j := len(x.keys) - 1
		key, value := x.keys[j], x.values[j]
		x.removeKeyAt(j)
		if err := t.drv.writeNode(x); err != nil {
			return nil, 0, err
		}
		t.drv.header.keyCount--
		if err := t.drv.writeHeader(); err != nil {
			return nil, 0, err
		}
		return key, value, nil
	}

	j := len(x.children) - 1
	child, err := t.drv.readNode(x.children[j])
	if err != nil {
		return nil, 0, err
	}
	if len(child.keys) <= t.drv.minKeys() {
		if err := t.growChild(x, child, j); err != nil {
			return nil, 0, err
		}
		return t.removeMax(x)
	}
	return t.removeMax(child)
}

// growChild ensures child (at x.children[i]) ends up with more than the
// minimum key count, borrowing from a sibling when one can spare a key
// and merging with one otherwise.
func (t *BTree) growChild(x *node, child *node, i int) error {
	minKeys := t.drv.minKeys()

	var left, right *node
	if i > 0 {
		var err error
		left, err = t.drv.readNode(x.children[i-1])
		if err != nil {
			return err
		}
		if len(left.keys) > minKeys {
			// rotate right: separator down into child, left's last key up
			child.insertKeyAt(0, x.keys[i-1], x.values[i-1])
			last := len(left.keys) - 1
			x.keys[i-1] = left.keys[last]
			x.values[i-1] = left.values[last]
			left.removeKeyAt(last)
			if !left.leaf() {
				child.insertChildAt(0, left.children[len(left.children)-1])
				left.removeChildAt(len(left.children) - 1)
			}
			if err := t.drv.writeNode(left); err != nil {
				return err
			}
			if err := t.drv.writeNode(child); err != nil {
				return err
			}
			return t.drv.writeNode(x)
		}
	}

	if i < len(x.children)-1 {
		var err error
		right, err = t.drv.readNode(x.children[i+1])
		if err != nil {
			return err
		}
		if len(right.keys) > minKeys {
			// rotate left: separator down into child, right's first key up
			child.insertKeyAt(len(child.keys), x.keys[i], x.values[i])
			x.keys[i] = right.keys[0]
			x.values[i] = right.values[0]
			right.removeKeyAt(0)
			if !right.leaf() {
				child.children = append(child.children, right.children[0])
				right.removeChildAt(0)
			}
			if err := t.drv.writeNode(right); err != nil {
				return err
			}
			if err := t.drv.writeNode(child); err != nil {
				return err
			}
			return t.drv.writeNode(x)
		}
	}

	// Neither sibling can spare a key: merge around a separator,
	// always from the right node into the left one.
	sep := i
	l, r := child, right
	if right == nil {
		// child is the rightmost; merge it into its left sibling
		sep = i - 1
		l, r = left, child
	}

	l.insertKeyAt(len(l.keys), x.keys[sep], x.values[sep])
	l.keys = append(l.keys, r.keys...)
	l.values = append(l.values, r.values...)
	l.children = append(l.children, r.children...)

	x.removeKeyAt(sep)
	x.removeChildAt(sep + 1)

	empty := &node{index: r.index, freeLink: r.freeLink}
	if err := t.drv.writeNode(empty); err != nil {
		return err
	}
	if err := t.drv.writeNode(l); err != nil {
		return err
	}
	if err := t.drv.writeNode(x); err != nil {
		return err
	}
	return t.drv.pushFree(r.index)
}
