package btfile

import "bytes"

// node is a decoded B-tree node. Keys and values are parallel slices;
// children is empty for a leaf, else exactly len(keys)+1 entries.
//
// freeLink is the raw free_link field from the node body. The tree
// never reads it, but a node body can hold a live free-stack slot for a
// different stack position, so the codec round-trips it untouched.
type node struct {
	index    uint32
	freeLink uint32

	keys     [][]byte
	values   []uint64
	children []uint32
}

func (n *node) leaf() bool {
	return len(n.children) == 0
}

// find returns the lower bound of key among the node's keys: the first
// position whose key is not less than key, and whether it is an exact
// match. The scan is linear, which beats binary search at the degrees
// this format is used with.
func (n *node) find(key []byte) (int, bool) {
	for i := 0; i < len(n.keys); i++ {
		switch cmp := bytes.Compare(key, n.keys[i]); {
		case cmp == 0:
			return i, true
		case cmp < 0:
			return i, false
		}
	}
	return len(n.keys), false
}

// insertKeyAt places key/value at position i, shifting the tail right.
func (n *node) insertKeyAt(i int, key []byte, value uint64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key

	n.values = append(n.values, 0)
	copy(n.values[i+1:], n.values[i:])
	n.values[i] = value
}

// removeKeyAt deletes the key/value at position i.
func (n *node) removeKeyAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.values = append(n.values[:i], n.values[i+1:]...)
}

// insertChildAt places a child index at position i.
func (n *node) insertChildAt(i int, child uint32) {
	n.children = append(n.children, 0)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
}

// removeChildAt deletes the child index at position i.
func (n *node) removeChildAt(i int) {
	n.children = append(n.children[:i], n.children[i+1:]...)
}

// clone creates a deep copy of this node. Cache entries are cloned on
// the way in and out so a cached node never aliases one the tree is
// mutating.
func (n *node) clone() *node {
	cloned := &node{
		index:    n.index,
		freeLink: n.freeLink,
	}

	if len(n.keys) > 0 {
		cloned.keys = make([][]byte, len(n.keys))
		for i, key := range n.keys {
			cloned.keys[i] = append([]byte(nil), key...)
		}
		cloned.values = append([]uint64(nil), n.values...)
	}

	if len(n.children) > 0 {
		cloned.children = append([]uint32(nil), n.children...)
	}

	return cloned
}
