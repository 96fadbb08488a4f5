package btfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// headerSize is the fixed file header: four u32 little-endian.
	headerSize = 16

	// nodeHeaderSize is the fixed prefix of every node record.
	nodeHeaderSize = 16

	// freeLinkOffset is where free_link sits within a node body. The
	// free-node stack stores its entries at this offset in consecutive
	// non-root node bodies.
	freeLinkOffset = 8

	// MinKeySize and MaxKeySize bound the keySize parameter. keySize
	// must also be a multiple of 8. A key payload can be at most
	// keySize-1 bytes; the first byte of a key slot is its length.
	MinKeySize = 8
	MaxKeySize = 128
)

// drive owns the backing file and translates logical operations into
// byte-exact I/O. All multibyte integers are little-endian on disk
// regardless of host endianness; key payload bytes are stored verbatim.
//
// FILE LAYOUT:
// ┌──────────────────────────────────────────────────────────────────┐
// │ header (16 bytes)                                                │
// │ keySize, degree, keyCount, freeNodeCount (u32 LE each)           │
// ├──────────────────────────────────────────────────────────────────┤
// │ node[0] (root, permanent)                                        │
// ├──────────────────────────────────────────────────────────────────┤
// │ node[1] .. node[nodeCount-1]                                     │
// └──────────────────────────────────────────────────────────────────┘
//
// NODE LAYOUT (nodeSize = 16 + 4·maxChildren + keySize·maxKeys + 8·maxKeys):
// ┌──────────────────────────────────────────────────────────────────┐
// │ keyCount(4) childCount(4) freeLink(4) padding(4)                 │
// ├──────────────────────────────────────────────────────────────────┤
// │ children[maxChildren] (u32 each; first childCount meaningful)    │
// ├──────────────────────────────────────────────────────────────────┤
// │ keys[maxKeys] (keySize bytes each: length byte, then payload)    │
// ├──────────────────────────────────────────────────────────────────┤
// │ values[maxKeys] (u64 each; first keyCount meaningful)            │
// └──────────────────────────────────────────────────────────────────┘
//
// The free-node stack has no region of its own: stack slot j lives at
// nodePos(1+j) + freeLinkOffset, inside the body of node 1+j. Its
// depth is header.freeNodeCount, so no threading pointer is needed.
type drive struct {
	file      *os.File
	header    header
	nodeCount uint32

	cache   *nodeCache // nil when the cache is disabled
	bufPool sync.Pool  // node-sized scratch buffers
	syncOff bool
}

// header mirrors the first 16 bytes of the file.
type header struct {
	keySize       uint32
	degree        uint32
	keyCount      uint32
	freeNodeCount uint32
}

func validateConfig(keySize, degree uint32) error {
	if degree <= 1 {
		return fmt.Errorf("degree %d, must be > 1", degree)
	}
	if keySize%8 != 0 || keySize < MinKeySize || keySize > MaxKeySize {
		return fmt.Errorf("keySize %d, must be a multiple of 8 in [%d, %d]",
			keySize, MinKeySize, MaxKeySize)
	}
	return nil
}

// openDrive opens or creates the backing file. For an existing file the
// header parameters win and the arguments are informational only.
// Returns whether a fresh file was initialized.
func openDrive(path string, keySize, degree uint32, opts Options) (*drive, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}

	d := &drive{
		file:    file,
		syncOff: opts.syncOff,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}

	created := info.Size() == 0
	if created {
		if err := validateConfig(keySize, degree); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		d.header = header{keySize: keySize, degree: degree}
		if err := d.initialize(); err != nil {
			file.Close()
			return nil, false, err
		}
	} else {
		if err := d.load(info.Size()); err != nil {
			file.Close()
			return nil, false, err
		}
	}

	if opts.cacheSize > 0 {
		cache, err := newNodeCache(opts.cacheSize)
		if err != nil {
			file.Close()
			return nil, false, err
		}
		d.cache = cache
	}

	size := d.nodeSize()
	d.bufPool = sync.Pool{
		New: func() any {
			return make([]byte, size)
		},
	}

	return d, created, nil
}

// initialize writes a fresh file: header plus the empty root at index 0.
func (d *drive) initialize() error {
	d.nodeCount = 1
	root := make([]byte, d.nodeSize())
	if _, err := d.file.WriteAt(root, d.nodePos(0)); err != nil {
		return fmt.Errorf("write root node: %w", err)
	}
	return d.writeHeader()
}

// load reads and validates the header of an existing file.
func (d *drive) load(size int64) error {
	if size < headerSize {
		return fmt.Errorf("%w: file shorter than header", ErrCorruption)
	}

	var buf [headerSize]byte
	if _, err := d.file.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: short header read", ErrCorruption)
	}
	d.header = header{
		keySize:       binary.LittleEndian.Uint32(buf[0:]),
		degree:        binary.LittleEndian.Uint32(buf[4:]),
		keyCount:      binary.LittleEndian.Uint32(buf[8:]),
		freeNodeCount: binary.LittleEndian.Uint32(buf[12:]),
	}

	if err := validateConfig(d.header.keySize, d.header.degree); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruption, err)
	}

	nodeBytes := size - headerSize
	if nodeBytes < d.nodeSize() || nodeBytes%d.nodeSize() != 0 {
		return fmt.Errorf("%w: file length %d is not header + whole nodes", ErrCorruption, size)
	}
	d.nodeCount = uint32(nodeBytes / d.nodeSize())

	return nil
}

// Derived layout constants.

func (d *drive) maxKeys() int {
	return int(2*d.header.degree - 1)
}

func (d *drive) minKeys() int {
	return int(d.header.degree - 1)
}

func (d *drive) maxChildren() int {
	return int(2 * d.header.degree)
}

func (d *drive) nodeSize() int64 {
	return nodeHeaderSize +
		4*int64(d.maxChildren()) +
		(int64(d.header.keySize)+8)*int64(d.maxKeys())
}

func (d *drive) nodePos(index uint32) int64 {
	return headerSize + int64(index)*d.nodeSize()
}

// freeSlotPos is where free-stack slot j lives: inside the free_link
// field of node 1+j. The root never hosts a slot.
func (d *drive) freeSlotPos(j uint32) int64 {
	return d.nodePos(1+j) + freeLinkOffset
}

func (d *drive) writeHeader() error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], d.header.keySize)
	binary.LittleEndian.PutUint32(buf[4:], d.header.degree)
	binary.LittleEndian.PutUint32(buf[8:], d.header.keyCount)
	binary.LittleEndian.PutUint32(buf[12:], d.header.freeNodeCount)

	if _, err := d.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return d.sync()
}

// readNode returns a decoded copy of node index, from cache when possible.
func (d *drive) readNode(index uint32) (*node, error) {
	if d.cache != nil {
		if n, ok := d.cache.get(index); ok {
			return n, nil
		}
	}

	n, err := d.readNodeFromDisk(index)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.put(n)
	}
	return n, nil
}

func (d *drive) readNodeFromDisk(index uint32) (*node, error) {
	if index >= d.nodeCount {
		return nil, fmt.Errorf("%w: node index %d out of range [0, %d)", ErrCorruption, index, d.nodeCount)
	}

	buf := d.bufPool.Get().([]byte)
	defer d.bufPool.Put(buf)

	if _, err := d.file.ReadAt(buf, d.nodePos(index)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short read of node %d", ErrCorruption, index)
		}
		return nil, fmt.Errorf("read node %d: %w", index, err)
	}

	return d.decodeNode(index, buf)
}

func (d *drive) decodeNode(index uint32, buf []byte) (*node, error) {
	keyCount := int(binary.LittleEndian.Uint32(buf[0:]))
	childCount := int(binary.LittleEndian.Uint32(buf[4:]))
	if keyCount > d.maxKeys() || childCount > d.maxChildren() {
		return nil, fmt.Errorf("%w: node %d claims %d keys, %d children", ErrCorruption, index, keyCount, childCount)
	}

	n := &node{
		index:    index,
		freeLink: binary.LittleEndian.Uint32(buf[freeLinkOffset:]),
	}

	for j := 0; j < childCount; j++ {
		n.children = append(n.children, binary.LittleEndian.Uint32(buf[nodeHeaderSize+4*j:]))
	}

	keySize := int(d.header.keySize)
	keyBase := nodeHeaderSize + 4*d.maxChildren()
	for j := 0; j < keyCount; j++ {
		slot := buf[keyBase+j*keySize:]
		length := int(slot[0])
		if length > keySize-1 {
			return nil, fmt.Errorf("%w: node %d key %d has length %d", ErrCorruption, index, j, length)
		}
		n.keys = append(n.keys, append([]byte(nil), slot[1:1+length]...))
	}

	valueBase := keyBase + keySize*d.maxKeys()
	for j := 0; j < keyCount; j++ {
		n.values = append(n.values, binary.LittleEndian.Uint64(buf[valueBase+8*j:]))
	}

	return n, nil
}

// writeNode encodes n at its position and flushes. The whole record is
// written from a pooled scratch buffer, so unused child, key, and value
// slots hold whatever bytes that buffer last carried; the count fields
// and length bytes disambiguate, and nothing ever reads past them.
func (d *drive) writeNode(n *node) error {
	if n.index >= d.nodeCount {
		return fmt.Errorf("%w: node index %d out of range [0, %d)", ErrCorruption, n.index, d.nodeCount)
	}

	// Nodes 1..freeNodeCount host live free-stack slots. The slot on disk
	// wins over the copy in n, which may predate a pushFree into this body.
	if n.index >= 1 && n.index <= d.header.freeNodeCount {
		var link [4]byte
		if _, err := d.file.ReadAt(link[:], d.freeSlotPos(n.index-1)); err != nil {
			return fmt.Errorf("%w: short read of free slot %d", ErrCorruption, n.index-1)
		}
		n.freeLink = binary.LittleEndian.Uint32(link[:])
	}

	buf := d.bufPool.Get().([]byte)
	defer d.bufPool.Put(buf)
	d.encodeNode(n, buf)

	if _, err := d.file.WriteAt(buf, d.nodePos(n.index)); err != nil {
		return fmt.Errorf("write node %d: %w", n.index, err)
	}
	if err := d.sync(); err != nil {
		return err
	}

	if d.cache != nil {
		d.cache.put(n)
	}
	return nil
}

func (d *drive) encodeNode(n *node, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(n.children)))
	binary.LittleEndian.PutUint32(buf[freeLinkOffset:], n.freeLink)
	binary.LittleEndian.PutUint32(buf[12:], 0)

	for j, child := range n.children {
		binary.LittleEndian.PutUint32(buf[nodeHeaderSize+4*j:], child)
	}

	keySize := int(d.header.keySize)
	keyBase := nodeHeaderSize + 4*d.maxChildren()
	for j, key := range n.keys {
		slot := buf[keyBase+j*keySize:]
		slot[0] = byte(len(key))
		copy(slot[1:], key)
	}

	valueBase := keyBase + keySize*d.maxKeys()
	for j, value := range n.values {
		binary.LittleEndian.PutUint64(buf[valueBase+8*j:], value)
	}
}

// pushNode grows the file by exactly one zeroed node and pushes the new
// index onto the free stack.
func (d *drive) pushNode() error {
	index := d.nodeCount
	zero := make([]byte, d.nodeSize())
	if _, err := d.file.WriteAt(zero, d.nodePos(index)); err != nil {
		return fmt.Errorf("grow file: %w", err)
	}
	d.nodeCount++
	return d.pushFree(index)
}

// pushFree pushes index onto the free stack. The write lands inside the
// body of node 1+freeNodeCount, so any cached copy of that node is
// dropped first.
func (d *drive) pushFree(index uint32) error {
	slot := d.header.freeNodeCount
	if d.cache != nil {
		d.cache.drop(1 + slot)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], index)
	if _, err := d.file.WriteAt(buf[:], d.freeSlotPos(slot)); err != nil {
		return fmt.Errorf("push free node %d: %w", index, err)
	}

	d.header.freeNodeCount++
	return d.writeHeader()
}

// popFree pops a vacant node index, growing the file first when the
// stack is empty. The returned node's body is not guaranteed fresh; the
// caller writes a full logical node before using it.
func (d *drive) popFree() (uint32, error) {
	if d.header.freeNodeCount == 0 {
		if err := d.pushNode(); err != nil {
			return 0, err
		}
	}

	slot := d.header.freeNodeCount - 1
	var buf [4]byte
	if _, err := d.file.ReadAt(buf[:], d.freeSlotPos(slot)); err != nil {
		return 0, fmt.Errorf("%w: short read of free slot %d", ErrCorruption, slot)
	}
	index := binary.LittleEndian.Uint32(buf[:])

	d.header.freeNodeCount = slot
	if err := d.writeHeader(); err != nil {
		return 0, err
	}
	return index, nil
}

// alloc pops a vacant index and returns it as an empty node. The node
// is read back first so its free_link round-trips: the body may hold a
// live stack slot for a different stack position.
func (d *drive) alloc() (*node, error) {
	index, err := d.popFree()
	if err != nil {
		return nil, err
	}
	n, err := d.readNode(index)
	if err != nil {
		return nil, err
	}
	n.keys = nil
	n.values = nil
	n.children = nil
	return n, nil
}

// freeNodes reads the free stack by position, top first.
func (d *drive) freeNodes() ([]uint32, error) {
	count := d.header.freeNodeCount
	result := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		var buf [4]byte
		if _, err := d.file.ReadAt(buf[:], d.freeSlotPos(count-1-i)); err != nil {
			return nil, fmt.Errorf("%w: short read of free slot %d", ErrCorruption, count-1-i)
		}
		result = append(result, binary.LittleEndian.Uint32(buf[:]))
	}
	return result, nil
}

func (d *drive) sync() error {
	if d.syncOff {
		return nil
	}
	if err := flush(d.file); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (d *drive) close() error {
	if err := flush(d.file); err != nil {
		d.file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	return d.file.Close()
}
