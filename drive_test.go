package btfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedSizes(t *testing.T) {
	t.Parallel()
	tree, _ := setup(t, 8, 2)

	// degree 2: maxKeys 3, maxChildren 4
	// 16 + 4*4 + (8+8)*3 = 80
	assert.Equal(t, int64(80), tree.drv.nodeSize())
	assert.Equal(t, int64(16), tree.drv.nodePos(0))
	assert.Equal(t, int64(16+2*80), tree.drv.nodePos(2))
	assert.Equal(t, 3, tree.MaxKeysPerNode())
	assert.Equal(t, 1, tree.MinKeysPerNode())
	assert.Equal(t, 4, tree.MaxChildrenPerNode())

	big, _ := setup(t, 128, 1024)
	// degree 1024: maxKeys 2047, maxChildren 2048
	assert.Equal(t, int64(16+4*2048+(128+8)*2047), big.drv.nodeSize())
}

func TestHeaderBytes(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 16, 3)

	_, err := tree.Put([]byte("k"), 1)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), headerSize)

	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(raw[0:]), "keySize")
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[4:]), "degree")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[8:]), "keyCount")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[12:]), "freeNodeCount")
}

func TestNodeRecordBytes(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2)

	_, err := tree.Put([]byte("ab"), 0x0102030405060708)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	node0 := raw[16 : 16+80]

	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(node0[0:]), "keyCount")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(node0[4:]), "childCount")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(node0[12:]), "padding")

	// key slots start after the node header and 4 child slots
	slot := node0[16+4*4:]
	assert.Equal(t, byte(2), slot[0], "key length byte")
	assert.Equal(t, []byte("ab"), slot[1:3], "key payload")

	// values start after 3 key slots of 8 bytes
	value := node0[16+4*4+3*8:]
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, value[:8],
		"value must be little-endian")
}

func TestFreeStackSlotBytes(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2)

	// Grow to two levels and strip back down so the free stack fills.
	for c := byte('a'); c <= 'p'; c++ {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}
	for c := byte('a'); c <= 'p'; c++ {
		_, err := tree.Remove([]byte{c})
		require.NoError(t, err)
	}
	count := tree.FreeNodeCount()
	require.Positive(t, count)

	// Stack slot j lives at nodePos(1+j) + 8, bottom of the stack in
	// node 1. Read it raw and compare against the inspection hook.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	fromDisk := make([]uint32, 0, count)
	for j := int64(count) - 1; j >= 0; j-- {
		pos := 16 + (1+j)*80 + 8
		fromDisk = append(fromDisk, binary.LittleEndian.Uint32(raw[pos:]))
	}

	fromHook, err := tree.FreeNodes()
	require.NoError(t, err)
	assert.Equal(t, fromDisk, fromHook)
}

func TestFreeLinkSurvivesNodeRewrite(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2)

	// Build a tree tall enough that freed nodes coexist with live
	// ones, then mutate heavily. If writeNode failed to round-trip
	// free_link, a live node hosting a stack slot would corrupt the
	// allocator and the partition check below would fail.
	for c := byte('a'); c <= 'z'; c++ {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}
	for c := byte('a'); c <= 'z'; c += 2 {
		_, err := tree.Remove([]byte{c})
		require.NoError(t, err)
	}
	for c := byte('a'); c <= 'z'; c += 2 {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}
	checkInvariants(t, tree, path)
}

func TestNodeCodecRoundTrip(t *testing.T) {
	t.Parallel()
	tree, _ := setup(t, 16, 3)
	d := tree.drv

	original := &node{
		index:    0,
		freeLink: 7,
		keys:     [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")},
		values:   []uint64{1, 2, 3},
		children: []uint32{4, 9, 2, 6},
	}

	buf := make([]byte, d.nodeSize())
	d.encodeNode(original, buf)
	decoded, err := d.decodeNode(0, buf)
	require.NoError(t, err)

	assert.Equal(t, original.keys, decoded.keys)
	assert.Equal(t, original.values, decoded.values)
	assert.Equal(t, original.children, decoded.children)
	assert.Equal(t, uint32(7), decoded.freeLink, "free_link must round-trip")
}

func TestOpenMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "x.bt"), 8, 2)
	assert.ErrorIs(t, err, ErrCannotOpen)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := []struct {
		name    string
		keySize uint32
		degree  uint32
	}{
		{"degree one", 8, 1},
		{"degree zero", 8, 0},
		{"keySize not multiple of 8", 12, 2},
		{"keySize too small", 0, 2},
		{"keySize too large", 136, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(filepath.Join(dir, tc.name+".bt"), tc.keySize, tc.degree)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestCorruptShortHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.bt")
	require.NoError(t, os.WriteFile(path, make([]byte, 8), 0600))

	_, err := Open(path, 8, 2)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestCorruptTruncatedNode(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "torn.bt")

	// Valid header for keySize 8, degree 2 followed by a torn node.
	raw := make([]byte, 16+79)
	binary.LittleEndian.PutUint32(raw[0:], 8)
	binary.LittleEndian.PutUint32(raw[4:], 2)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err := Open(path, 8, 2)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestCorruptHeaderParameters(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "junk.bt")

	// A header claiming degree 0 cannot belong to a live file.
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:], 8)
	binary.LittleEndian.PutUint32(raw[4:], 0)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err := Open(path, 8, 2)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestReopenAdoptsHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tree.bt")

	tree, err := Open(path, 8, 2, WithSyncOff())
	require.NoError(t, err)
	_, err = tree.Put([]byte("k"), 5)
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	// Mismatched constructor arguments are informational only.
	reopened, err := Open(path, 128, 99)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint32(8), reopened.KeySize())
	assert.Equal(t, uint32(2), reopened.Degree())
	value, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), value)
}

func TestKeyValidation(t *testing.T) {
	t.Parallel()
	tree, _ := setup(t, 8, 2)

	_, err := tree.Put(nil, 1)
	assert.ErrorIs(t, err, ErrKeyEmpty)
	_, err = tree.Put([]byte{}, 1)
	assert.ErrorIs(t, err, ErrKeyEmpty)

	_, err = tree.Put([]byte("12345678"), 1)
	assert.ErrorIs(t, err, ErrKeyTooLarge, "payload must fit in keySize-1")

	added, err := tree.Put([]byte("1234567"), 1)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestClosedTree(t *testing.T) {
	t.Parallel()
	tree, _ := setup(t, 8, 2)
	require.NoError(t, tree.Close())
	require.NoError(t, tree.Close(), "close must be idempotent")

	_, err := tree.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = tree.Put([]byte("k"), 1)
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = tree.Remove([]byte("k"))
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = tree.First()
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = tree.FreeNodes()
	assert.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestSyncedWrites(t *testing.T) {
	t.Parallel()

	// Default configuration flushes after every write; just exercise
	// the flush path end to end.
	path := filepath.Join(t.TempDir(), "synced.bt")
	tree, err := Open(path, 8, 2)
	require.NoError(t, err)
	defer tree.Close()

	for c := byte('a'); c <= 'f'; c++ {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}
	value, err := tree.Get([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64('c'), value)
}

func TestFileLengthTracksGrowth(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2)

	assertLength := func(wantNodes int64) {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, 16+wantNodes*80, info.Size())
		assert.EqualValues(t, wantNodes, tree.NodeCount())
	}

	assertLength(1)

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := tree.Put([]byte(key), 1)
		require.NoError(t, err)
	}
	assertLength(3)
}
