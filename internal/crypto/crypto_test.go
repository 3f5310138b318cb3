package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) *FileContext {
	t.Helper()
	cfg := DefaultConfig()
	key := DeriveKey(cfg, "test-password")
	fc, err := NewFileContext(key, []byte("base-iv-0123456789"), cfg)
	require.NoError(t, err)
	return fc
}

func TestFullBlockRoundTrip(t *testing.T) {
	fc := testContext(t)
	plain := bytes.Repeat([]byte{0xAB}, fc.BlockSize())

	enc, err := fc.EncodeBlock(7, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)

	dec, allZero, err := fc.DecodeBlock(7, enc)
	require.NoError(t, err)
	require.False(t, allZero)
	require.Equal(t, plain, dec)
}

func TestPartialBlockRoundTrip(t *testing.T) {
	fc := testContext(t)
	plain := []byte("short tail block, not block-sized")

	enc, err := fc.EncodeBlock(3, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)
	require.Len(t, enc, len(plain))

	dec, allZero, err := fc.DecodeBlock(3, enc)
	require.NoError(t, err)
	require.False(t, allZero)
	require.Equal(t, plain, dec)
}

func TestAllZeroBlockDetected(t *testing.T) {
	fc := testContext(t)
	zeroBlock := make([]byte, fc.BlockSize())

	plain, allZero, err := fc.DecodeBlock(0, zeroBlock)
	require.NoError(t, err)
	require.True(t, allZero)
	require.Equal(t, zeroBlock, plain)
}

func TestDifferentBlockNumbersProduceDifferentCiphertext(t *testing.T) {
	fc := testContext(t)
	plain := bytes.Repeat([]byte{0x42}, fc.BlockSize())

	a, err := fc.EncodeBlock(0, plain)
	require.NoError(t, err)
	b, err := fc.EncodeBlock(1, plain)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestXorCascadeRoundTrip(t *testing.T) {
	buf := []byte("the quick brown fox jumps")
	orig := append([]byte(nil), buf...)

	xorCascadeForward(buf)
	require.NotEqual(t, orig, buf)
	xorCascadeInverse(buf)
	require.Equal(t, orig, buf)
}

func TestReadWriteRoundTripAcrossBlocks(t *testing.T) {
	fc := testContext(t)
	backing := newMemBacking()
	cache := NewBlockCache(fc.BlockSize())

	data := bytes.Repeat([]byte("0123456789abcdef"), fc.BlockSize()/4)
	n, size, err := WriteAt(backing, fc, cache, data, 0, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), size)

	cache.Invalidate()
	out := make([]byte, len(data))
	rn, err := ReadAt(backing, fc, cache, out, 0, size)
	require.NoError(t, err)
	require.Equal(t, len(data), rn)
	require.Equal(t, data, out)
}

func TestWriteAtUnalignedOffsetPreservesNeighboringBytes(t *testing.T) {
	fc := testContext(t)
	backing := newMemBacking()
	cache := NewBlockCache(fc.BlockSize())

	initial := bytes.Repeat([]byte{0x11}, fc.BlockSize()*2)
	_, size, err := WriteAt(backing, fc, cache, initial, 0, 0)
	require.NoError(t, err)

	patch := []byte{0xAA, 0xBB, 0xCC}
	patchOff := int64(fc.BlockSize()) + 5
	cache.Invalidate()
	_, newSize, err := WriteAt(backing, fc, cache, patch, patchOff, size)
	require.NoError(t, err)
	require.Equal(t, size, newSize)

	cache.Invalidate()
	out := make([]byte, len(initial))
	_, err = ReadAt(backing, fc, cache, out, 0, newSize)
	require.NoError(t, err)
	require.Equal(t, patch, out[patchOff:patchOff+int64(len(patch))])
	require.Equal(t, byte(0x11), out[patchOff-1])
	require.Equal(t, byte(0x11), out[patchOff+int64(len(patch))])
}

func TestWriteAtGapBeyondOneBlockPadsIntermediateBlock(t *testing.T) {
	fc := testContext(t)
	backing := newMemBacking()
	cache := NewBlockCache(fc.BlockSize())

	first := bytes.Repeat([]byte{0x77}, 1500)
	_, size, err := WriteAt(backing, fc, cache, first, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1500), size)

	tail := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	gapOff := int64(3000)
	cache.Invalidate()
	_, newSize, err := WriteAt(backing, fc, cache, tail, gapOff, size)
	require.NoError(t, err)
	require.Equal(t, gapOff+int64(len(tail)), newSize)

	cache.Invalidate()
	out := make([]byte, newSize)
	n, err := ReadAt(backing, fc, cache, out, 0, newSize)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.Equal(t, first, out[:1500])
	require.Equal(t, make([]byte, int(gapOff-1500)), out[1500:gapOff])
	require.Equal(t, tail, out[gapOff:])
}

// memBacking is an in-memory Backing for tests, standing in for the
// upper layer's *os.File.
type memBacking struct {
	data []byte
}

func newMemBacking() *memBacking { return &memBacking{} }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}
