package crypto

// BlockCache holds the single most recently decoded plaintext block
// for a node, avoiding a re-decrypt on every small sequential
// read/write.
type BlockCache struct {
	blockNumber uint64
	valid       bool
	plain       []byte
}

// NewBlockCache returns an empty cache sized for the given block size.
func NewBlockCache(blockSize int) *BlockCache {
	return &BlockCache{plain: make([]byte, blockSize)}
}

// Get returns the cached plaintext for blockNumber, if present.
func (c *BlockCache) Get(blockNumber uint64) (plain []byte, ok bool) {
	if !c.valid || c.blockNumber != blockNumber {
		return nil, false
	}
	return c.plain, true
}

// Put replaces the cached block.
func (c *BlockCache) Put(blockNumber uint64, plain []byte) {
	if cap(c.plain) < len(plain) {
		c.plain = make([]byte, len(plain))
	}
	c.plain = c.plain[:len(plain)]
	copy(c.plain, plain)
	c.blockNumber = blockNumber
	c.valid = true
}

// Invalidate drops the cached block, forcing the next access to decode
// from the backing layer again.
func (c *BlockCache) Invalidate() {
	c.valid = false
}
