package crypto

import (
	"io"
)

// Backing is the minimal random-access surface ReadAt/WriteAt need from
// the upper layer's open file descriptor.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// ReadAt fills dest from the encrypted backing store starting at
// plaintext offset off, decoding one block at a time through ctx and
// cache. fileSize is the file's current plaintext size; ReadAt never
// reads past it. Each touched block is decoded in full, even for a
// partial read, and the decoded block replaces whatever was cached.
func ReadAt(b Backing, ctx *FileContext, cache *BlockCache, dest []byte, off int64, fileSize int64) (int, error) {
	if off >= fileSize {
		return 0, io.EOF
	}
	blockSize := int64(ctx.BlockSize())
	read := 0
	for read < len(dest) && off < fileSize {
		blockNumber := uint64(off / blockSize)
		blockStart := int64(blockNumber) * blockSize
		blockOffset := off - blockStart
		storedLen := blockSize
		if blockStart+blockSize > fileSize {
			storedLen = fileSize - blockStart
		}

		plain, ok := cache.Get(blockNumber)
		if !ok || int64(len(plain)) != storedLen {
			raw := make([]byte, storedLen)
			if _, err := b.ReadAt(raw, blockStart); err != nil && err != io.EOF {
				return read, err
			}
			decoded, _, err := ctx.DecodeBlock(blockNumber, raw)
			if err != nil {
				return read, err
			}
			plain = decoded
			cache.Put(blockNumber, plain)
		}

		n := copy(dest[read:], plain[blockOffset:])
		read += n
		off += int64(n)
	}
	return read, nil
}

// WriteAt writes data into the encrypted backing store starting at
// plaintext offset off, read-modify-writing whole blocks through ctx
// and cache. curSize is the file's plaintext size before the write; it
// returns the file's plaintext size after the write, which the caller
// persists as the node's new size. Bytes between curSize and off (a
// seek past end-of-file) read back as zero, matching a regular file's
// hole semantics, even though fully zero trailing blocks may be skipped
// on disk when AllowHoles is set.
func WriteAt(b Backing, ctx *FileContext, cache *BlockCache, data []byte, off int64, curSize int64) (int, int64, error) {
	blockSize := int64(ctx.BlockSize())
	newSize := curSize
	written := 0
	scratch := make([]byte, blockSize)

	if err := padGap(b, ctx, cache, scratch, off, curSize); err != nil {
		return 0, newSize, err
	}

	for written < len(data) {
		blockNumber := uint64(off / blockSize)
		blockStart := int64(blockNumber) * blockSize
		blockOffset := off - blockStart

		existingLen := int64(0)
		if blockStart < curSize {
			existingLen = blockSize
			if blockStart+blockSize > curSize {
				existingLen = curSize - blockStart
			}
		}

		buf := scratch[:blockSize]
		for i := range buf {
			buf[i] = 0
		}
		if existingLen > 0 {
			plain, ok := cache.Get(blockNumber)
			if !ok || int64(len(plain)) != existingLen {
				raw := make([]byte, existingLen)
				if _, err := b.ReadAt(raw, blockStart); err != nil && err != io.EOF {
					return written, newSize, err
				}
				decoded, _, err := ctx.DecodeBlock(blockNumber, raw)
				if err != nil {
					return written, newSize, err
				}
				plain = decoded
			}
			copy(buf, plain)
		}

		n := copy(buf[blockOffset:], data[written:])
		written += n
		off += int64(n)

		finalLen := existingLen
		if blockOffset+int64(n) > finalLen {
			finalLen = blockOffset + int64(n)
		}
		plain := append([]byte(nil), buf[:finalLen]...)
		cache.Put(blockNumber, plain)

		if !(ctx.AllowHoles() && finalLen == blockSize && isAllZero(plain)) {
			raw, err := ctx.EncodeBlock(blockNumber, plain)
			if err != nil {
				return written, newSize, err
			}
			if _, err := b.WriteAt(raw, blockStart); err != nil {
				return written, newSize, err
			}
		}

		if blockStart+finalLen > newSize {
			newSize = blockStart + finalLen
		}
	}
	return written, newSize, nil
}

// padGap materializes every block strictly between curSize's block and
// off's block as a full blockSize block before a write starts, so a
// write landing more than one block past the current end of file never
// leaves an intermediate block half partial-ciphertext, half
// zero-extended garbage. The block containing curSize, if partial, is
// re-encoded at full length with zero fill; blocks entirely beyond it
// are written as all-zero full blocks. A write that lands in the same
// block as curSize, or before it, touches no gap and is a no-op here.
func padGap(b Backing, ctx *FileContext, cache *BlockCache, scratch []byte, off, curSize int64) error {
	blockSize := int64(ctx.BlockSize())
	curBlock := uint64(curSize / blockSize)
	offBlock := uint64(off / blockSize)

	for bn := curBlock; bn < offBlock; bn++ {
		blockStart := int64(bn) * blockSize
		existingLen := int64(0)
		if blockStart < curSize {
			existingLen = curSize - blockStart
		}

		buf := scratch[:blockSize]
		for i := range buf {
			buf[i] = 0
		}
		if existingLen > 0 {
			plain, ok := cache.Get(bn)
			if !ok || int64(len(plain)) != existingLen {
				raw := make([]byte, existingLen)
				if _, err := b.ReadAt(raw, blockStart); err != nil && err != io.EOF {
					return err
				}
				decoded, _, err := ctx.DecodeBlock(bn, raw)
				if err != nil {
					return err
				}
				plain = decoded
			}
			copy(buf, plain)
		}

		padded := append([]byte(nil), buf...)
		cache.Put(bn, padded)

		if !(ctx.AllowHoles() && isAllZero(padded)) {
			raw, err := ctx.EncodeBlock(bn, padded)
			if err != nil {
				return err
			}
			if _, err := b.WriteAt(raw, blockStart); err != nil {
				return err
			}
		}
	}
	return nil
}
