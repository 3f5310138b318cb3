package fs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	"github.com/jailboxfs/fuseoverlayfs/internal/mutate"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
)

// fileHandle is the open-file state go-fuse hands back to Read/Write/
// Flush/Fsync/Release: the backing descriptor, the owning node's crypto
// context and block cache, and the plaintext size tracked independent
// of the encrypted backing file's size.
type fileHandle struct {
	mu   sync.Mutex
	fd   *os.File
	n    *Node
	size int64
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if err := n.ensureCopiedUp(ctx); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	hostUID, hostGID := callerIdentity(ctx)
	hostUID32, hostGID32 := n.mapIdentityIn(uint32(hostUID), uint32(hostGID))

	n.tree.mu.Lock()
	up := n.upper()
	rel, err := mutate.Mknod(up, n.data.Path, name, unix.S_IFREG|(mode&0o7777), 0, int(hostUID32), int(hostGID32))
	n.tree.mu.Unlock()
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	d := &node.Data{Name: name, Path: rel, OriginLayer: up.Position(), LastLayer: up.Position()}
	n.statInto(d)

	n.tree.mu.Lock()
	child := n.attach(ctx, d)
	n.fillEntryOut(d, out)
	n.tree.mu.Unlock()

	childNode := child.Operations().(*Node)
	fh, errno := childNode.openHandle(int(flags) | os.O_RDWR)
	return child, fh, fuse.FOPEN_DIRECT_IO, errno
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.checkAccess(ctx); errno != 0 {
		return nil, 0, errno
	}
	writing := int(flags)&(os.O_WRONLY|os.O_RDWR) != 0
	if writing {
		if err := n.ensureCopiedUp(ctx); err != nil {
			return nil, 0, toErrno(err)
		}
	}
	fh, errno := n.openHandle(int(flags))
	return fh, fuse.FOPEN_DIRECT_IO, errno
}

func (n *Node) openHandle(flags int) (*fileHandle, syscall.Errno) {
	store := n.storeFor(n.data.OriginLayer)
	if store == nil {
		return nil, syscall.ENOENT
	}
	fd, err := store.Open(n.data.Path, flags&^unix.O_CREAT, 0)
	if err != nil {
		return nil, toErrno(err)
	}

	n.data.Mu.Lock()
	if n.data.CryptoCtx == nil {
		ctx, cerr := crypto.NewFileContext(n.tree.CryptoKey, fileBaseIV(n.data), n.tree.CryptoCfg)
		if cerr == nil {
			n.data.CryptoCtx = ctx
			n.data.Cache = crypto.NewBlockCache(n.tree.CryptoCfg.BlockSize)
		}
	}
	n.data.Mu.Unlock()

	st, err := store.Stat(n.data.Path)
	plainSize := int64(0)
	if err == nil {
		plainSize = st.Size
	}
	return &fileHandle{fd: fd, n: n, size: plainSize}, fs.OK
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if !n.onUpper() {
		// Lower-layer content is plaintext; only upper-layer content
		// goes through the block codec.
		got, err := fh.fd.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			return nil, toErrno(err)
		}
		return fuse.ReadResultData(dest[:got]), fs.OK
	}

	n.data.Mu.Lock()
	ctxCrypto, cache := n.data.CryptoCtx, n.data.Cache
	n.data.Mu.Unlock()

	got, err := crypto.ReadAt(fh.fd, ctxCrypto, cache, dest, off, fh.size)
	if err != nil && err != io.EOF {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:got]), fs.OK
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EIO
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()

	n.data.Mu.Lock()
	ctxCrypto, cache := n.data.CryptoCtx, n.data.Cache
	n.data.Mu.Unlock()

	written, newSize, err := crypto.WriteAt(fh.fd, ctxCrypto, cache, data, off, fh.size)
	if err != nil {
		return 0, toErrno(err)
	}
	fh.size = newSize
	return uint32(written), fs.OK
}

// Flush dups and closes the backing descriptor, the standard loopback
// trick for surfacing a delayed writeback error to the close(2) caller
// without closing the handle Release still owns.
func (n *Node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EIO
	}
	newFd, err := unix.Dup(int(fh.fd.Fd()))
	if err != nil {
		return toErrno(err)
	}
	return toErrno(unix.Close(newFd))
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	if !n.tree.Fsync {
		return fs.OK
	}
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EIO
	}
	if err := fh.fd.Sync(); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EIO
	}
	return toErrno(fh.fd.Close())
}
