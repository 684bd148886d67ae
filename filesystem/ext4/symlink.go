package ext4

import (
	"encoding/binary"
	"fmt"
)

// symlinkInlineThreshold is the size below which a target path is
// stored directly in the inode's 60-byte block array instead of in a
// data block.
const symlinkInlineThreshold = 60

// Symlink wraps an inode known to be of type symlink.
type Symlink struct {
	fs    *Filesystem
	inode *Inode
}

func newSymlink(fs *Filesystem, inode *Inode) (*Symlink, error) {
	if !inode.IsSymlink() {
		return nil, fmt.Errorf("%w: inode %d is not a symlink", ErrInvalidInput, inode.Ino)
	}
	return &Symlink{fs: fs, inode: inode}, nil
}

// ReadLink resolves the target path of the symlink inode ino.
func (fs *Filesystem) ReadLink(ino uint32) (string, error) {
	in, err := fs.GetInode(ino)
	if err != nil {
		return "", err
	}
	sl, err := newSymlink(fs, in)
	if err != nil {
		return "", err
	}
	return sl.Target()
}

// Target returns the link's target path. For a fast (inline) symlink
// the target is read directly out of the block array; otherwise it is
// walked block by block, as a file's data would be, concatenating each
// block's bytes until inode.Size bytes have been collected. A zero
// block pointer partway through ends the walk early with whatever was
// collected so far.
func (s *Symlink) Target() (string, error) {
	if s.inode.Size < symlinkInlineThreshold {
		buf := make([]byte, blockPointers*4)
		for i, v := range s.inode.Block {
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
		}
		return string(buf[:s.inode.Size]), nil
	}

	blockSize := uint64(s.fs.superblock().BlockSize)
	numBlocks := s.inode.BlockCount(s.fs.superblock().BlockSize)
	target := make([]byte, 0, s.inode.Size)
	for li := uint64(0); li < numBlocks; li++ {
		physBlock, err := s.inode.BlockNumber(li*blockSize, s.fs)
		if err != nil {
			return "", fmt.Errorf("resolving symlink target block %d: %w", li, err)
		}
		if physBlock == 0 {
			break
		}
		buf := make([]byte, blockSize)
		if err := s.fs.readBlock(physBlock, buf); err != nil {
			return "", err
		}
		remaining := s.inode.Size - uint64(len(target))
		take := blockSize
		if remaining < take {
			take = remaining
		}
		target = append(target, buf[:take]...)
	}
	return string(target), nil
}

// CreateSymlink allocates an inode for a symlink but does not yet
// populate its mode, size, target bytes, or parent directory entry.
// Callers must treat the returned inode as a placeholder.
// TODO: persist the target (inline for < 60 bytes, block-resident
// otherwise) and link the inode into its parent directory.
func CreateSymlink(fs *Filesystem, target string) (*Inode, error) {
	if fs.mountOptions.ReadOnly {
		return nil, ErrReadOnly
	}
	ino, err := fs.allocInode()
	if err != nil {
		return nil, fmt.Errorf("allocating inode for symlink: %w", err)
	}
	log.Warnf("CreateSymlink: inode %d allocated but target %q not yet persisted", ino, target)
	return NewInode(ino), nil
}
