package ext4

import (
	"errors"
	"fmt"
	"io"
)

// File is a cursor over an inode's data, in the style of os.File but
// backed by an ext4 inode rather than a host descriptor.
type File struct {
	fs       *Filesystem
	inode    *Inode
	position uint64
}

func newFile(fs *Filesystem, inode *Inode) *File {
	return &File{fs: fs, inode: inode, position: 0}
}

// Position returns the cursor's current byte offset.
func (f *File) Position() uint64 { return f.position }

// Size returns the file's current size in bytes, as last persisted on
// the backing inode.
func (f *File) Size() uint64 { return f.inode.Size }

// Inode exposes the backing inode, e.g. so a caller can inspect mode or
// link count without going back through the filesystem.
func (f *File) Inode() *Inode { return f.inode }

// Seek repositions the cursor per io.Seeker semantics (io.SeekStart,
// io.SeekCurrent, io.SeekEnd). Unlike a POSIX file, a position beyond
// the current size is rejected rather than silently allowed; growing
// the file is Write's and Truncate's job, not Seek's.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(f.position) + offset
	case io.SeekEnd:
		newPos = int64(f.inode.Size) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrInvalidArg, whence)
	}
	if newPos < 0 || newPos > int64(f.inode.Size) {
		return 0, fmt.Errorf("%w: seek position %d out of bounds for size %d", ErrInvalidArg, newPos, f.inode.Size)
	}
	f.position = uint64(newPos)
	return newPos, nil
}

// Read fills p from the current position, advancing it. A block that
// is unallocated (a sparse hole) or whose pointer resolves out of
// range reads as zeros rather than failing the whole read. A block
// whose lookup or read fails is also zero-filled and logged at warn
// level; plain holes are not logged.
func (f *File) Read(p []byte) (int, error) {
	if f.position >= f.inode.Size {
		return 0, io.EOF
	}

	blockSize := uint64(f.fs.superblock().BlockSize)
	total := 0
	remaining := f.inode.Size - f.position

	for total < len(p) && uint64(total) < remaining {
		blockOffset := f.position % blockSize
		toRead := int(blockSize - blockOffset)
		if toRead > len(p)-total {
			toRead = len(p) - total
		}
		if uint64(toRead) > remaining-uint64(total) {
			toRead = int(remaining - uint64(total))
		}

		physBlock, err := f.inode.BlockNumber(f.position, f.fs)
		if err != nil {
			log.WithError(err).Warnf("block resolution failed at offset %d, zero-filling", f.position)
			physBlock = 0
		}

		if physBlock == 0 {
			for i := 0; i < toRead; i++ {
				p[total+i] = 0
			}
		} else {
			buf := make([]byte, blockSize)
			if err := f.fs.readBlock(physBlock, buf); err != nil {
				log.WithError(err).Warnf("read error on block %d, zero-filling", physBlock)
				for i := 0; i < toRead; i++ {
					p[total+i] = 0
				}
			} else {
				copy(p[total:total+toRead], buf[blockOffset:blockOffset+uint64(toRead)])
			}
		}

		total += toRead
		f.position += uint64(toRead)
	}

	return total, nil
}

// Write stores p starting at the current position, allocating new
// blocks as needed and extending the inode's size and block count.
// The inode is persisted at the end of the call.
func (f *File) Write(p []byte) (int, error) {
	if f.fs.mountOptions.ReadOnly {
		return 0, ErrReadOnly
	}

	blockSize := uint64(f.fs.superblock().BlockSize)
	total := 0

	for total < len(p) {
		blockOffset := f.position % blockSize
		toWrite := int(blockSize - blockOffset)
		if toWrite > len(p)-total {
			toWrite = len(p) - total
		}

		li := f.position / blockSize
		physBlock, err := f.inode.BlockNumber(f.position, f.fs)
		if err != nil {
			return total, fmt.Errorf("resolving block at offset %d: %w", f.position, err)
		}

		buf := make([]byte, blockSize)
		if physBlock != 0 && (blockOffset != 0 || uint64(toWrite) < blockSize) {
			if err := f.fs.readBlock(physBlock, buf); err != nil {
				return total, fmt.Errorf("read-modify-write of block %d: %w", physBlock, err)
			}
		}

		if physBlock == 0 {
			newBlock, err := f.fs.allocBlock()
			if err != nil {
				return total, fmt.Errorf("allocating block for write at offset %d: %w", f.position, err)
			}
			if err := f.inode.SetBlock(li, newBlock, f.fs); err != nil {
				return total, fmt.Errorf("recording block %d at logical %d: %w", newBlock, li, err)
			}
			physBlock = newBlock
		}

		copy(buf[blockOffset:blockOffset+uint64(toWrite)], p[total:total+toWrite])
		if err := f.fs.writeBlock(physBlock, buf); err != nil {
			return total, fmt.Errorf("writing block %d: %w", physBlock, err)
		}

		total += toWrite
		f.position += uint64(toWrite)
	}

	if f.position > f.inode.Size {
		f.inode.Size = f.position
	}
	f.inode.Blocks = f.inode.BlockCount(f.fs.superblock().BlockSize)
	if err := f.fs.writeInode(f.inode); err != nil {
		return total, fmt.Errorf("persisting inode %d after write: %w", f.inode.Ino, err)
	}

	return total, nil
}

// Truncate resizes the file to size bytes. Growing the file allocates
// and zero-fills the newly covered blocks; shrinking it clears the
// pointers to blocks beyond the new size (or, for an extent-mapped
// inode, trims/drops the extents that covered them) but does not
// release the underlying blocks back to the free-block bitmap (see
// DESIGN.md).
func (f *File) Truncate(size uint64) error {
	if f.fs.mountOptions.ReadOnly {
		return ErrReadOnly
	}

	blockSize := uint64(f.fs.superblock().BlockSize)

	if size > f.inode.Size {
		oldBlocks := f.inode.BlockCount(f.fs.superblock().BlockSize)
		newBlocks := (size + blockSize - 1) / blockSize
		zero := make([]byte, blockSize)
		for li := oldBlocks; li < newBlocks; li++ {
			existing, err := f.inode.BlockNumber(li*blockSize, f.fs)
			if err != nil {
				if f.fs.superblock().HasExtents() && errors.Is(err, ErrBlockNotFound) {
					return fmt.Errorf("%w: growing an extent-mapped file", ErrNotSupported)
				}
				return err
			}
			if existing != 0 {
				continue
			}
			newBlock, err := f.fs.allocBlock()
			if err != nil {
				return fmt.Errorf("allocating block %d while growing to size %d: %w", li, size, err)
			}
			if err := f.fs.writeBlock(newBlock, zero); err != nil {
				return err
			}
			if err := f.inode.SetBlock(li, newBlock, f.fs); err != nil {
				return err
			}
		}
	} else if size < f.inode.Size {
		newBlocks := (size + blockSize - 1) / blockSize
		oldBlocks := f.inode.BlockCount(f.fs.superblock().BlockSize)
		if f.fs.superblock().HasExtents() {
			f.inode.TruncateExtents(uint32(newBlocks))
		} else {
			for li := newBlocks; li < oldBlocks; li++ {
				if err := f.inode.SetBlock(li, 0, f.fs); err != nil {
					return err
				}
			}
		}
	}

	f.inode.Size = size
	f.inode.Blocks = f.inode.BlockCount(f.fs.superblock().BlockSize)
	return f.fs.writeInode(f.inode)
}
