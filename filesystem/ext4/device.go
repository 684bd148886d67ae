package ext4

import (
	"fmt"
	"sync"

	"github.com/go-ext4fs/ext4/backend"
)

// Device is the narrow block-oriented contract the filesystem needs from
// whatever backs it. It knows nothing about ext4; it is just fixed-size
// block I/O plus geometry.
type Device interface {
	// BlockSize is the size, in bytes, of a single device block.
	BlockSize() uint32
	// NumBlocks is the total number of addressable blocks.
	NumBlocks() uint32
	// ReadBlock reads exactly BlockSize() bytes for the given block
	// index into buf. len(buf) must equal BlockSize().
	ReadBlock(block uint32, buf []byte) error
	// WriteBlock writes exactly BlockSize() bytes from buf to the given
	// block index. len(buf) must equal BlockSize().
	WriteBlock(block uint32, buf []byte) error
}

// FileDevice adapts a backend.Storage into the block-oriented Device
// contract.
type FileDevice struct {
	storage   backend.Storage
	blockSize uint32
	numBlocks uint32
}

// NewFileDevice wraps an already-open backend.Storage as a Device with
// the given block size. The storage's total size determines numBlocks;
// a short final block is not addressable.
func NewFileDevice(storage backend.Storage, blockSize uint32) (*FileDevice, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("%w: block size must be nonzero", ErrInvalidArg)
	}
	info, err := storage.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat backing storage: %w", err)
	}
	return newFileDeviceWithSize(storage, blockSize, info.Size())
}

// NewFileDeviceAtOffset mounts a Device over a byte-range of storage
// starting at byteOffset and spanning size bytes, using backend.Sub to
// scope reads and writes to that range. This is the common case of an
// ext4 image embedded in a larger disk image at a nonzero partition
// offset, where the outer storage's own Stat reports the size of the
// whole disk rather than the partition.
func NewFileDeviceAtOffset(storage backend.Storage, blockSize uint32, byteOffset, size int64) (*FileDevice, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("%w: block size must be nonzero", ErrInvalidArg)
	}
	return newFileDeviceWithSize(backend.Sub(storage, byteOffset, size), blockSize, size)
}

func newFileDeviceWithSize(storage backend.Storage, blockSize uint32, size int64) (*FileDevice, error) {
	return &FileDevice{
		storage:   storage,
		blockSize: blockSize,
		numBlocks: uint32(size / int64(blockSize)),
	}, nil
}

func (d *FileDevice) BlockSize() uint32 { return d.blockSize }
func (d *FileDevice) NumBlocks() uint32 { return d.numBlocks }

func (d *FileDevice) ReadBlock(block uint32, buf []byte) error {
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: read buffer size %d does not match block size %d", ErrInvalidInput, len(buf), d.blockSize)
	}
	n, err := d.storage.ReadAt(buf, int64(block)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("%w: reading block %d: %v", ErrIO, block, err)
	}
	if uint32(n) != d.blockSize {
		return fmt.Errorf("%w: short read on block %d: got %d of %d bytes", ErrIO, block, n, d.blockSize)
	}
	return nil
}

func (d *FileDevice) WriteBlock(block uint32, buf []byte) error {
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: write buffer size %d does not match block size %d", ErrInvalidInput, len(buf), d.blockSize)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: backing storage is not writable: %v", ErrReadOnly, err)
	}
	n, err := w.WriteAt(buf, int64(block)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("%w: writing block %d: %v", ErrIO, block, err)
	}
	if uint32(n) != d.blockSize {
		return fmt.Errorf("%w: short write on block %d: wrote %d of %d bytes", ErrIO, block, n, d.blockSize)
	}
	return nil
}

// MemDevice is an in-memory Device, used by tests as a mock block
// device.
type MemDevice struct {
	mu        sync.Mutex
	blockSize uint32
	blocks    [][]byte
}

// NewMemDevice creates a zero-filled in-memory device of numBlocks
// blocks of blockSize bytes each.
func NewMemDevice(blockSize, numBlocks uint32) *MemDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemDevice{blockSize: blockSize, blocks: blocks}
}

func (d *MemDevice) BlockSize() uint32 { return d.blockSize }
func (d *MemDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemDevice) ReadBlock(block uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: read buffer size %d does not match block size %d", ErrInvalidInput, len(buf), d.blockSize)
	}
	if block >= uint32(len(d.blocks)) {
		return fmt.Errorf("%w: block %d out of range (have %d blocks)", ErrBlockNotFound, block, len(d.blocks))
	}
	copy(buf, d.blocks[block])
	return nil
}

func (d *MemDevice) WriteBlock(block uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: write buffer size %d does not match block size %d", ErrInvalidInput, len(buf), d.blockSize)
	}
	if block >= uint32(len(d.blocks)) {
		return fmt.Errorf("%w: block %d out of range (have %d blocks)", ErrBlockNotFound, block, len(d.blocks))
	}
	copy(d.blocks[block], buf)
	return nil
}
