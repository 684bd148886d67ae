package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	groupDescMinSize = 32
	groupDescMaxSize = 64
)

// GroupDescriptor is one block-group descriptor, 32 bytes on revision 0
// filesystems and 64 bytes (with the extended tail) otherwise.
type GroupDescriptor struct {
	BlockBitmap      uint32
	InodeBitmap      uint32
	InodeTable       uint32
	FreeBlocksCount  uint16
	FreeInodesCount  uint16
	UsedDirsCount    uint16
	Flags            uint16
	ExcludeBitmap    uint32
	BlockBitmapCsum  uint16
	InodeBitmapCsum  uint16
	ItableUnused     uint16
	Checksum         uint16
}

// GroupDescriptorFromBytes parses one descriptor from a 32- or 64-byte
// slice. The extended (rev-1) tail is only decoded when data is at
// least 64 bytes long.
func GroupDescriptorFromBytes(data []byte) (*GroupDescriptor, error) {
	if len(data) < groupDescMinSize {
		return nil, fmt.Errorf("%w: group descriptor buffer is %d bytes, need %d", ErrInvalidInput, len(data), groupDescMinSize)
	}

	gd := &GroupDescriptor{
		BlockBitmap:     binary.LittleEndian.Uint32(data[0:4]),
		InodeBitmap:     binary.LittleEndian.Uint32(data[4:8]),
		InodeTable:      binary.LittleEndian.Uint32(data[8:12]),
		FreeBlocksCount: binary.LittleEndian.Uint16(data[12:14]),
		FreeInodesCount: binary.LittleEndian.Uint16(data[14:16]),
		UsedDirsCount:   binary.LittleEndian.Uint16(data[16:18]),
		Flags:           binary.LittleEndian.Uint16(data[18:20]),
	}

	if len(data) >= groupDescMaxSize {
		gd.ExcludeBitmap = binary.LittleEndian.Uint32(data[20:24])
		gd.BlockBitmapCsum = binary.LittleEndian.Uint16(data[24:26])
		gd.InodeBitmapCsum = binary.LittleEndian.Uint16(data[26:28])
		gd.ItableUnused = binary.LittleEndian.Uint16(data[28:30])
		gd.Checksum = binary.LittleEndian.Uint16(data[30:32])
	}

	return gd, nil
}

// ToBytes always serializes the full 64-byte image, regardless of how
// the descriptor was originally parsed.
func (gd *GroupDescriptor) ToBytes() []byte {
	data := make([]byte, groupDescMaxSize)
	binary.LittleEndian.PutUint32(data[0:4], gd.BlockBitmap)
	binary.LittleEndian.PutUint32(data[4:8], gd.InodeBitmap)
	binary.LittleEndian.PutUint32(data[8:12], gd.InodeTable)
	binary.LittleEndian.PutUint16(data[12:14], gd.FreeBlocksCount)
	binary.LittleEndian.PutUint16(data[14:16], gd.FreeInodesCount)
	binary.LittleEndian.PutUint16(data[16:18], gd.UsedDirsCount)
	binary.LittleEndian.PutUint16(data[18:20], gd.Flags)
	binary.LittleEndian.PutUint32(data[20:24], gd.ExcludeBitmap)
	binary.LittleEndian.PutUint16(data[24:26], gd.BlockBitmapCsum)
	binary.LittleEndian.PutUint16(data[26:28], gd.InodeBitmapCsum)
	binary.LittleEndian.PutUint16(data[28:30], gd.ItableUnused)
	binary.LittleEndian.PutUint16(data[30:32], gd.Checksum)
	return data
}

// SetFreeBlocksCount mutates the free-block counter; allocation and
// release paths call this to keep the descriptor's count consistent
// with the block bitmap.
func (gd *GroupDescriptor) SetFreeBlocksCount(n uint16) { gd.FreeBlocksCount = n }

// SetFreeInodesCount mutates the free-inode counter.
func (gd *GroupDescriptor) SetFreeInodesCount(n uint16) { gd.FreeInodesCount = n }

// SetUsedDirsCount mutates the used-directories counter.
func (gd *GroupDescriptor) SetUsedDirsCount(n uint16) { gd.UsedDirsCount = n }

// descSizeFor returns 64 for revision >= 1 filesystems, 32 otherwise.
// It is keyed on the revision level alone; Superblock.DescSize is not
// consulted.
func descSizeFor(sb *Superblock) uint32 {
	if sb.RevLevel >= 1 {
		return groupDescMaxSize
	}
	return groupDescMinSize
}
