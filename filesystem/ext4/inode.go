package ext4

import (
	"encoding/binary"
	"fmt"
)

// Mode bits, mirroring the standard ext4 inode i_mode layout: the top
// nibble is the file-type tag, the rest POSIX permission/setuid bits.
const (
	ModeIFMT   = 0xF000
	ModeIFIFO  = 0x1000
	ModeIFCHR  = 0x2000
	ModeIFDIR  = 0x4000
	ModeIFBLK  = 0x6000
	ModeIFREG  = 0x8000
	ModeIFLNK  = 0xA000
	ModeIFSOCK = 0xC000

	ModeISUID = 0x0800
	ModeISGID = 0x0400
	ModeISVTX = 0x0200

	ModeIRUSR = 0x0100
	ModeIWUSR = 0x0080
	ModeIXUSR = 0x0040
	ModeIRGRP = 0x0020
	ModeIWGRP = 0x0010
	ModeIXGRP = 0x0008
	ModeIROTH = 0x0004
	ModeIWOTH = 0x0002
	ModeIXOTH = 0x0001

	// DefaultFileMode and DefaultDirMode are convenience defaults used
	// by Filesystem.CreateFile/CreateDir callers who don't care to spell
	// out permission bits.
	DefaultFileMode = ModeIFREG | ModeIRUSR | ModeIWUSR | ModeIRGRP | ModeIROTH
	DefaultDirMode  = ModeIFDIR | ModeIRUSR | ModeIWUSR | ModeIXUSR | ModeIRGRP | ModeIXGRP | ModeIROTH | ModeIXOTH
)

// InodeType classifies an inode's file-type tag.
type InodeType int

const (
	TypeFile InodeType = iota
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFifo
	TypeSocket
	TypeSymlink
)

const (
	inodeMinSize     = 128
	inodeOnDiskSize  = 256
	directBlocks     = 12
	indirectBlock    = 12
	doublyIndirect   = 13
	triplyIndirect   = 14
	blockPointers    = 15
)

// Inode is the parsed 128- or 256-byte ext4 inode record.
type Inode struct {
	Ino         uint32
	Mode        uint16
	UID         uint16
	Size        uint64
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	// Blocks counts allocated blocks at filesystem block-size
	// granularity, not the on-disk 512-byte-sector convention.
	Blocks uint64
	Flags       uint32
	Version     uint32
	Block       [blockPointers]uint32
	Generation  uint32
	FileACL     uint32
	DirACL      uint32
	Faddr       uint32
	ExtraISize  uint16
	Checksum    uint16
	CtimeExtra  uint32
	MtimeExtra  uint32
	AtimeExtra  uint32
	Crtime      uint32
	CrtimeExtra uint32
}

// InodeFromBytes parses one inode image. data must be at least 128
// bytes (the revision-0 inode size); if it is at least 160 bytes the
// extended (rev-1) timestamp and high-size fields are also decoded.
// Checksum fields are parsed but never validated, per this driver's
// scope.
func InodeFromBytes(data []byte, ino uint32) (*Inode, error) {
	if len(data) < inodeMinSize {
		return nil, fmt.Errorf("%w: inode buffer is %d bytes, need %d", ErrInvalidInput, len(data), inodeMinSize)
	}

	in := &Inode{
		Ino:        ino,
		Mode:       binary.LittleEndian.Uint16(data[0:2]),
		UID:        binary.LittleEndian.Uint16(data[2:4]),
		Atime:      binary.LittleEndian.Uint32(data[8:12]),
		Ctime:      binary.LittleEndian.Uint32(data[12:16]),
		Mtime:      binary.LittleEndian.Uint32(data[16:20]),
		Dtime:      binary.LittleEndian.Uint32(data[20:24]),
		GID:        binary.LittleEndian.Uint16(data[24:26]),
		LinksCount: binary.LittleEndian.Uint16(data[26:28]),
		Flags:      binary.LittleEndian.Uint32(data[32:36]),
		Version:    binary.LittleEndian.Uint32(data[36:40]),
	}

	sizeLo := binary.LittleEndian.Uint32(data[4:8])
	// The on-disk blocks field is 32-bit; the high half of Blocks is
	// always zero.
	blocksLo := binary.LittleEndian.Uint32(data[28:32])
	in.Blocks = uint64(blocksLo)

	for i := 0; i < blockPointers; i++ {
		off := 40 + i*4
		in.Block[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}

	in.Generation = binary.LittleEndian.Uint32(data[100:104])
	in.FileACL = binary.LittleEndian.Uint32(data[104:108])
	in.DirACL = binary.LittleEndian.Uint32(data[108:112])
	in.Faddr = binary.LittleEndian.Uint32(data[112:116])

	var sizeHi uint32
	if len(data) >= inodeMinSize+32 {
		in.ExtraISize = binary.LittleEndian.Uint16(data[116:118])
		in.Checksum = binary.LittleEndian.Uint16(data[118:120])
		if len(data) >= 156 {
			in.CtimeExtra = binary.LittleEndian.Uint32(data[120:124])
			in.MtimeExtra = binary.LittleEndian.Uint32(data[124:128])
			in.AtimeExtra = binary.LittleEndian.Uint32(data[128:132])
			in.Crtime = binary.LittleEndian.Uint32(data[132:136])
			in.CrtimeExtra = binary.LittleEndian.Uint32(data[136:140])
			sizeHi = binary.LittleEndian.Uint32(data[140:144])
		}
	}
	in.Size = uint64(sizeHi)<<32 | uint64(sizeLo)

	return in, nil
}

// NewInode creates a zero-valued regular-file inode ready for
// initialization by a caller (CreateFile/CreateDir/CreateSymlink).
func NewInode(ino uint32) *Inode {
	return &Inode{Ino: ino, Mode: ModeIFREG, LinksCount: 1}
}

// ToBytes always serializes a full 256-byte image, regardless of the
// revision the inode was parsed from (do not truncate).
func (in *Inode) ToBytes() []byte {
	data := make([]byte, inodeOnDiskSize)

	binary.LittleEndian.PutUint16(data[0:2], in.Mode)
	binary.LittleEndian.PutUint16(data[2:4], in.UID)
	binary.LittleEndian.PutUint32(data[4:8], uint32(in.Size))
	binary.LittleEndian.PutUint32(data[8:12], in.Atime)
	binary.LittleEndian.PutUint32(data[12:16], in.Ctime)
	binary.LittleEndian.PutUint32(data[16:20], in.Mtime)
	binary.LittleEndian.PutUint32(data[20:24], in.Dtime)
	binary.LittleEndian.PutUint16(data[24:26], in.GID)
	binary.LittleEndian.PutUint16(data[26:28], in.LinksCount)
	binary.LittleEndian.PutUint32(data[28:32], uint32(in.Blocks))
	binary.LittleEndian.PutUint32(data[32:36], in.Flags)
	binary.LittleEndian.PutUint32(data[36:40], in.Version)

	for i := 0; i < blockPointers; i++ {
		off := 40 + i*4
		binary.LittleEndian.PutUint32(data[off:off+4], in.Block[i])
	}

	binary.LittleEndian.PutUint32(data[100:104], in.Generation)
	binary.LittleEndian.PutUint32(data[104:108], in.FileACL)
	binary.LittleEndian.PutUint32(data[108:112], in.DirACL)
	binary.LittleEndian.PutUint32(data[112:116], in.Faddr)

	binary.LittleEndian.PutUint16(data[116:118], in.ExtraISize)
	binary.LittleEndian.PutUint16(data[118:120], in.Checksum)
	binary.LittleEndian.PutUint32(data[120:124], in.CtimeExtra)
	binary.LittleEndian.PutUint32(data[124:128], in.MtimeExtra)
	binary.LittleEndian.PutUint32(data[128:132], in.AtimeExtra)
	binary.LittleEndian.PutUint32(data[132:136], in.Crtime)
	binary.LittleEndian.PutUint32(data[136:140], in.CrtimeExtra)
	binary.LittleEndian.PutUint32(data[140:144], uint32(in.Size>>32))

	return data
}

// Type classifies the inode by its mode's type nibble.
func (in *Inode) Type() InodeType {
	switch in.Mode & ModeIFMT {
	case ModeIFDIR:
		return TypeDirectory
	case ModeIFCHR:
		return TypeCharDevice
	case ModeIFBLK:
		return TypeBlockDevice
	case ModeIFIFO:
		return TypeFifo
	case ModeIFSOCK:
		return TypeSocket
	case ModeIFLNK:
		return TypeSymlink
	default:
		return TypeFile
	}
}

func (in *Inode) IsDir() bool     { return in.Type() == TypeDirectory }
func (in *Inode) IsFile() bool    { return in.Type() == TypeFile }
func (in *Inode) IsSymlink() bool { return in.Type() == TypeSymlink }

// Permissions returns the low 12 POSIX permission/setuid/setgid/sticky
// bits of Mode.
func (in *Inode) Permissions() uint16 {
	return in.Mode & (ModeISUID | ModeISGID | ModeISVTX |
		ModeIRUSR | ModeIWUSR | ModeIXUSR |
		ModeIRGRP | ModeIWGRP | ModeIXGRP |
		ModeIROTH | ModeIWOTH | ModeIXOTH)
}

// blockFS is the capability set Inode needs from its owning filesystem
// to resolve and allocate logical blocks. The Filesystem type satisfies
// it; tests may supply a narrower fake.
type blockFS interface {
	superblock() *Superblock
	readBlock(block uint32, buf []byte) error
	writeBlock(block uint32, buf []byte) error
	allocBlock() (uint32, error)
}

// BlockNumber resolves logical block index li (offset/blockSize) to a
// physical block number, following the extent tree when the filesystem
// has extents enabled, or the traditional 12-direct + 3-indirect scheme
// otherwise. Under the traditional scheme a sparse or out-of-range
// pointer resolves to 0; under the extent tree a logical block that no
// extent covers returns ErrBlockNotFound.
func (in *Inode) BlockNumber(offset uint64, fs blockFS) (uint32, error) {
	sb := fs.superblock()
	blockSize := sb.BlockSize
	li := offset / uint64(blockSize)

	if sb.HasExtents() {
		return findBlockInExtentTree(fs, &in.Block, uint32(li))
	}

	validate := func(b uint32) uint32 {
		if b == 0 || uint64(b) >= sb.BlocksCount {
			return 0
		}
		return b
	}

	ppb := uint64(blockSize) / 4

	switch {
	case li < directBlocks:
		return validate(in.Block[li]), nil
	case li < directBlocks+ppb:
		if in.Block[indirectBlock] == 0 {
			return 0, nil
		}
		b, err := readIndirectEntry(fs, in.Block[indirectBlock], uint32(li-directBlocks))
		if err != nil {
			return 0, err
		}
		return validate(b), nil
	case li < directBlocks+ppb+ppb*ppb:
		if in.Block[doublyIndirect] == 0 {
			return 0, nil
		}
		di := li - directBlocks - ppb
		first := di / ppb
		second := di % ppb
		l1, err := readIndirectEntry(fs, in.Block[doublyIndirect], uint32(first))
		if err != nil || l1 == 0 {
			return 0, err
		}
		b, err := readIndirectEntry(fs, l1, uint32(second))
		if err != nil {
			return 0, err
		}
		return validate(b), nil
	default:
		if in.Block[triplyIndirect] == 0 {
			return 0, nil
		}
		ti := li - directBlocks - ppb - ppb*ppb
		first := ti / (ppb * ppb)
		rem := ti % (ppb * ppb)
		second := rem / ppb
		third := rem % ppb
		l1, err := readIndirectEntry(fs, in.Block[triplyIndirect], uint32(first))
		if err != nil || l1 == 0 {
			return 0, err
		}
		l2, err := readIndirectEntry(fs, l1, uint32(second))
		if err != nil || l2 == 0 {
			return 0, err
		}
		b, err := readIndirectEntry(fs, l2, uint32(third))
		if err != nil {
			return 0, err
		}
		return validate(b), nil
	}
}

func readIndirectEntry(fs blockFS, indirectBlockNum uint32, index uint32) (uint32, error) {
	if indirectBlockNum == 0 {
		return 0, nil
	}
	buf := make([]byte, fs.superblock().BlockSize)
	if err := fs.readBlock(indirectBlockNum, buf); err != nil {
		return 0, err
	}
	off := uint64(index) * 4
	if off+4 > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: indirect block index %d out of range", ErrInvalidInput, index)
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), nil
}

func writeIndirectEntry(fs blockFS, indirectBlockNum uint32, index uint32, value uint32) error {
	buf := make([]byte, fs.superblock().BlockSize)
	if err := fs.readBlock(indirectBlockNum, buf); err != nil {
		return err
	}
	off := uint64(index) * 4
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("%w: indirect block index %d out of range", ErrInvalidInput, index)
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], value)
	return fs.writeBlock(indirectBlockNum, buf)
}

// allocZeroed allocates a block and zero-initializes it on disk,
// returning its number; used when growing indirect chains.
func allocZeroed(fs blockFS) (uint32, error) {
	b, err := fs.allocBlock()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, fs.superblock().BlockSize)
	if err := fs.writeBlock(b, zero); err != nil {
		return 0, err
	}
	return b, nil
}

// SetBlock allocates (if needed) intermediate indirect blocks and
// records blockNum as the physical block for logical index li. This
// only applies to the traditional mapping scheme; extent-tree growth
// on write is out of scope (see DESIGN.md).
func (in *Inode) SetBlock(li uint64, blockNum uint32, fs blockFS) error {
	blockSize := fs.superblock().BlockSize
	ppb := uint64(blockSize) / 4

	switch {
	case li < directBlocks:
		in.Block[li] = blockNum
		return nil
	case li < directBlocks+ppb:
		if in.Block[indirectBlock] == 0 {
			b, err := allocZeroed(fs)
			if err != nil {
				return err
			}
			in.Block[indirectBlock] = b
		}
		return writeIndirectEntry(fs, in.Block[indirectBlock], uint32(li-directBlocks), blockNum)
	case li < directBlocks+ppb+ppb*ppb:
		if in.Block[doublyIndirect] == 0 {
			b, err := allocZeroed(fs)
			if err != nil {
				return err
			}
			in.Block[doublyIndirect] = b
		}
		di := li - directBlocks - ppb
		first := uint32(di / ppb)
		second := uint32(di % ppb)
		l1, err := readIndirectEntry(fs, in.Block[doublyIndirect], first)
		if err != nil {
			return err
		}
		if l1 == 0 {
			l1, err = allocZeroed(fs)
			if err != nil {
				return err
			}
			if err := writeIndirectEntry(fs, in.Block[doublyIndirect], first, l1); err != nil {
				return err
			}
		}
		return writeIndirectEntry(fs, l1, second, blockNum)
	default:
		if in.Block[triplyIndirect] == 0 {
			b, err := allocZeroed(fs)
			if err != nil {
				return err
			}
			in.Block[triplyIndirect] = b
		}
		ti := li - directBlocks - ppb - ppb*ppb
		first := uint32(ti / (ppb * ppb))
		rem := ti % (ppb * ppb)
		second := uint32(rem / ppb)
		third := uint32(rem % ppb)

		l1, err := readIndirectEntry(fs, in.Block[triplyIndirect], first)
		if err != nil {
			return err
		}
		if l1 == 0 {
			l1, err = allocZeroed(fs)
			if err != nil {
				return err
			}
			if err := writeIndirectEntry(fs, in.Block[triplyIndirect], first, l1); err != nil {
				return err
			}
		}
		l2, err := readIndirectEntry(fs, l1, second)
		if err != nil {
			return err
		}
		if l2 == 0 {
			l2, err = allocZeroed(fs)
			if err != nil {
				return err
			}
			if err := writeIndirectEntry(fs, l1, second, l2); err != nil {
				return err
			}
		}
		return writeIndirectEntry(fs, l2, third, blockNum)
	}
}

// BlockCount is the number of blockSize-granular blocks this inode's
// Size implies.
func (in *Inode) BlockCount(blockSize uint32) uint64 {
	return (in.Size + uint64(blockSize) - 1) / uint64(blockSize)
}

// TruncateExtents shrinks an extent-mapped inode's inline root so it no
// longer describes logical blocks at or beyond newBlocks: extents
// entirely past newBlocks are dropped and one straddling the boundary
// is shortened. Only meaningful when the owning filesystem has extents
// enabled; see extent.go for the out-of-line-root limitation.
func (in *Inode) TruncateExtents(newBlocks uint32) {
	truncateExtentRoot(&in.Block, newBlocks)
}
