package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/go-ext4fs/ext4/util"
)

const (
	superblockMagic       = 0xEF53
	superblockOffsetBytes = 1024
	superblockSizeBytes   = 1024

	// incompatFeatureExtents is the feature-incompat bit that marks an
	// inode's block array as an extent tree rather than direct/indirect
	// block pointers.
	incompatFeatureExtents = 0x0040
)

// Superblock is the parsed ext4 superblock. Field names follow the
// on-disk s_* names with the s_ prefix dropped.
type Superblock struct {
	InodesCount         uint32
	BlocksCount         uint64
	ReservedBlocksCount uint64
	FreeBlocksCount     uint64
	FreeInodesCount     uint32
	FirstDataBlock      uint32
	LogBlockSize        uint32
	BlockSize           uint32
	BlocksPerGroup      uint32
	InodesPerGroup      uint32
	MountTime           uint32
	WriteTime           uint32
	MountCount          uint16
	MaxMountCount       uint16
	Magic               uint16
	State               uint16
	Errors              uint16
	MinorRevLevel       uint16
	LastCheckTime       uint32
	CheckInterval       uint32
	CreatorOS           uint32
	RevLevel            uint32
	DefaultReservedUID  uint16
	DefaultReservedGID  uint16
	FirstInode          uint32
	InodeSize           uint16
	BlockGroupNr        uint16
	FeatureCompat       uint32
	FeatureIncompat     uint32
	FeatureROCompat     uint32
	UUID                uuid.UUID
	VolumeName          string
	LastMounted         string
	DescSize            uint16
}

// SuperblockFromBytes parses a Superblock from a 1024-byte buffer
// holding exactly the superblock image (i.e. already extracted from its
// device blocks at byte offset 1024; see ReadSuperblockFromDevice).
func SuperblockFromBytes(data []byte) (*Superblock, error) {
	if len(data) < superblockSizeBytes {
		return nil, fmt.Errorf("%w: superblock buffer is %d bytes, need %d", ErrInvalidInput, len(data), superblockSizeBytes)
	}

	sb := &Superblock{
		InodesCount:        binary.LittleEndian.Uint32(data[0:4]),
		FreeInodesCount:    binary.LittleEndian.Uint32(data[16:20]),
		FirstDataBlock:     binary.LittleEndian.Uint32(data[20:24]),
		LogBlockSize:       binary.LittleEndian.Uint32(data[24:28]),
		BlocksPerGroup:     binary.LittleEndian.Uint32(data[32:36]),
		InodesPerGroup:     binary.LittleEndian.Uint32(data[40:44]),
		MountTime:          binary.LittleEndian.Uint32(data[44:48]),
		WriteTime:          binary.LittleEndian.Uint32(data[48:52]),
		MountCount:         binary.LittleEndian.Uint16(data[52:54]),
		MaxMountCount:      binary.LittleEndian.Uint16(data[54:56]),
		Magic:              binary.LittleEndian.Uint16(data[56:58]),
		State:              binary.LittleEndian.Uint16(data[58:60]),
		Errors:             binary.LittleEndian.Uint16(data[60:62]),
		MinorRevLevel:      binary.LittleEndian.Uint16(data[62:64]),
		LastCheckTime:      binary.LittleEndian.Uint32(data[64:68]),
		CheckInterval:      binary.LittleEndian.Uint32(data[68:72]),
		CreatorOS:          binary.LittleEndian.Uint32(data[72:76]),
		RevLevel:           binary.LittleEndian.Uint32(data[76:80]),
		DefaultReservedUID: binary.LittleEndian.Uint16(data[80:82]),
		DefaultReservedGID: binary.LittleEndian.Uint16(data[82:84]),
		FirstInode:         binary.LittleEndian.Uint32(data[84:88]),
		InodeSize:          binary.LittleEndian.Uint16(data[88:90]),
		BlockGroupNr:       binary.LittleEndian.Uint16(data[90:92]),
		FeatureCompat:      binary.LittleEndian.Uint32(data[92:96]),
		FeatureIncompat:    binary.LittleEndian.Uint32(data[96:100]),
		FeatureROCompat:    binary.LittleEndian.Uint32(data[100:104]),
	}

	if u, err := uuid.FromBytes(data[104:120]); err == nil {
		sb.UUID = u
	}
	sb.VolumeName = cStringTrim(data[120:136])
	sb.LastMounted = cStringTrim(data[136:200])

	blocksCountLo := binary.LittleEndian.Uint32(data[4:8])
	reservedBlocksCountLo := binary.LittleEndian.Uint32(data[8:12])
	freeBlocksCountLo := binary.LittleEndian.Uint32(data[12:16])

	var blocksCountHi, reservedBlocksCountHi, freeBlocksCountHi uint32
	var descSize uint16
	if sb.RevLevel >= 1 && len(data) >= 348 {
		descSize = binary.LittleEndian.Uint16(data[254:256])
		blocksCountHi = binary.LittleEndian.Uint32(data[336:340])
		reservedBlocksCountHi = binary.LittleEndian.Uint32(data[340:344])
		freeBlocksCountHi = binary.LittleEndian.Uint32(data[344:348])
	}
	if descSize == 0 {
		descSize = 32
	}
	sb.DescSize = descSize

	sb.BlocksCount = uint64(blocksCountHi)<<32 | uint64(blocksCountLo)
	sb.ReservedBlocksCount = uint64(reservedBlocksCountHi)<<32 | uint64(reservedBlocksCountLo)
	sb.FreeBlocksCount = uint64(freeBlocksCountHi)<<32 | uint64(freeBlocksCountLo)

	sb.BlockSize = 1024 << sb.LogBlockSize

	log.WithFields(map[string]interface{}{
		"magic":          fmt.Sprintf("0x%04x", sb.Magic),
		"blockSize":      sb.BlockSize,
		"firstDataBlock": sb.FirstDataBlock,
		"inodesPerGroup": sb.InodesPerGroup,
	}).Debug("parsed ext4 superblock")

	return sb, nil
}

// ReadSuperblockFromDevice locates and parses the superblock at byte
// offset 1024, which may straddle two device blocks if the device's
// block size is smaller than 1024.
func ReadSuperblockFromDevice(dev Device) (*Superblock, error) {
	blockSize := dev.BlockSize()
	if blockSize == 0 {
		return nil, fmt.Errorf("%w: device reports block size 0", ErrInvalidArg)
	}

	startBlock := superblockOffsetBytes / blockSize
	offsetInBlock := superblockOffsetBytes % blockSize

	buf := make([]byte, superblockSizeBytes)
	tmp := make([]byte, blockSize)

	if err := dev.ReadBlock(startBlock, tmp); err != nil {
		return nil, fmt.Errorf("reading superblock block %d: %w", startBlock, err)
	}

	remaining := blockSize - offsetInBlock
	toCopy := remaining
	if toCopy > superblockSizeBytes {
		toCopy = superblockSizeBytes
	}
	copy(buf[:toCopy], tmp[offsetInBlock:offsetInBlock+toCopy])

	if toCopy < superblockSizeBytes {
		if err := dev.ReadBlock(startBlock+1, tmp); err != nil {
			return nil, fmt.Errorf("reading superblock continuation block %d: %w", startBlock+1, err)
		}
		copy(buf[toCopy:], tmp[:superblockSizeBytes-toCopy])
	}

	sb, err := SuperblockFromBytes(buf)
	if err != nil {
		log.WithError(err).Debug("failed to parse superblock:\n" + util.DumpByteSlice(buf, 16, true, true, false, nil))
		return nil, err
	}
	if sb.Magic != superblockMagic {
		log.Debugf("superblock has invalid magic 0x%04x:\n%s", sb.Magic, util.DumpByteSlice(buf, 16, true, true, false, nil))
	}
	return sb, nil
}

// Validate checks the invariants required for the rest of the driver to
// trust the superblock's geometry. A non-clean State is logged but is
// not fatal.
func (sb *Superblock) Validate() error {
	if sb.Magic != superblockMagic {
		return fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrInvalidMagic, sb.Magic, superblockMagic)
	}
	if sb.State != 1 {
		log.Warnf("filesystem state is not clean: %d", sb.State)
	}
	switch sb.BlockSize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("%w: invalid block size %d", ErrInvalidState, sb.BlockSize)
	}
	return nil
}

// HasExtents reports whether INCOMPAT_EXTENTS is set, meaning inodes
// encode an extent tree in their block array rather than direct/indirect
// pointers.
func (sb *Superblock) HasExtents() bool {
	return sb.FeatureIncompat&incompatFeatureExtents != 0
}

// NumGroups is the number of block groups implied by BlocksCount and
// BlocksPerGroup; at least 1 for any non-empty filesystem.
func (sb *Superblock) NumGroups() uint32 {
	if sb.BlocksCount == 0 || sb.BlocksPerGroup == 0 {
		return 0
	}
	n := (sb.BlocksCount + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
	if n < 1 {
		n = 1
	}
	return uint32(n)
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
