package ext4

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// File-type tag stored in a directory entry's last byte, independent
// of the referenced inode's own mode bits.
const (
	FileTypeUnknown  = 0
	FileTypeRegular  = 1
	FileTypeDir      = 2
	FileTypeCharDev  = 3
	FileTypeBlockDev = 4
	FileTypeFifo     = 5
	FileTypeSocket   = 6
	FileTypeSymlink  = 7
)

const direntHeaderSize = 8 // ino(4) + rec_len(2) + name_len(1) + file_type(1)

// DirectoryEntry is one linear-directory entry. A tombstone (a
// deleted entry whose slot has been folded into a neighbor) has
// Ino == 0 and must still be skipped by its own RecLen, not a fixed
// stride.
type DirectoryEntry struct {
	Ino      uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// directoryEntryFromBytes parses one entry starting at data[0]. The
// caller is responsible for slicing data to the entry's declared
// RecLen (or at least far enough that the name fits).
func directoryEntryFromBytes(data []byte) (*DirectoryEntry, error) {
	if len(data) < direntHeaderSize {
		return nil, fmt.Errorf("%w: directory entry buffer is %d bytes, need %d", ErrInvalidInput, len(data), direntHeaderSize)
	}
	e := &DirectoryEntry{
		Ino:      binary.LittleEndian.Uint32(data[0:4]),
		RecLen:   binary.LittleEndian.Uint16(data[4:6]),
		NameLen:  data[6],
		FileType: data[7],
	}
	if e.RecLen < direntHeaderSize {
		return nil, fmt.Errorf("%w: directory entry rec_len %d smaller than header", ErrInvalidState, e.RecLen)
	}
	nameEnd := direntHeaderSize + int(e.NameLen)
	if nameEnd > len(data) {
		return nil, fmt.Errorf("%w: directory entry name_len %d overruns buffer", ErrInvalidState, e.NameLen)
	}
	name := data[direntHeaderSize:nameEnd]
	if !utf8.Valid(name) {
		return nil, fmt.Errorf("%w: directory entry name is not valid UTF-8", ErrInvalidInput)
	}
	e.Name = string(name)
	return e, nil
}

// toBytes serializes this entry into a slot exactly RecLen bytes wide,
// zero-padding between the name and the slot's end.
func (e *DirectoryEntry) toBytes() []byte {
	buf := make([]byte, e.RecLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.Ino)
	binary.LittleEndian.PutUint16(buf[4:6], e.RecLen)
	buf[6] = e.NameLen
	buf[7] = e.FileType
	copy(buf[direntHeaderSize:direntHeaderSize+int(e.NameLen)], e.Name)
	return buf
}

// direntMinRecLen is the 4-byte-aligned slot size needed to hold name,
// independent of any stretching applied when writing the final entry
// in a block.
func direntMinRecLen(name string) uint16 {
	n := direntHeaderSize + len(name)
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return uint16(n)
}

func fileTypeFor(t InodeType) uint8 {
	switch t {
	case TypeDirectory:
		return FileTypeDir
	case TypeCharDevice:
		return FileTypeCharDev
	case TypeBlockDevice:
		return FileTypeBlockDev
	case TypeFifo:
		return FileTypeFifo
	case TypeSocket:
		return FileTypeSocket
	case TypeSymlink:
		return FileTypeSymlink
	default:
		return FileTypeRegular
	}
}
