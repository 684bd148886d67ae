package ext4

import (
	"encoding/binary"
	"fmt"
)

// Directory is the in-memory, order-preserving view of a single
// directory block's entries. On-disk tombstones (ino 0) are skipped
// when parsing and never appear in Entries; RemoveEntry drops an entry
// from the list outright, and ToBytes repacks the remaining entries.
type Directory struct {
	Entries []*DirectoryEntry
}

// DirectoryFromBytes walks one directory block, skipping each entry by
// its own rec_len (including tombstones, whose rec_len may be larger
// than their own header+name would otherwise require). A corrupt
// individual entry (e.g. a non-UTF-8 name) is logged and skipped rather
// than aborting the whole parse, so a damaged tail doesn't lose entries
// read from the head of the block. A rec_len that can't be trusted
// (zero, too small, or running past the buffer) ends the scan, since at
// that point there is no reliable way to find the next entry.
func DirectoryFromBytes(data []byte) (*Directory, error) {
	d := &Directory{}
	pos := 0
	for pos+direntHeaderSize <= len(data) {
		ino := binary.LittleEndian.Uint32(data[pos : pos+4])
		recLen := binary.LittleEndian.Uint16(data[pos+4 : pos+6])
		if recLen == 0 {
			break
		}
		if recLen < direntHeaderSize || pos+int(recLen) > len(data) {
			log.Warnf("directory entry at offset %d has invalid rec_len %d, stopping scan", pos, recLen)
			break
		}
		if ino != 0 {
			e, err := directoryEntryFromBytes(data[pos : pos+int(recLen)])
			if err != nil {
				log.WithError(err).Warnf("skipping corrupt directory entry at offset %d", pos)
			} else if e.Name != "" {
				d.Entries = append(d.Entries, e)
			}
		}
		pos += int(recLen)
	}
	return d, nil
}

// FindEntry returns the live entry with the given name, or nil.
func (d *Directory) FindEntry(name string) *DirectoryEntry {
	for _, e := range d.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// AddEntry appends a new live entry. Splitting free space out of an
// oversized final slot, if any, is handled by ToBytes; callers just
// add to the logical list here.
func (d *Directory) AddEntry(ino uint32, name string, fileType uint8) error {
	if d.FindEntry(name) != nil {
		return fmt.Errorf("%w: %q", ErrFileExists, name)
	}
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("%w: directory entry name length %d", ErrInvalidArg, len(name))
	}
	d.Entries = append(d.Entries, &DirectoryEntry{
		Ino:      ino,
		RecLen:   direntMinRecLen(name),
		NameLen:  uint8(len(name)),
		FileType: fileType,
		Name:     name,
	})
	return nil
}

// RemoveEntry deletes the named live entry, returning ErrInvalidPath
// if it is not present. It does not return freed inode/blocks; the
// caller (Filesystem) owns that bookkeeping.
func (d *Directory) RemoveEntry(name string) error {
	for i, e := range d.Entries {
		if e.Name == name {
			d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidPath, name)
}

// ToBytes packs all live entries tightly into a single blockSize
// buffer, stretching the final entry's rec_len to consume whatever
// space remains in the block (the on-disk convention that lets a
// directory block be scanned without knowing its entry count).
func (d *Directory) ToBytes(blockSize uint32) ([]byte, error) {
	buf := make([]byte, blockSize)
	pos := uint32(0)

	for i, e := range d.Entries {
		recLen := direntMinRecLen(e.Name)
		if i == len(d.Entries)-1 && pos+uint32(recLen) <= blockSize {
			// Stretch the final entry only when its packed form fits;
			// otherwise keep the packed size and let the overflow check
			// below report no space.
			recLen = uint16(blockSize - pos)
		}
		if uint32(pos)+uint32(recLen) > blockSize {
			return nil, fmt.Errorf("%w: directory entries overflow block of size %d", ErrNoSpaceLeft, blockSize)
		}
		entry := &DirectoryEntry{
			Ino:      e.Ino,
			RecLen:   recLen,
			NameLen:  e.NameLen,
			FileType: e.FileType,
			Name:     e.Name,
		}
		copy(buf[pos:pos+uint32(recLen)], entry.toBytes())
		pos += uint32(recLen)
	}

	if len(d.Entries) == 0 {
		// An empty directory block is still one giant (tombstone-like)
		// entry with ino 0, so future scans/appends see a valid rec_len.
		empty := &DirectoryEntry{Ino: 0, RecLen: uint16(blockSize)}
		copy(buf, empty.toBytes())
	}

	return buf, nil
}
