package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ext4fs/ext4/util"
)

const (
	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentEntrySize  = 12
	// extentTreeMaxDepth guards against a corrupt or cyclic tree driving
	// this driver into an unbounded recursion.
	extentTreeMaxDepth = 5
)

// ExtentHeader is the 12-byte header prefixing every extent-tree node,
// whether that node lives inline in an inode's block array or in a
// standalone extent-index block.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	MaxEntries uint16
	Depth      uint16
	Generation uint32
}

// Extent is one leaf entry: a contiguous run of Len physical blocks
// starting at Start, mapped from logical block FirstLogical.
type Extent struct {
	FirstLogical uint32
	Len          uint16
	Start        uint64
}

// ExtentIndex is one internal-node entry: logical blocks from
// FirstLogical onward are described by the subtree rooted at LeafBlock.
type ExtentIndex struct {
	FirstLogical uint32
	LeafBlock    uint32
}

// ExtentNode is a parsed extent-tree node: exactly one of Extents or
// Indexes is populated, depending on Header.Depth.
type ExtentNode struct {
	Header  ExtentHeader
	Extents []Extent
	Indexes []ExtentIndex
}

func parseExtentHeader(data []byte) (ExtentHeader, error) {
	if len(data) < extentHeaderSize {
		return ExtentHeader{}, fmt.Errorf("%w: extent header buffer is %d bytes, need %d", ErrInvalidInput, len(data), extentHeaderSize)
	}
	h := ExtentHeader{
		Magic:      binary.LittleEndian.Uint16(data[0:2]),
		Entries:    binary.LittleEndian.Uint16(data[2:4]),
		MaxEntries: binary.LittleEndian.Uint16(data[4:6]),
		Depth:      binary.LittleEndian.Uint16(data[6:8]),
		Generation: binary.LittleEndian.Uint32(data[8:12]),
	}
	if h.Magic != extentMagic {
		log.WithError(fmt.Errorf("%w: extent header magic 0x%04x", ErrInvalidMagic, h.Magic)).
			Debug("unparseable extent header:\n" + util.DumpByteSlice(data, 16, true, true, false, nil))
		return ExtentHeader{}, fmt.Errorf("%w: extent header magic 0x%04x, want 0x%04x", ErrInvalidMagic, h.Magic, extentMagic)
	}
	return h, nil
}

// ParseExtentNode parses a full extent-tree node: a 12-byte header
// followed by Entries 12-byte leaf extents (Depth == 0) or index
// entries (Depth > 0).
func ParseExtentNode(data []byte) (*ExtentNode, error) {
	h, err := parseExtentHeader(data)
	if err != nil {
		return nil, err
	}

	node := &ExtentNode{Header: h}
	need := extentHeaderSize + int(h.Entries)*extentEntrySize
	if len(data) < need {
		return nil, fmt.Errorf("%w: extent node buffer is %d bytes, need %d for %d entries", ErrInvalidInput, len(data), need, h.Entries)
	}

	if h.Depth == 0 {
		node.Extents = make([]Extent, 0, h.Entries)
		for i := 0; i < int(h.Entries); i++ {
			off := extentHeaderSize + i*extentEntrySize
			e := data[off : off+extentEntrySize]
			firstLogical := binary.LittleEndian.Uint32(e[0:4])
			length := binary.LittleEndian.Uint16(e[4:6])
			startHi := binary.LittleEndian.Uint16(e[6:8])
			startLo := binary.LittleEndian.Uint32(e[8:12])
			node.Extents = append(node.Extents, Extent{
				FirstLogical: firstLogical,
				Len:          length,
				Start:        uint64(startHi)<<32 | uint64(startLo),
			})
		}
	} else {
		node.Indexes = make([]ExtentIndex, 0, h.Entries)
		for i := 0; i < int(h.Entries); i++ {
			off := extentHeaderSize + i*extentEntrySize
			e := data[off : off+extentEntrySize]
			node.Indexes = append(node.Indexes, ExtentIndex{
				FirstLogical: binary.LittleEndian.Uint32(e[0:4]),
				LeafBlock:    binary.LittleEndian.Uint32(e[4:8]),
			})
		}
	}

	return node, nil
}

// findBlockInExtentTree resolves logical block li to a physical block
// number, given the inode's raw 60-byte block array. The root extent
// node lives inline in that array exactly when its first two bytes
// carry the extent magic; when they don't, block[0] is instead the
// block number of an out-of-line root node that must be read and
// parsed like any other extent block.
func findBlockInExtentTree(fs blockFS, blockArray *[15]uint32, li uint32) (uint32, error) {
	root := make([]byte, 60)
	for i, v := range blockArray {
		binary.LittleEndian.PutUint32(root[i*4:i*4+4], v)
	}

	if binary.LittleEndian.Uint16(root[0:2]) == extentMagic {
		node, err := ParseExtentNode(root)
		if err != nil {
			return 0, err
		}
		return findBlockInExtentNode(fs, node, li, 0)
	}

	rootBlock := blockArray[0]
	if rootBlock == 0 {
		return 0, fmt.Errorf("%w: logical block %d", ErrBlockNotFound, li)
	}
	buf := make([]byte, fs.superblock().BlockSize)
	if err := fs.readBlock(rootBlock, buf); err != nil {
		return 0, fmt.Errorf("reading out-of-line extent root block %d: %w", rootBlock, err)
	}
	node, err := ParseExtentNode(buf)
	if err != nil {
		return 0, err
	}
	return findBlockInExtentNode(fs, node, li, 0)
}

// truncateExtentRoot shrinks the inline extent-tree root embedded in an
// inode's 60-byte block array so it no longer covers logical blocks at
// or beyond newBlocks: an extent that starts at or past newBlocks is
// dropped entirely, and one straddling the boundary is shortened to end
// exactly at newBlocks. Only the inline root is rewritten; an
// out-of-line root (block[0] naming a standalone extent node) is left
// untouched and a warning is logged, since rebuilding a multi-level
// extent tree on shrink is out of scope (see DESIGN.md).
func truncateExtentRoot(blockArray *[15]uint32, newBlocks uint32) {
	root := make([]byte, 60)
	for i, v := range blockArray {
		binary.LittleEndian.PutUint32(root[i*4:i*4+4], v)
	}

	if binary.LittleEndian.Uint16(root[0:2]) != extentMagic {
		log.Warn("truncate: extent-tree root is out-of-line, not rewriting it on shrink")
		return
	}

	node, err := ParseExtentNode(root)
	if err != nil {
		log.WithError(err).Warn("truncate: could not parse inline extent root, leaving it unchanged")
		return
	}
	if node.Header.Depth != 0 {
		log.Warn("truncate: inline extent root has a non-leaf depth, not rewriting it on shrink")
		return
	}

	kept := node.Extents[:0]
	for _, e := range node.Extents {
		if e.FirstLogical >= newBlocks {
			continue
		}
		if e.FirstLogical+uint32(e.Len) > newBlocks {
			e.Len = uint16(newBlocks - e.FirstLogical)
		}
		kept = append(kept, e)
	}

	writeInlineExtentRoot(blockArray, node.Header, kept)
}

// writeInlineExtentRoot serializes a leaf extent node (header plus up
// to 4 entries) back into an inode's 60-byte block array.
func writeInlineExtentRoot(blockArray *[15]uint32, header ExtentHeader, extents []Extent) {
	buf := make([]byte, 60)
	binary.LittleEndian.PutUint16(buf[0:2], extentMagic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(extents)))
	maxEntries := header.MaxEntries
	if maxEntries == 0 {
		maxEntries = 4
	}
	binary.LittleEndian.PutUint16(buf[4:6], maxEntries)
	binary.LittleEndian.PutUint16(buf[6:8], 0) // depth 0: leaf
	binary.LittleEndian.PutUint32(buf[8:12], header.Generation)

	for i, e := range extents {
		off := extentHeaderSize + i*extentEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.FirstLogical)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], e.Len)
		binary.LittleEndian.PutUint16(buf[off+6:off+8], uint16(e.Start>>32))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(e.Start))
	}

	for i := range blockArray {
		blockArray[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
}

func findBlockInExtentNode(fs blockFS, node *ExtentNode, li uint32, depth int) (uint32, error) {
	if depth > extentTreeMaxDepth {
		return 0, fmt.Errorf("%w: extent tree depth exceeds %d, refusing to recurse further", ErrInvalidState, extentTreeMaxDepth)
	}

	if node.Header.Depth == 0 {
		for _, e := range node.Extents {
			if li >= e.FirstLogical && li < e.FirstLogical+uint32(e.Len) {
				return uint32(e.Start + uint64(li-e.FirstLogical)), nil
			}
		}
		return 0, fmt.Errorf("%w: logical block %d", ErrBlockNotFound, li)
	}

	// Pick the index entry with the largest FirstLogical <= li.
	var chosen *ExtentIndex
	for i := range node.Indexes {
		idx := &node.Indexes[i]
		if idx.FirstLogical > li {
			break
		}
		chosen = idx
	}
	if chosen == nil {
		return 0, fmt.Errorf("%w: logical block %d", ErrBlockNotFound, li)
	}

	blockSize := fs.superblock().BlockSize
	buf := make([]byte, blockSize)
	if err := fs.readBlock(chosen.LeafBlock, buf); err != nil {
		return 0, fmt.Errorf("reading extent leaf block %d: %w", chosen.LeafBlock, err)
	}
	child, err := ParseExtentNode(buf)
	if err != nil {
		return 0, err
	}
	return findBlockInExtentNode(fs, child, li, depth+1)
}
