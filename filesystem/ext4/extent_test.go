package ext4

import (
	"encoding/binary"
	"errors"
	"testing"
)

func buildLeafExtentNode(extents []Extent) []byte {
	data := make([]byte, extentHeaderSize+len(extents)*extentEntrySize)
	binary.LittleEndian.PutUint16(data[0:2], extentMagic)
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(extents)))
	binary.LittleEndian.PutUint16(data[4:6], 4)
	binary.LittleEndian.PutUint16(data[6:8], 0) // depth 0: leaf
	for i, e := range extents {
		off := extentHeaderSize + i*extentEntrySize
		binary.LittleEndian.PutUint32(data[off:off+4], e.FirstLogical)
		binary.LittleEndian.PutUint16(data[off+4:off+6], e.Len)
		binary.LittleEndian.PutUint16(data[off+6:off+8], uint16(e.Start>>32))
		binary.LittleEndian.PutUint32(data[off+8:off+12], uint32(e.Start))
	}
	return data
}

func TestParseExtentNodeLeaf(t *testing.T) {
	extents := []Extent{
		{FirstLogical: 0, Len: 4, Start: 1000},
		{FirstLogical: 4, Len: 2, Start: 2000},
	}
	data := buildLeafExtentNode(extents)

	node, err := ParseExtentNode(data)
	if err != nil {
		t.Fatalf("ParseExtentNode() error = %v", err)
	}
	if node.Header.Depth != 0 {
		t.Fatalf("Depth = %d, want 0", node.Header.Depth)
	}
	if len(node.Extents) != 2 {
		t.Fatalf("len(Extents) = %d, want 2", len(node.Extents))
	}
	if node.Extents[1].Start != 2000 {
		t.Errorf("Extents[1].Start = %d, want 2000", node.Extents[1].Start)
	}
}

func TestParseExtentNodeBadMagic(t *testing.T) {
	data := make([]byte, extentHeaderSize)
	if _, err := ParseExtentNode(data); err == nil {
		t.Error("ParseExtentNode() with zero magic = nil error, want error")
	}
}

func TestFindBlockInExtentTreeInlineLeaf(t *testing.T) {
	extents := []Extent{
		{FirstLogical: 0, Len: 4, Start: 500},
	}
	leaf := buildLeafExtentNode(extents)

	var blockArray [15]uint32
	for i := 0; i*4+4 <= len(leaf) && i < 15; i++ {
		blockArray[i] = binary.LittleEndian.Uint32(leaf[i*4 : i*4+4])
	}

	fs := newFakeBlockFS(1024)
	got, err := findBlockInExtentTree(fs, &blockArray, 2)
	if err != nil {
		t.Fatalf("findBlockInExtentTree() error = %v", err)
	}
	if got != 502 {
		t.Errorf("findBlockInExtentTree(2) = %d, want 502", got)
	}
}

func TestFindBlockInExtentTreeHole(t *testing.T) {
	extents := []Extent{
		{FirstLogical: 0, Len: 4, Start: 500},
	}
	leaf := buildLeafExtentNode(extents)

	var blockArray [15]uint32
	for i := 0; i*4+4 <= len(leaf) && i < 15; i++ {
		blockArray[i] = binary.LittleEndian.Uint32(leaf[i*4 : i*4+4])
	}

	fs := newFakeBlockFS(1024)
	if _, err := findBlockInExtentTree(fs, &blockArray, 10); err == nil {
		t.Error("findBlockInExtentTree(10) with no covering extent = nil error, want ErrBlockNotFound")
	} else if !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("findBlockInExtentTree(10) error = %v, want ErrBlockNotFound", err)
	}
}

func TestFindBlockInExtentNodeIndexDescendsToLeaf(t *testing.T) {
	fs := newFakeBlockFS(1024)

	leaf := buildLeafExtentNode([]Extent{{FirstLogical: 0, Len: 10, Start: 7000}})
	leafBlock := uint32(42)
	fs.blocks[leafBlock] = padTo(leaf, 1024)

	root := make([]byte, extentHeaderSize+extentEntrySize)
	binary.LittleEndian.PutUint16(root[0:2], extentMagic)
	binary.LittleEndian.PutUint16(root[2:4], 1)
	binary.LittleEndian.PutUint16(root[4:6], 4)
	binary.LittleEndian.PutUint16(root[6:8], 1) // depth 1: index
	binary.LittleEndian.PutUint32(root[12:16], 0)
	binary.LittleEndian.PutUint32(root[16:20], leafBlock)

	node, err := ParseExtentNode(root)
	if err != nil {
		t.Fatalf("ParseExtentNode() error = %v", err)
	}

	got, err := findBlockInExtentNode(fs, node, 3, 0)
	if err != nil {
		t.Fatalf("findBlockInExtentNode() error = %v", err)
	}
	if got != 7003 {
		t.Errorf("findBlockInExtentNode(3) = %d, want 7003", got)
	}
}

func TestTruncateExtentRootShortensStraddlingExtent(t *testing.T) {
	leaf := buildLeafExtentNode([]Extent{
		{FirstLogical: 0, Len: 4, Start: 500},
		{FirstLogical: 4, Len: 4, Start: 900},
	})

	var blockArray [15]uint32
	for i := 0; i*4+4 <= len(leaf) && i < 15; i++ {
		blockArray[i] = binary.LittleEndian.Uint32(leaf[i*4 : i*4+4])
	}

	// Shrink to 6 logical blocks: the first extent (0..4) survives
	// untouched, the second (4..8) straddles the new boundary and must
	// be shortened to cover only 4..6.
	truncateExtentRoot(&blockArray, 6)

	root := make([]byte, 60)
	for i, v := range blockArray {
		binary.LittleEndian.PutUint32(root[i*4:i*4+4], v)
	}
	node, err := ParseExtentNode(root)
	if err != nil {
		t.Fatalf("ParseExtentNode() after truncate error = %v", err)
	}
	if len(node.Extents) != 2 {
		t.Fatalf("len(Extents) after truncate = %d, want 2", len(node.Extents))
	}
	if node.Extents[0].Len != 4 {
		t.Errorf("Extents[0].Len = %d, want 4 (unaffected)", node.Extents[0].Len)
	}
	if node.Extents[1].Len != 2 {
		t.Errorf("Extents[1].Len = %d, want 2 (shortened to the new boundary)", node.Extents[1].Len)
	}
}

func TestTruncateExtentRootDropsFullyCoveredExtent(t *testing.T) {
	leaf := buildLeafExtentNode([]Extent{
		{FirstLogical: 0, Len: 4, Start: 500},
		{FirstLogical: 4, Len: 4, Start: 900},
	})

	var blockArray [15]uint32
	for i := 0; i*4+4 <= len(leaf) && i < 15; i++ {
		blockArray[i] = binary.LittleEndian.Uint32(leaf[i*4 : i*4+4])
	}

	// Shrink to 2 logical blocks: the second extent (4..8) is entirely
	// beyond the new end and must be dropped; the first is shortened.
	truncateExtentRoot(&blockArray, 2)

	root := make([]byte, 60)
	for i, v := range blockArray {
		binary.LittleEndian.PutUint32(root[i*4:i*4+4], v)
	}
	node, err := ParseExtentNode(root)
	if err != nil {
		t.Fatalf("ParseExtentNode() after truncate error = %v", err)
	}
	if len(node.Extents) != 1 {
		t.Fatalf("len(Extents) after truncate = %d, want 1", len(node.Extents))
	}
	if node.Extents[0].Len != 2 {
		t.Errorf("Extents[0].Len = %d, want 2", node.Extents[0].Len)
	}
}

func TestTruncateExtentRootLeavesOutOfLineRootAlone(t *testing.T) {
	var blockArray [15]uint32
	blockArray[0] = 777 // out-of-line root block number, no inline magic

	truncateExtentRoot(&blockArray, 0)

	if blockArray[0] != 777 {
		t.Errorf("blockArray[0] = %d after truncate, want unchanged 777 (out-of-line root)", blockArray[0])
	}
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
