package ext4

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestInodeToBytesFromBytesRoundTrip(t *testing.T) {
	in := NewInode(5)
	in.Mode = ModeIFREG | ModeIRUSR | ModeIWUSR
	in.UID = 1000
	in.GID = 1000
	in.Size = 4096
	in.LinksCount = 1
	in.Blocks = 8
	in.Block[0] = 42

	encoded := in.ToBytes()
	if len(encoded) != inodeOnDiskSize {
		t.Fatalf("ToBytes() length = %d, want %d", len(encoded), inodeOnDiskSize)
	}

	got, err := InodeFromBytes(encoded, 5)
	if err != nil {
		t.Fatalf("InodeFromBytes() error = %v", err)
	}
	if diff := deep.Equal(got, in); diff != nil {
		t.Errorf("round-trip diff = %v", diff)
	}
}

func TestInodeToBytesFieldOffsets(t *testing.T) {
	in := NewInode(42)
	in.Size = 4096
	in.UID = 1000
	in.GID = 1000
	in.LinksCount = 2
	in.Blocks = 8

	encoded := in.ToBytes()
	if got := binary.LittleEndian.Uint16(encoded[2:4]); got != 1000 {
		t.Errorf("uid at offset 2 = %d, want 1000", got)
	}
	if got := binary.LittleEndian.Uint32(encoded[4:8]); got != 4096 {
		t.Errorf("size_lo at offset 4 = %d, want 4096", got)
	}
	if got := binary.LittleEndian.Uint16(encoded[24:26]); got != 1000 {
		t.Errorf("gid at offset 24 = %d, want 1000", got)
	}
	if got := binary.LittleEndian.Uint16(encoded[26:28]); got != 2 {
		t.Errorf("links_count at offset 26 = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(encoded[28:32]); got != 8 {
		t.Errorf("blocks_lo at offset 28 = %d, want 8", got)
	}
}

func TestInodeBlocksFieldNotDuplicatedIntoHighBits(t *testing.T) {
	// blocks_lo = 0x00000005 must parse to exactly 5, not
	// (0x5 << 32) | 0x5.
	in := NewInode(1)
	in.Blocks = 5
	encoded := in.ToBytes()

	got, err := InodeFromBytes(encoded, 1)
	if err != nil {
		t.Fatalf("InodeFromBytes() error = %v", err)
	}
	if got.Blocks != 5 {
		t.Errorf("Blocks = %d, want 5", got.Blocks)
	}
}

func TestInodeFromBytesTooShort(t *testing.T) {
	if _, err := InodeFromBytes(make([]byte, 10), 1); err == nil {
		t.Error("InodeFromBytes() with short buffer = nil error, want error")
	}
}

func TestInodeTypeHelpers(t *testing.T) {
	tests := []struct {
		name       string
		mode       uint16
		wantType   InodeType
		wantIsDir  bool
		wantIsFile bool
		wantIsLink bool
	}{
		{"regular file", ModeIFREG, TypeFile, false, true, false},
		{"directory", ModeIFDIR, TypeDirectory, true, false, false},
		{"symlink", ModeIFLNK, TypeSymlink, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Inode{Mode: tt.mode}
			if got := in.Type(); got != tt.wantType {
				t.Errorf("Type() = %v, want %v", got, tt.wantType)
			}
			if got := in.IsDir(); got != tt.wantIsDir {
				t.Errorf("IsDir() = %v, want %v", got, tt.wantIsDir)
			}
			if got := in.IsFile(); got != tt.wantIsFile {
				t.Errorf("IsFile() = %v, want %v", got, tt.wantIsFile)
			}
			if got := in.IsSymlink(); got != tt.wantIsLink {
				t.Errorf("IsSymlink() = %v, want %v", got, tt.wantIsLink)
			}
		})
	}
}

func TestInodePermissions(t *testing.T) {
	in := &Inode{Mode: ModeIFREG | ModeIRUSR | ModeIWUSR | ModeIROTH}
	want := uint16(ModeIRUSR | ModeIWUSR | ModeIROTH)
	if got := in.Permissions(); got != want {
		t.Errorf("Permissions() = 0%o, want 0%o", got, want)
	}
}

// fakeBlockFS is a minimal blockFS for inode block-mapping tests that
// don't need a full Filesystem.
type fakeBlockFS struct {
	sb     *Superblock
	blocks map[uint32][]byte
	next   uint32
}

func newFakeBlockFS(blockSize uint32) *fakeBlockFS {
	return &fakeBlockFS{
		sb:     &Superblock{BlockSize: blockSize, BlocksCount: 100000},
		blocks: map[uint32][]byte{},
		next:   100,
	}
}

func (f *fakeBlockFS) superblock() *Superblock { return f.sb }

func (f *fakeBlockFS) readBlock(block uint32, buf []byte) error {
	data, ok := f.blocks[block]
	if !ok {
		data = make([]byte, f.sb.BlockSize)
	}
	copy(buf, data)
	return nil
}

func (f *fakeBlockFS) writeBlock(block uint32, buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)
	f.blocks[block] = data
	return nil
}

func (f *fakeBlockFS) allocBlock() (uint32, error) {
	f.next++
	return f.next, nil
}

func TestInodeBlockNumberDirect(t *testing.T) {
	fs := newFakeBlockFS(1024)
	in := NewInode(1)
	in.Block[3] = 77

	got, err := in.BlockNumber(3*1024, fs)
	if err != nil {
		t.Fatalf("BlockNumber() error = %v", err)
	}
	if got != 77 {
		t.Errorf("BlockNumber() = %d, want 77", got)
	}
}

func TestInodeBlockNumberSparseHole(t *testing.T) {
	fs := newFakeBlockFS(1024)
	in := NewInode(1)

	got, err := in.BlockNumber(0, fs)
	if err != nil {
		t.Fatalf("BlockNumber() error = %v", err)
	}
	if got != 0 {
		t.Errorf("BlockNumber() = %d, want 0 for a hole", got)
	}
}

func TestInodeSetBlockAndBlockNumberIndirect(t *testing.T) {
	fs := newFakeBlockFS(1024) // 256 pointers per indirect block
	in := NewInode(1)

	li := uint64(directBlocks + 5) // entry 5 (zero-based) in the singly-indirect block
	if err := in.SetBlock(li, 999, fs); err != nil {
		t.Fatalf("SetBlock() error = %v", err)
	}

	got, err := in.BlockNumber(li*1024, fs)
	if err != nil {
		t.Fatalf("BlockNumber() error = %v", err)
	}
	if got != 999 {
		t.Errorf("BlockNumber() = %d, want 999", got)
	}
}

func TestInodeBlockCount(t *testing.T) {
	in := &Inode{Size: 5000}
	if got, want := in.BlockCount(1024), uint64(5); got != want {
		t.Errorf("BlockCount() = %d, want %d", got, want)
	}
}

func TestInodeBlockNumberExtentDelegation(t *testing.T) {
	fs := newFakeBlockFS(4096)
	fs.sb.FeatureIncompat = incompatFeatureExtents

	in := &Inode{Ino: 1}
	// Root extent node inline in the 60-byte block array: one leaf
	// extent {first=0, len=3, start=100}.
	root := make([]byte, 60)
	binary.LittleEndian.PutUint16(root[0:2], extentMagic)
	binary.LittleEndian.PutUint16(root[2:4], 1) // entries
	binary.LittleEndian.PutUint16(root[4:6], 4) // max_entries
	binary.LittleEndian.PutUint16(root[6:8], 0) // depth: leaf
	binary.LittleEndian.PutUint32(root[12:16], 0)   // first_logical
	binary.LittleEndian.PutUint16(root[16:18], 3)   // len
	binary.LittleEndian.PutUint16(root[18:20], 0)   // start hi
	binary.LittleEndian.PutUint32(root[20:24], 100) // start lo
	for i := 0; i < blockPointers; i++ {
		in.Block[i] = binary.LittleEndian.Uint32(root[i*4 : i*4+4])
	}

	for li, want := range map[uint64]uint32{0: 100, 1: 101, 2: 102} {
		got, err := in.BlockNumber(li*4096, fs)
		if err != nil {
			t.Fatalf("BlockNumber(%d) error = %v", li, err)
		}
		if got != want {
			t.Errorf("BlockNumber(%d) = %d, want %d", li, got, want)
		}
	}

	if _, err := in.BlockNumber(3*4096, fs); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("BlockNumber(3) error = %v, want ErrBlockNotFound", err)
	}
}
