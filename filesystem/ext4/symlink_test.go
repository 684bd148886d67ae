package ext4

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestSymlinkTargetInline(t *testing.T) {
	target := "../etc/hosts"
	in := &Inode{Mode: ModeIFLNK, Size: uint64(len(target))}
	buf := make([]byte, blockPointers*4)
	copy(buf, target)
	for i := range in.Block {
		in.Block[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}

	fs := &Filesystem{}
	sl, err := newSymlink(fs, in)
	if err != nil {
		t.Fatalf("newSymlink() error = %v", err)
	}
	got, err := sl.Target()
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if got != target {
		t.Errorf("Target() = %q, want %q", got, target)
	}
}

func TestSymlinkTargetSpansMultipleBlocks(t *testing.T) {
	fs := buildTestFilesystem(t, DefaultMountOptions())

	// Long enough that, at testBlockSize bytes per block, the target
	// needs more than one data block to store.
	target := strings.Repeat("a", int(testBlockSize)+100)
	in := &Inode{Ino: 999, Mode: ModeIFLNK, Size: uint64(len(target))}

	blockSize := uint64(testBlockSize)
	numBlocks := (uint64(len(target)) + blockSize - 1) / blockSize
	for li := uint64(0); li < numBlocks; li++ {
		start := li * blockSize
		end := start + blockSize
		if end > uint64(len(target)) {
			end = uint64(len(target))
		}
		buf := make([]byte, testBlockSize)
		copy(buf, target[start:end])

		physBlock, err := fs.allocBlock()
		if err != nil {
			t.Fatalf("allocBlock() error = %v", err)
		}
		if err := fs.writeBlock(physBlock, buf); err != nil {
			t.Fatalf("writeBlock() error = %v", err)
		}
		if err := in.SetBlock(li, physBlock, fs); err != nil {
			t.Fatalf("SetBlock() error = %v", err)
		}
	}

	sl, err := newSymlink(fs, in)
	if err != nil {
		t.Fatalf("newSymlink() error = %v", err)
	}
	got, err := sl.Target()
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if got != target {
		t.Errorf("Target() length = %d, want %d", len(got), len(target))
	}
}

func TestFilesystemReadLink(t *testing.T) {
	fs := buildTestFilesystem(t, DefaultMountOptions())

	target := "/usr/share/zoneinfo/UTC"
	in := &Inode{Ino: 5, Mode: ModeIFLNK | ModeIRUSR, Size: uint64(len(target)), LinksCount: 1}
	buf := make([]byte, blockPointers*4)
	copy(buf, target)
	for i := range in.Block {
		in.Block[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	if err := fs.writeInode(in); err != nil {
		t.Fatalf("writeInode() error = %v", err)
	}

	got, err := fs.ReadLink(5)
	if err != nil {
		t.Fatalf("ReadLink() error = %v", err)
	}
	if got != target {
		t.Errorf("ReadLink() = %q, want %q", got, target)
	}

	if _, err := fs.ReadLink(RootIno); err == nil {
		t.Error("ReadLink() on a directory inode = nil error, want error")
	}
}

func TestSymlinkOnNonSymlinkInode(t *testing.T) {
	in := &Inode{Mode: ModeIFREG}
	if _, err := newSymlink(&Filesystem{}, in); err == nil {
		t.Error("newSymlink() on a regular-file inode = nil error, want error")
	}
}
