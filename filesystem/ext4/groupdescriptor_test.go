package ext4

import (
	"testing"

	"github.com/go-test/deep"
)

func TestGroupDescriptorFromBytesAndToBytes(t *testing.T) {
	expected := &GroupDescriptor{
		BlockBitmap:     10,
		InodeBitmap:     11,
		InodeTable:      12,
		FreeBlocksCount: 500,
		FreeInodesCount: 60,
		UsedDirsCount:   2,
		Flags:           0,
		ExcludeBitmap:   20,
		BlockBitmapCsum: 0xAAAA,
		InodeBitmapCsum: 0xBBBB,
		ItableUnused:    5,
		Checksum:        0xCCCC,
	}

	encoded := expected.ToBytes()
	gd, err := GroupDescriptorFromBytes(encoded)
	if err != nil {
		t.Fatalf("GroupDescriptorFromBytes() error = %v", err)
	}
	if diff := deep.Equal(gd, expected); diff != nil {
		t.Errorf("GroupDescriptorFromBytes() diff = %v", diff)
	}
}

func TestGroupDescriptorFromBytesShort32Byte(t *testing.T) {
	data := make([]byte, 32)
	gd, err := GroupDescriptorFromBytes(data)
	if err != nil {
		t.Fatalf("GroupDescriptorFromBytes() error = %v", err)
	}
	if gd.ExcludeBitmap != 0 || gd.Checksum != 0 {
		t.Errorf("expected zero-valued extended fields for a 32-byte descriptor, got %+v", gd)
	}
}

func TestGroupDescriptorFromBytesTooShort(t *testing.T) {
	if _, err := GroupDescriptorFromBytes(make([]byte, 10)); err == nil {
		t.Error("GroupDescriptorFromBytes() with short buffer = nil error, want error")
	}
}

func TestGroupDescriptorSetters(t *testing.T) {
	gd := &GroupDescriptor{}
	gd.SetFreeBlocksCount(7)
	gd.SetFreeInodesCount(8)
	gd.SetUsedDirsCount(9)
	if gd.FreeBlocksCount != 7 || gd.FreeInodesCount != 8 || gd.UsedDirsCount != 9 {
		t.Errorf("setters did not apply: %+v", gd)
	}
}

func TestDescSizeFor(t *testing.T) {
	rev0 := &Superblock{RevLevel: 0}
	rev1 := &Superblock{RevLevel: 1}
	if got := descSizeFor(rev0); got != groupDescMinSize {
		t.Errorf("descSizeFor(rev0) = %d, want %d", got, groupDescMinSize)
	}
	if got := descSizeFor(rev1); got != groupDescMaxSize {
		t.Errorf("descSizeFor(rev1) = %d, want %d", got, groupDescMaxSize)
	}
}
