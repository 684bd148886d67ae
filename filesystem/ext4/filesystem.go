package ext4

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ext4fs/ext4/util/bitmap"
)

const (
	// RootIno is the inode number of the filesystem root directory.
	RootIno = 2
	// BadBlocksIno is the reserved inode used to track bad blocks.
	BadBlocksIno = 1
)

// MountOptions controls how a Filesystem is opened and how strictly it
// enforces the subset of ext4 semantics this driver understands.
type MountOptions struct {
	// ReadOnly refuses any operation that would write to the device.
	ReadOnly bool
	// Journaling is recorded but not consulted: the transaction API in
	// journal.go is available whether or not it is set. It does not
	// provide crash consistency; see DESIGN.md.
	Journaling bool
	// ExecCheck, when true, makes CreateFile reject modes that set any
	// execute bit on a regular file. CreateDir does not check it.
	ExecCheck bool
}

// DefaultMountOptions matches the upstream driver's defaults: writable,
// journaling bookkeeping on, no exec-bit policing.
func DefaultMountOptions() MountOptions {
	return MountOptions{ReadOnly: false, Journaling: true, ExecCheck: false}
}

// FilesystemStats summarizes a mounted filesystem's capacity, as
// returned by Filesystem.Stats.
type FilesystemStats struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint32
	FreeInodes  uint32
}

// Filesystem is a mounted ext4 image: a Device plus the parsed
// superblock and block-group descriptors needed to navigate it.
type Filesystem struct {
	device       Device
	sb           *Superblock
	groups       []*GroupDescriptor
	mountOptions MountOptions
}

// Open parses the superblock and block-group descriptor table off dev
// and validates enough of the geometry to trust subsequent reads.
func Open(dev Device, opts MountOptions) (*Filesystem, error) {
	sb, err := ReadSuperblockFromDevice(dev)
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	fs := &Filesystem{device: dev, sb: sb, mountOptions: opts}

	groups, err := fs.readBlockGroups()
	if err != nil {
		return nil, err
	}
	fs.groups = groups

	log.WithFields(map[string]interface{}{
		"uuid":   sb.UUID.String(),
		"volume": sb.VolumeName,
		"blocks": sb.BlocksCount,
		"inodes": sb.InodesCount,
		"groups": len(groups),
	}).Debug("opened ext4 filesystem")

	return fs, nil
}

func (fs *Filesystem) readBlockGroups() ([]*GroupDescriptor, error) {
	numGroups := fs.sb.NumGroups()
	if numGroups == 0 {
		return nil, fmt.Errorf("%w: superblock implies zero block groups", ErrInvalidState)
	}

	descSize := descSizeFor(fs.sb)
	tableBlock := fs.sb.FirstDataBlock + 1
	descsPerBlock := fs.sb.BlockSize / descSize
	if descsPerBlock == 0 {
		return nil, fmt.Errorf("%w: block size %d smaller than descriptor size %d", ErrInvalidState, fs.sb.BlockSize, descSize)
	}
	descBlocks := (numGroups + descsPerBlock - 1) / descsPerBlock

	groups := make([]*GroupDescriptor, 0, numGroups)
	buf := make([]byte, fs.sb.BlockSize)
	for b := uint32(0); b < descBlocks; b++ {
		if err := fs.readBlock(tableBlock+b, buf); err != nil {
			return nil, fmt.Errorf("reading block-group descriptor table block %d: %w", tableBlock+b, err)
		}
		for i := uint32(0); i < descsPerBlock && uint32(len(groups)) < numGroups; i++ {
			off := i * descSize
			gd, err := GroupDescriptorFromBytes(buf[off : off+descSize])
			if err != nil {
				return nil, fmt.Errorf("parsing group descriptor %d: %w", len(groups), err)
			}
			groups = append(groups, gd)
		}
	}
	return groups, nil
}

// superblock satisfies blockFS for Inode's block-resolution methods.
func (fs *Filesystem) superblock() *Superblock { return fs.sb }

func (fs *Filesystem) readBlock(block uint32, buf []byte) error {
	if err := fs.device.ReadBlock(block, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (fs *Filesystem) writeBlock(block uint32, buf []byte) error {
	if fs.mountOptions.ReadOnly {
		return ErrReadOnly
	}
	if err := fs.device.WriteBlock(block, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Stats reports aggregate capacity figures across all block groups.
func (fs *Filesystem) Stats() FilesystemStats {
	var freeBlocks, freeInodes uint64
	for _, g := range fs.groups {
		freeBlocks += uint64(g.FreeBlocksCount)
		freeInodes += uint64(g.FreeInodesCount)
	}
	return FilesystemStats{
		BlockSize:   fs.sb.BlockSize,
		TotalBlocks: fs.sb.BlocksCount,
		FreeBlocks:  freeBlocks,
		TotalInodes: fs.sb.InodesCount,
		FreeInodes:  uint32(freeInodes),
	}
}

// inodeLocation returns the block-group index, in-group index, and
// the device block holding the given inode's 128/256-byte record.
func (fs *Filesystem) inodeLocation(ino uint32) (group uint32, indexInGroup uint32, block uint32, offsetInBlock uint32, err error) {
	if ino == 0 || ino > fs.sb.InodesCount {
		return 0, 0, 0, 0, fmt.Errorf("%w: inode %d", ErrInodeNotFound, ino)
	}
	group = (ino - 1) / fs.sb.InodesPerGroup
	indexInGroup = (ino - 1) % fs.sb.InodesPerGroup
	if int(group) >= len(fs.groups) {
		return 0, 0, 0, 0, fmt.Errorf("%w: inode %d maps to group %d beyond %d known groups", ErrInodeNotFound, ino, group, len(fs.groups))
	}
	inodeSize := uint32(fs.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = inodeOnDiskSize
	}
	byteOffset := indexInGroup * inodeSize
	blocksIntoTable := byteOffset / fs.sb.BlockSize
	offsetInBlock = byteOffset % fs.sb.BlockSize
	block = fs.groups[group].InodeTable + blocksIntoTable
	return group, indexInGroup, block, offsetInBlock, nil
}

// GetInode reads and parses the inode record for ino.
func (fs *Filesystem) GetInode(ino uint32) (*Inode, error) {
	_, _, block, offsetInBlock, err := fs.inodeLocation(ino)
	if err != nil {
		return nil, err
	}
	inodeSize := uint32(fs.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = inodeOnDiskSize
	}

	buf := make([]byte, fs.sb.BlockSize)
	if err := fs.readBlock(block, buf); err != nil {
		return nil, fmt.Errorf("reading inode table block %d for inode %d: %w", block, ino, err)
	}
	if offsetInBlock+inodeSize > uint32(len(buf)) {
		return nil, fmt.Errorf("%w: inode %d record overruns its block", ErrInvalidState, ino)
	}
	return InodeFromBytes(buf[offsetInBlock:offsetInBlock+inodeSize], ino)
}

// writeInode serializes in and writes it back to its inode-table slot.
func (fs *Filesystem) writeInode(in *Inode) error {
	if fs.mountOptions.ReadOnly {
		return ErrReadOnly
	}
	_, _, block, offsetInBlock, err := fs.inodeLocation(in.Ino)
	if err != nil {
		return err
	}
	inodeSize := uint32(fs.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = inodeOnDiskSize
	}

	buf := make([]byte, fs.sb.BlockSize)
	if err := fs.readBlock(block, buf); err != nil {
		return fmt.Errorf("reading inode table block %d for inode %d: %w", block, in.Ino, err)
	}
	encoded := in.ToBytes()
	n := inodeSize
	if uint32(len(encoded)) < n {
		n = uint32(len(encoded))
	}
	copy(buf[offsetInBlock:offsetInBlock+n], encoded[:n])
	return fs.writeBlock(block, buf)
}

// RootInode returns the parsed root-directory inode.
func (fs *Filesystem) RootInode() (*Inode, error) {
	return fs.GetInode(RootIno)
}

// allocBlock finds the first free block across all block groups,
// marks it used in that group's block bitmap, and decrements the
// group's free-block count, so repeated calls never hand out the same
// block twice.
func (fs *Filesystem) allocBlock() (uint32, error) {
	if fs.mountOptions.ReadOnly {
		return 0, ErrReadOnly
	}

	for gi, g := range fs.groups {
		if g.FreeBlocksCount == 0 {
			continue
		}
		buf := make([]byte, fs.sb.BlockSize)
		if err := fs.readBlock(g.BlockBitmap, buf); err != nil {
			return 0, fmt.Errorf("reading block bitmap for group %d: %w", gi, err)
		}
		bm := bitmap.FromBytes(buf)
		if bitmapFree := bm.CountFree(int(fs.sb.BlocksPerGroup)); bitmapFree != int(g.FreeBlocksCount) {
			log.Warnf("group %d block bitmap has %d free bits but descriptor claims %d", gi, bitmapFree, g.FreeBlocksCount)
		}
		free := bm.FirstFree(0)
		if free < 0 || uint32(free) >= fs.sb.BlocksPerGroup {
			continue
		}
		blockNum := fs.sb.FirstDataBlock + uint32(gi)*fs.sb.BlocksPerGroup + uint32(free)
		if uint64(blockNum) >= fs.sb.BlocksCount {
			continue
		}
		if err := bm.Set(free); err != nil {
			return 0, fmt.Errorf("marking block bitmap bit %d in group %d: %w", free, gi, err)
		}
		if err := fs.writeBlock(g.BlockBitmap, bm.ToBytes()); err != nil {
			return 0, fmt.Errorf("writing block bitmap for group %d: %w", gi, err)
		}
		g.SetFreeBlocksCount(g.FreeBlocksCount - 1)
		if err := fs.writeGroupDescriptor(uint32(gi)); err != nil {
			return 0, err
		}
		return blockNum, nil
	}
	return 0, ErrNoSpaceLeft
}

// allocInode finds the first free inode across all block groups,
// marks it used in that group's inode bitmap, and decrements the
// group's free-inode count.
func (fs *Filesystem) allocInode() (uint32, error) {
	if fs.mountOptions.ReadOnly {
		return 0, ErrReadOnly
	}

	for gi, g := range fs.groups {
		if g.FreeInodesCount == 0 {
			continue
		}
		buf := make([]byte, fs.sb.BlockSize)
		if err := fs.readBlock(g.InodeBitmap, buf); err != nil {
			return 0, fmt.Errorf("reading inode bitmap for group %d: %w", gi, err)
		}
		bm := bitmap.FromBytes(buf)
		free := bm.FirstFree(0)
		if free < 0 || uint32(free) >= fs.sb.InodesPerGroup {
			continue
		}
		if err := bm.Set(free); err != nil {
			return 0, fmt.Errorf("marking inode bitmap bit %d in group %d: %w", free, gi, err)
		}
		if err := fs.writeBlock(g.InodeBitmap, bm.ToBytes()); err != nil {
			return 0, fmt.Errorf("writing inode bitmap for group %d: %w", gi, err)
		}
		g.SetFreeInodesCount(g.FreeInodesCount - 1)
		if err := fs.writeGroupDescriptor(uint32(gi)); err != nil {
			return 0, err
		}

		ino := uint32(gi)*fs.sb.InodesPerGroup + uint32(free) + 1
		return ino, nil
	}
	return 0, ErrNoSpaceLeft
}

func (fs *Filesystem) writeGroupDescriptor(gi uint32) error {
	descSize := descSizeFor(fs.sb)
	tableBlock := fs.sb.FirstDataBlock + 1
	descsPerBlock := fs.sb.BlockSize / descSize
	block := tableBlock + gi/descsPerBlock
	offset := (gi % descsPerBlock) * descSize

	buf := make([]byte, fs.sb.BlockSize)
	if err := fs.readBlock(block, buf); err != nil {
		return fmt.Errorf("reading group descriptor table block %d: %w", block, err)
	}
	encoded := fs.groups[gi].ToBytes()
	copy(buf[offset:offset+descSize], encoded[:descSize])
	return fs.writeBlock(block, buf)
}

// ReadDir returns the live directory entries of the directory inode
// dirIno.
func (fs *Filesystem) ReadDir(dirIno uint32) ([]*DirectoryEntry, error) {
	in, err := fs.GetInode(dirIno)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%w: inode %d", ErrNotADirectory, dirIno)
	}

	var entries []*DirectoryEntry
	blockSize := fs.sb.BlockSize
	numBlocks := in.BlockCount(blockSize)
	buf := make([]byte, blockSize)
	for li := uint64(0); li < numBlocks; li++ {
		phys, err := in.BlockNumber(li*uint64(blockSize), fs)
		if err != nil {
			return nil, err
		}
		if phys == 0 {
			continue
		}
		if err := fs.readBlock(phys, buf); err != nil {
			return nil, fmt.Errorf("reading directory block %d: %w", phys, err)
		}
		d, err := DirectoryFromBytes(buf)
		if err != nil {
			return nil, err
		}
		entries = append(entries, d.Entries...)
	}
	return entries, nil
}

// FindInode resolves a '/'-separated absolute path to its inode
// number, starting from the root directory.
func (fs *Filesystem) FindInode(path string) (uint32, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return RootIno, nil
	}

	cur := uint32(RootIno)
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		entries, err := fs.ReadDir(cur)
		if err != nil {
			return 0, err
		}
		var next *DirectoryEntry
		for _, e := range entries {
			if e.Name == part {
				next = e
				break
			}
		}
		if next == nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		cur = next.Ino
	}
	return cur, nil
}

// addDirEntry appends an entry to parentIno's directory data. It tries
// to fit the new entry into the last existing directory block first;
// if that block has no free space left, it allocates one more block
// via Inode.SetBlock and writes the new entry there alone. The parent's
// size and block count are updated whenever a block is added.
func (fs *Filesystem) addDirEntry(parentIno uint32, name string, childIno uint32, fileType uint8) error {
	parent, err := fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return fmt.Errorf("%w: inode %d", ErrNotADirectory, parentIno)
	}

	blockSize := fs.sb.BlockSize
	numBlocks := parent.BlockCount(blockSize)
	lastLi := uint64(0)
	if numBlocks > 0 {
		lastLi = numBlocks - 1
	}

	var phys uint32
	if numBlocks > 0 {
		phys, err = parent.BlockNumber(lastLi*uint64(blockSize), fs)
		if err != nil {
			return err
		}
	}

	dir := &Directory{}
	if phys != 0 {
		buf := make([]byte, blockSize)
		if err := fs.readBlock(phys, buf); err != nil {
			return err
		}
		dir, err = DirectoryFromBytes(buf)
		if err != nil {
			return err
		}
	}

	if err := dir.AddEntry(childIno, name, fileType); err != nil {
		return err
	}

	if encoded, err := dir.ToBytes(blockSize); err == nil {
		if phys == 0 {
			newBlock, err := fs.allocBlock()
			if err != nil {
				return err
			}
			if err := parent.SetBlock(lastLi, newBlock, fs); err != nil {
				return err
			}
			phys = newBlock
			if want := (lastLi + 1) * uint64(blockSize); parent.Size < want {
				parent.Size = want
			}
			parent.Blocks = parent.BlockCount(blockSize)
		}
		if err := fs.writeBlock(phys, encoded); err != nil {
			return err
		}
		return fs.writeInode(parent)
	} else if !errors.Is(err, ErrNoSpaceLeft) {
		return err
	}

	// The last block has no room left for this entry; grow the
	// directory by one block holding just the new entry.
	newLi := numBlocks
	newBlock, err := fs.allocBlock()
	if err != nil {
		return err
	}
	if err := parent.SetBlock(newLi, newBlock, fs); err != nil {
		return err
	}
	overflow := &Directory{}
	if err := overflow.AddEntry(childIno, name, fileType); err != nil {
		return err
	}
	encoded, err := overflow.ToBytes(blockSize)
	if err != nil {
		return err
	}
	if err := fs.writeBlock(newBlock, encoded); err != nil {
		return err
	}
	parent.Size = (newLi + 1) * uint64(blockSize)
	parent.Blocks = parent.BlockCount(blockSize)
	return fs.writeInode(parent)
}

func (fs *Filesystem) checkExecMode(mode uint16) error {
	if !fs.mountOptions.ExecCheck {
		return nil
	}
	if mode&(ModeIXUSR|ModeIXGRP|ModeIXOTH) != 0 {
		return fmt.Errorf("%w: execute bit set on regular file mode 0%o", ErrInvalidArg, mode)
	}
	return nil
}

// CreateFile allocates a new regular-file inode named name inside
// parentIno and links it into that directory.
func (fs *Filesystem) CreateFile(parentIno uint32, name string, mode uint16) (*Inode, error) {
	if fs.mountOptions.ReadOnly {
		return nil, ErrReadOnly
	}
	if err := fs.checkExecMode(mode); err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(parentIno)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return nil, fmt.Errorf("%w: %q", ErrFileExists, name)
		}
	}

	ino, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	in := NewInode(ino)
	in.Mode = ModeIFREG | mode
	in.LinksCount = 1
	if err := fs.writeInode(in); err != nil {
		return nil, err
	}
	if err := fs.addDirEntry(parentIno, name, ino, fileTypeFor(in.Type())); err != nil {
		return nil, err
	}
	return in, nil
}

// CreateDir allocates a new directory inode named name inside
// parentIno, seeds it with "." and ".." entries, and links it into
// the parent.
func (fs *Filesystem) CreateDir(parentIno uint32, name string, mode uint16) (*Inode, error) {
	if fs.mountOptions.ReadOnly {
		return nil, ErrReadOnly
	}

	entries, err := fs.ReadDir(parentIno)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return nil, fmt.Errorf("%w: %q", ErrFileExists, name)
		}
	}

	ino, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	in := NewInode(ino)
	in.Mode = ModeIFDIR | mode
	in.LinksCount = 2

	blockSize := fs.sb.BlockSize
	newBlock, err := fs.allocBlock()
	if err != nil {
		return nil, err
	}
	if err := in.SetBlock(0, newBlock, fs); err != nil {
		return nil, err
	}
	in.Size = uint64(blockSize)
	in.Blocks = 1

	dir := &Directory{}
	if err := dir.AddEntry(ino, ".", FileTypeDir); err != nil {
		return nil, err
	}
	if err := dir.AddEntry(parentIno, "..", FileTypeDir); err != nil {
		return nil, err
	}
	encoded, err := dir.ToBytes(blockSize)
	if err != nil {
		return nil, err
	}
	if err := fs.writeBlock(newBlock, encoded); err != nil {
		return nil, err
	}
	if err := fs.writeInode(in); err != nil {
		return nil, err
	}

	if err := fs.addDirEntry(parentIno, name, ino, fileTypeFor(in.Type())); err != nil {
		return nil, err
	}

	parent, err := fs.GetInode(parentIno)
	if err != nil {
		return nil, err
	}
	parent.LinksCount++
	if err := fs.writeInode(parent); err != nil {
		return nil, err
	}

	return in, nil
}

// OpenFile returns a File cursor over ino's data.
func (fs *Filesystem) OpenFile(ino uint32) (*File, error) {
	in, err := fs.GetInode(ino)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, fmt.Errorf("%w: inode %d", ErrIsADirectory, ino)
	}
	return newFile(fs, in), nil
}
