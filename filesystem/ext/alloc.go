package ext

import (
	"fmt"

	"github.com/altushkaso2/extengine/util/bitmap"
)

// allocateBlock performs first-fit block allocation starting at preferred
// group, per §4.E: walk groups, skip any with zero free_blocks, scan the
// group's block bitmap for the first clear bit within blocks_per_group,
// set it, persist the bitmap, and decrement both the per-group and
// superblock free-block counters.
func (fs *FileSystem) allocateBlock(preferred uint32) (uint64, error) {
	groups := fs.groupDescriptors.descriptors
	gc := uint32(len(groups))
	for i := uint32(0); i < gc; i++ {
		g := (preferred + i) % gc
		gd := groups[g]
		if gd.freeBlocksCount() == 0 {
			continue
		}
		validBits := fs.blocksInGroup(g)
		bm, err := fs.readBlockBitmap(g)
		if err != nil {
			return 0, err
		}
		bit, ok := firstFreeWithinRange(bm, validBits)
		if !ok {
			continue
		}
		bm.Set(bit)
		if err := fs.writeBlockBitmap(g, bm); err != nil {
			return 0, err
		}
		gd.setFreeBlocksCount(gd.freeBlocksCount() - 1)
		fs.superblock.setFreeBlocksCount(fs.superblock.freeBlocksCount() - 1)
		if err := fs.flushMetadata(g); err != nil {
			return 0, err
		}
		block := uint64(g)*uint64(fs.superblock.blocksPerGroup) + uint64(bit) + uint64(fs.superblock.firstDataBlock)
		return block, nil
	}
	return 0, newErr("allocate_block", ErrKindNoSpace, nil)
}

// freeBlock is the inverse of allocateBlock: clear the bit, update counters.
func (fs *FileSystem) freeBlock(block uint64) error {
	if block < uint64(fs.superblock.firstDataBlock) {
		return newErr("free_block", ErrKindCorruptedFs, fmt.Errorf("block %d before first data block", block))
	}
	rel := block - uint64(fs.superblock.firstDataBlock)
	g := uint32(rel / uint64(fs.superblock.blocksPerGroup))
	bit := int(rel % uint64(fs.superblock.blocksPerGroup))
	if int(g) >= len(fs.groupDescriptors.descriptors) {
		return newErr("free_block", ErrKindCorruptedFs, fmt.Errorf("block %d out of range", block))
	}
	bm, err := fs.readBlockBitmap(g)
	if err != nil {
		return err
	}
	bm.Clear(bit)
	if err := fs.writeBlockBitmap(g, bm); err != nil {
		return err
	}
	gd := fs.groupDescriptors.descriptors[g]
	gd.setFreeBlocksCount(gd.freeBlocksCount() + 1)
	fs.superblock.setFreeBlocksCount(fs.superblock.freeBlocksCount() + 1)
	if fs.journaled() && fs.journal.tx != nil {
		fs.journal.tx.revoke(block)
	}
	return fs.flushMetadata(g)
}

// allocateInode performs the identical discipline over the inode bitmap,
// clamped to inodes_per_group; inode numbers are 1-based.
func (fs *FileSystem) allocateInode(preferred uint32, isDir bool) (uint32, error) {
	groups := fs.groupDescriptors.descriptors
	gc := uint32(len(groups))
	for i := uint32(0); i < gc; i++ {
		g := (preferred + i) % gc
		gd := groups[g]
		if gd.freeInodesCount() == 0 {
			continue
		}
		bm, err := fs.readInodeBitmap(g)
		if err != nil {
			return 0, err
		}
		bit, ok := firstFreeWithinRange(bm, int(fs.superblock.inodesPerGroup))
		if !ok {
			continue
		}
		bm.Set(bit)
		if err := fs.writeInodeBitmap(g, bm); err != nil {
			return 0, err
		}
		gd.setFreeInodesCount(gd.freeInodesCount() - 1)
		fs.superblock.freeInodesCount--
		if isDir {
			gd.setUsedDirsCount(gd.usedDirsCount() + 1)
		}
		if err := fs.flushMetadata(g); err != nil {
			return 0, err
		}
		return g*fs.superblock.inodesPerGroup + uint32(bit) + 1, nil
	}
	return 0, newErr("allocate_inode", ErrKindNoSpace, nil)
}

func (fs *FileSystem) freeInode(ino uint32, wasDir bool) error {
	g, bit, err := fs.inodeGroupAndBit(ino)
	if err != nil {
		return err
	}
	bm, err := fs.readInodeBitmap(g)
	if err != nil {
		return err
	}
	bm.Clear(bit)
	if err := fs.writeInodeBitmap(g, bm); err != nil {
		return err
	}
	gd := fs.groupDescriptors.descriptors[g]
	gd.setFreeInodesCount(gd.freeInodesCount() + 1)
	fs.superblock.freeInodesCount++
	if wasDir {
		gd.setUsedDirsCount(gd.usedDirsCount() - 1)
	}
	return fs.flushMetadata(g)
}

func (fs *FileSystem) inodeGroupAndBit(ino uint32) (uint32, int, error) {
	if ino == 0 || ino > fs.superblock.inodesCount {
		return 0, 0, newErr("inode_group", ErrKindInvalidInode, nil)
	}
	g := (ino - 1) / fs.superblock.inodesPerGroup
	bit := int((ino - 1) % fs.superblock.inodesPerGroup)
	return g, bit, nil
}

// blocksInGroup returns how many blocks are valid within group g, which may
// be short for the last, partial group.
func (fs *FileSystem) blocksInGroup(g uint32) int {
	total := fs.superblock.blocksCount() - uint64(fs.superblock.firstDataBlock)
	start := uint64(g) * uint64(fs.superblock.blocksPerGroup)
	remaining := total - start
	if remaining > uint64(fs.superblock.blocksPerGroup) {
		remaining = uint64(fs.superblock.blocksPerGroup)
	}
	return int(remaining)
}

// firstFreeWithinRange scans for a clear bit below validBits; bytes past
// the last valid bit in a partial final group are expected to already read
// as "all used" from mkfs, but this guards that invariant regardless.
func firstFreeWithinRange(bm *bitmap.Bitmap, validBits int) (int, bool) {
	bit := bm.FirstFree(0)
	if bit < 0 || bit >= validBits {
		return 0, false
	}
	return bit, true
}

// allocateExtents allocates enough blocks to cover size bytes, starting
// near preferred (or group 0 if nil), and groups the allocated block
// numbers into contiguous runs so the extent engine can append them as
// extents in one or more pieces.
func (fs *FileSystem) allocateExtents(size uint64, preferred *uint32) (*extents, error) {
	count := (size + uint64(fs.superblock.blockSize) - 1) / uint64(fs.superblock.blockSize)
	if count == 0 {
		count = 1
	}
	pref := uint32(0)
	if preferred != nil {
		pref = *preferred
	}
	blocks := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		b, err := fs.allocateBlock(pref)
		if err != nil {
			for _, alloc := range blocks {
				_ = fs.freeBlock(alloc)
			}
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return coalesceBlocksToExtents(blocks), nil
}

// coalesceBlocksToExtents groups a slice of physical block numbers,
// allocated in order to back consecutive logical blocks starting at 0,
// into the fewest extents describing contiguous disk runs.
func coalesceBlocksToExtents(blocks []uint64) *extents {
	var result extents
	if len(blocks) == 0 {
		return &result
	}
	runStart := blocks[0]
	runLen := uint16(1)
	fileBlock := uint32(0)
	flush := func(startFileBlock uint32) {
		result = append(result, extent{
			fileBlock:     startFileBlock,
			startingBlock: runStart,
			count:         runLen,
		})
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] == runStart+uint64(runLen) && runLen < 32767 {
			runLen++
			continue
		}
		flush(fileBlock)
		fileBlock = uint32(i)
		runStart = blocks[i]
		runLen = 1
	}
	flush(fileBlock)
	return &result
}
