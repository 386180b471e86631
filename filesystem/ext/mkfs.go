package ext

import (
	"fmt"
	"os"

	"github.com/altushkaso2/extengine/blockdevice"
	"github.com/altushkaso2/extengine/cache"
	"github.com/altushkaso2/extengine/util/bitmap"
	"github.com/altushkaso2/extengine/util/timestamp"
	"github.com/google/uuid"
)

// mkfs.go implements §4.N: compute group layout, reserve backup superblock
// copies, initialize bitmaps and inode tables, and write root, lost+found,
// and (for ext3/ext4) a journal inode, all before any Mount ever runs.

const (
	blocksPerGroup    = 8192
	lostAndFoundInode = 11
	journalInode      = 8
	defaultJournalLen = 256
)

// MkfsParams is the input to Mkfs, per §4.N's
// (block_size, inode_size, fs_type, target_sector_count).
type MkfsParams struct {
	BlockSize         uint32
	InodeSize         uint16
	Profile           profile
	TargetSectorCount uint64
	Label             string
}

// MkfsReport summarizes the volume Mkfs just wrote.
type MkfsReport struct {
	BlockSize      uint32
	TotalBlocks    uint64
	GroupCount     uint32
	InodesPerGroup uint32
	JournalBlocks  uint32
}

// Mkfs validates params, lays out a fresh ext2/ext3/ext4 volume on dev, and
// writes every structure the layout calls for. dev must already be sized
// to at least TargetSectorCount 512-byte sectors.
func Mkfs(dev *blockdevice.File, params MkfsParams) (*MkfsReport, error) {
	if params.BlockSize != 1024 && params.BlockSize != 4096 {
		return nil, newErr("mkfs", ErrKindUnsupportedVersion, fmt.Errorf("block size %d not in {1024,4096}", params.BlockSize))
	}
	if params.InodeSize != 128 && params.InodeSize != 256 {
		return nil, newErr("mkfs", ErrKindUnsupportedVersion, fmt.Errorf("inode size %d not in {128,256}", params.InodeSize))
	}
	if params.Profile == ProfileExt4 && params.InodeSize != 256 {
		return nil, newErr("mkfs", ErrKindUnsupportedVersion, fmt.Errorf("ext4 requires 256-byte inodes"))
	}
	if params.TargetSectorCount < uint64(params.BlockSize/512)*64 {
		return nil, newErr("mkfs", ErrKindNoSpace, fmt.Errorf("device too small for a %d-byte-block volume", params.BlockSize))
	}

	st := dev.Backend()
	w, err := st.Writable()
	if err != nil {
		return nil, newErr("mkfs", ErrKindIO, err)
	}

	var firstDataBlock uint32
	if params.BlockSize == 1024 {
		firstDataBlock = 1
	}
	totalBlocks := params.TargetSectorCount * 512 / uint64(params.BlockSize)
	usableBlocks := totalBlocks - uint64(firstDataBlock)

	inodesPerGroup := uint32(blocksPerGroup / 4)
	inodeTableBlocksPerGroup := (uint64(inodesPerGroup)*uint64(params.InodeSize) + uint64(params.BlockSize) - 1) / uint64(params.BlockSize)
	for inodeTableBlocksPerGroup > blocksPerGroup-(2+2+64) {
		inodesPerGroup /= 2
		inodeTableBlocksPerGroup = (uint64(inodesPerGroup)*uint64(params.InodeSize) + uint64(params.BlockSize) - 1) / uint64(params.BlockSize)
	}

	groupCount := uint32((usableBlocks + blocksPerGroup - 1) / blocksPerGroup)
	if groupCount > 32 {
		groupCount = 32
		usableBlocks = uint64(groupCount) * blocksPerGroup
		totalBlocks = usableBlocks + uint64(firstDataBlock)
	}

	vol, err := uuid.NewRandom()
	if err != nil {
		return nil, newErr("mkfs", ErrKindIO, err)
	}

	features := profileFeatures(params.Profile, params.InodeSize)
	sb := &superblock{
		inodesCount:     inodesPerGroup * groupCount,
		freeInodesCount: inodesPerGroup*groupCount - lostAndFoundInode,
		firstDataBlock:  firstDataBlock,
		logBlockSize:    logOf(params.BlockSize),
		blocksPerGroup:  blocksPerGroup,
		inodesPerGroup:  inodesPerGroup,
		mountTime:       uint32(timestamp.GetTime().Unix()),
		writeTime:       uint32(timestamp.GetTime().Unix()),
		magic:           superblockMagic,
		state:           1,
		revLevel:        1,
		inodeSize:       params.InodeSize,
		featureCompat:   features.compat,
		featureIncompat: features.incompat,
		featureRoCompat: features.roCompat,
		uuid:            vol,
		descSize:        defaultGroupDescSize,
		blockSize:       params.BlockSize,
		features:        parseFeatures(features.compat, features.incompat, features.roCompat),
	}
	copy(sb.volumeLabel[:], params.Label)
	sb.setBlocksCount(totalBlocks)
	sb.checksumSeed = sb.computeChecksumSeed()

	gdtBlocks := (uint64(groupCount)*uint64(sb.groupDescSize()) + uint64(params.BlockSize) - 1) / uint64(params.BlockSize)
	reservedGdt := gdtBlocks * 4 // headroom for future resize, matching e2fsprogs' default multiplier
	sb.reservedGdtBlocks = uint16(reservedGdt)

	const bitmapBlocksPerGroup = 2 // one block bitmap block + one inode bitmap block
	// sbGdtOverhead is the block count a sparse-super group's own backup
	// superblock and GDT (plus reserved growth room) occupy at the very
	// start of that group's block range; non-sparse groups carry none of it.
	sbGdtOverhead := 1 + gdtBlocks + reservedGdt
	overheadNonSparse := uint64(bitmapBlocksPerGroup) + inodeTableBlocksPerGroup
	overheadSparse := sbGdtOverhead + overheadNonSparse

	gds := &groupDescriptors{descriptors: make([]*groupDescriptor, groupCount)}
	for g := uint32(0); g < groupCount; g++ {
		groupStart := uint64(firstDataBlock) + uint64(g)*blocksPerGroup
		base := groupStart
		if isSparseSuperGroup(g) {
			base += sbGdtOverhead
		}
		gds.descriptors[g] = &groupDescriptor{
			number:        g,
			blockBitmapLo: uint32(base),
			inodeBitmapLo: uint32(base + 1),
			inodeTableLo:  uint32(base + 2),
			is64Bit:       sb.features.has64bit,
		}
	}

	fs := &FileSystem{
		device:           dev,
		backend:          st,
		cache:            cache.New(defaultCacheBlocks),
		superblock:       sb,
		groupDescriptors: gds,
		profile:          params.Profile,
	}

	zero := make([]byte, params.BlockSize)
	for b := uint64(0); b < totalBlocks; b++ {
		if _, err := w.WriteAt(zero, int64(b)*int64(params.BlockSize)); err != nil {
			return nil, newErr("mkfs", ErrKindIO, err)
		}
	}

	blocksInLastGroup := usableBlocks - uint64(groupCount-1)*blocksPerGroup
	for g := uint32(0); g < groupCount; g++ {
		gd := gds.descriptors[g]
		totalInGroup := uint64(blocksPerGroup)
		if g == groupCount-1 {
			totalInGroup = blocksInLastGroup
		}
		overhead := overheadNonSparse
		if isSparseSuperGroup(g) {
			overhead = overheadSparse
		}

		bm := bitmap.NewBits(blocksPerGroup)
		for i := uint64(0); i < overhead; i++ {
			_ = bm.Set(int(i))
		}
		for i := totalInGroup; i < blocksPerGroup; i++ {
			_ = bm.Set(int(i))
		}
		gd.setFreeBlocksCount(uint32(totalInGroup - overhead))

		ibm := bitmap.NewBits(int(inodesPerGroup))
		if g == 0 {
			for i := 0; i < 10; i++ {
				_ = ibm.Set(i)
			}
		}
		if err := fs.writeBlockBitmap(g, bm); err != nil {
			return nil, err
		}
		if err := fs.writeInodeBitmap(g, ibm); err != nil {
			return nil, err
		}
		if g == 0 {
			gd.setFreeInodesCount(inodesPerGroup - 10)
		} else {
			gd.setFreeInodesCount(inodesPerGroup)
		}
	}

	now := timestamp.GetTime()
	rootBlock, err := fs.allocateBlockIn(0)
	if err != nil {
		return nil, err
	}
	lfIno, err := fs.allocateInodeIn(0)
	if err != nil {
		return nil, err
	}
	if lfIno != lostAndFoundInode {
		return nil, newErr("mkfs", ErrKindCorruptedFs, fmt.Errorf("lost+found got inode %d, want %d", lfIno, lostAndFoundInode))
	}

	root := &inode{
		number:           RootInode,
		fileType:         fileTypeDirectory,
		permissionsOwner: parseOwnerPermissions(0o755),
		permissionsGroup: parseGroupPermissions(0o755),
		permissionsOther: parseOtherPermissions(0o755),
		accessTime:       now,
		changeTime:       now,
		modifyTime:       now,
		createTime:       now,
		hardLinks:        3,
		blocks:           uint64(params.BlockSize) / 512,
		size:             uint64(params.BlockSize),
		flags:            &inodeFlags{usesExtents: sb.features.hasExtents},
		inodeSize:        params.InodeSize,
	}
	if err := writeBootstrapBlock(fs, root, rootBlock, RootInode, RootInode); err != nil {
		return nil, err
	}
	if err := appendDirEntry(fs, rootBlock, &directoryEntry{inode: lostAndFoundInode, fileType: dirFileTypeDirectory, filename: "lost+found"}); err != nil {
		return nil, err
	}
	if err := fs.writeInode(root); err != nil {
		return nil, err
	}

	lfBlock, err := fs.allocateBlockIn(0)
	if err != nil {
		return nil, err
	}
	lf := &inode{
		number:           lostAndFoundInode,
		fileType:         fileTypeDirectory,
		permissionsOwner: parseOwnerPermissions(0o755),
		permissionsGroup: parseGroupPermissions(0o755),
		permissionsOther: parseOtherPermissions(0o755),
		accessTime:       now,
		changeTime:       now,
		modifyTime:       now,
		createTime:       now,
		hardLinks:        2,
		blocks:           uint64(params.BlockSize) / 512,
		size:             uint64(params.BlockSize),
		flags:            &inodeFlags{usesExtents: sb.features.hasExtents},
		inodeSize:        params.InodeSize,
	}
	if err := writeBootstrapBlock(fs, lf, lfBlock, lostAndFoundInode, RootInode); err != nil {
		return nil, err
	}
	if err := fs.writeInode(lf); err != nil {
		return nil, err
	}

	var journalBlocks uint32
	if sb.features.hasJournal {
		journalBlocks = defaultJournalLen
		// journalInode lies in the reserved 1..10 range already marked used.
		ji := fs.newInodeTemplate(journalInode, fileTypeRegularFile, os.FileMode(0o600), 0, 0)
		ji.flags = &inodeFlags{usesExtents: false}
		if err := fs.writeInode(ji); err != nil {
			return nil, err
		}
		jf, err := fs.openFileHandle(ji)
		if err != nil {
			return nil, err
		}
		zeroJournal := make([]byte, params.BlockSize)
		for b := uint32(0); b < journalBlocks; b++ {
			if _, err := jf.Write(zeroJournal); err != nil {
				return nil, err
			}
		}
		jsb := NewJournalSuperblock(params.BlockSize, journalBlocks)
		jsbBytes, err := jsb.ToBytes()
		if err != nil {
			return nil, err
		}
		if _, err := jf.WriteAt(jsbBytes, 0); err != nil {
			return nil, err
		}
		if err := fs.writeInode(jf.inode); err != nil {
			return nil, err
		}
		sb.journalInum = journalInode
	}

	if err := writeSuperblockAndGdt(fs); err != nil {
		return nil, err
	}

	return &MkfsReport{
		BlockSize:      params.BlockSize,
		TotalBlocks:    totalBlocks,
		GroupCount:     groupCount,
		InodesPerGroup: inodesPerGroup,
		JournalBlocks:  journalBlocks,
	}, nil
}

// allocateBlockIn and allocateInodeIn mirror alloc.go's first-fit scan
// against group g's freshly initialized bitmaps, bypassing the preferred-
// group lookup alloc.go normally does from an inode number (mkfs has no
// inode yet to derive one from).
func (fs *FileSystem) allocateBlockIn(g uint32) (uint64, error) {
	bm, err := fs.readBlockBitmap(g)
	if err != nil {
		return 0, err
	}
	idx := bm.FirstFree(0)
	if idx < 0 {
		return 0, newErr("mkfs", ErrKindNoSpace, nil)
	}
	if err := bm.Set(idx); err != nil {
		return 0, err
	}
	if err := fs.writeBlockBitmap(g, bm); err != nil {
		return 0, err
	}
	gd := fs.groupDescriptors.descriptors[g]
	gd.setFreeBlocksCount(gd.freeBlocksCount() - 1)
	return uint64(fs.superblock.firstDataBlock) + uint64(g)*blocksPerGroup + uint64(idx), nil
}

func (fs *FileSystem) allocateInodeIn(g uint32) (uint32, error) {
	bm, err := fs.readInodeBitmap(g)
	if err != nil {
		return 0, err
	}
	idx := bm.FirstFree(0)
	if idx < 0 {
		return 0, newErr("mkfs", ErrKindNoSpace, nil)
	}
	if err := bm.Set(idx); err != nil {
		return 0, err
	}
	if err := fs.writeInodeBitmap(g, bm); err != nil {
		return 0, err
	}
	gd := fs.groupDescriptors.descriptors[g]
	gd.setFreeInodesCount(gd.freeInodesCount() - 1)
	return g*fs.superblock.inodesPerGroup + uint32(idx) + 1, nil
}

// writeBootstrapBlock zero-fills dirBlock then writes the mandatory `.`
// and `..` records into it, wiring the inode's own block pointer so the
// directory is readable the instant mkfs finishes.
func writeBootstrapBlock(fs *FileSystem, i *inode, dirBlock uint64, selfIno, parentIno uint32) error {
	data := make([]byte, fs.superblock.blockSize)
	dot := &directoryEntry{inode: selfIno, fileType: dirFileTypeDirectory, filename: "."}
	dot.recLen = dot.actualLen()
	dotBytes := dot.toBytes()
	copy(data[0:len(dotBytes)], dotBytes)

	dotdot := &directoryEntry{inode: parentIno, fileType: dirFileTypeDirectory, filename: ".."}
	dotdot.recLen = uint16(len(data)) - uint16(len(dotBytes))
	dotdotBytes := dotdot.toBytes()
	copy(data[len(dotBytes):len(dotBytes)+len(dotdotBytes)], dotdotBytes)

	if err := fs.writeBlockDirect(dirBlock, data); err != nil {
		return err
	}
	if i.flags.usesExtents {
		i.extents = &extentLeafNode{
			extentNodeHeader: extentNodeHeader{depth: 0, entries: 1, max: 4, blockSize: fs.superblock.blockSize},
			extents:          extents{{fileBlock: 0, startingBlock: dirBlock, count: 1}},
		}
	} else {
		i.blockPointers[0] = uint32(dirBlock)
	}
	return nil
}

// appendDirEntry appends one record into the slack at the end of an
// already-written `.`/`..` block — used only by mkfs to link lost+found
// into the freshly written root directory, before a Directory handle
// exists to drive the normal Insert path.
func appendDirEntry(fs *FileSystem, block uint64, e *directoryEntry) error {
	data, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	off := 0
	for off < len(data) {
		existing, next, err := directoryEntryFromBytes(data, off)
		if err != nil {
			break
		}
		slack := existing.recLen - existing.actualLen()
		if next >= len(data) && slack >= e.actualLen() {
			existing.recLen = existing.actualLen()
			copy(data[off:], existing.toBytes())
			e.recLen = slack
			copy(data[off+int(existing.recLen):], e.toBytes())
			return fs.writeBlockDirect(block, data)
		}
		off = next
	}
	return newErr("mkfs", ErrKindNoSpace, fmt.Errorf("root directory block has no room for lost+found"))
}

func logOf(blockSize uint32) uint32 {
	v := uint32(0)
	for (1024 << v) < blockSize {
		v++
	}
	return v
}

type featureSet struct {
	compat, incompat, roCompat uint32
}

// profileFeatures maps §4.N's per-profile feature table to the three
// on-disk feature words.
func profileFeatures(p profile, inodeSize uint16) featureSet {
	fset := featureSet{
		compat:   featureCompatDirIndex | featureCompatExtAttr,
		incompat: featureIncompatFiletype,
		roCompat: featureRoCompatSparseSuper | featureRoCompatLargeFile,
	}
	if p == ProfileExt3 || p == ProfileExt4 {
		fset.compat |= featureCompatHasJournal
	}
	if p == ProfileExt4 {
		fset.incompat |= featureIncompatExtents
		fset.roCompat |= featureRoCompatHugeFile | featureRoCompatDirNlink
		if inodeSize >= 256 {
			fset.roCompat |= featureRoCompatExtraIsize
		}
	}
	return fset
}

// writeSuperblockAndGdt writes the superblock and GDT to group 0 and to
// every group §4.N's sparse-super placement marks as a backup holder.
func writeSuperblockAndGdt(fs *FileSystem) error {
	sb := fs.superblock
	gdtBytes := fs.groupDescriptors.toBytes(sb)
	sbBytes := sb.toBytes()

	write := func(g uint32) error {
		groupStart := uint64(sb.firstDataBlock) + uint64(g)*blocksPerGroup
		sbBlock := groupStart
		sbData := padTo(sbBytes, int(sb.blockSize))
		if g == 0 {
			// Group 0's superblock always lives at byte offset 1024,
			// which is block 1 for a 1024-byte block size or still
			// within block 0 for larger block sizes; either way the
			// backing write targets the block containing that offset,
			// with the superblock placed at that offset inside it.
			sbBlock = 1024 / uint64(sb.blockSize)
			sbData = make([]byte, sb.blockSize)
			copy(sbData[1024%sb.blockSize:], sbBytes)
		}
		if err := fs.writeBlockDirect(sbBlock, sbData); err != nil {
			return err
		}
		return fs.writeBlockDirect(groupStart+1, gdtBytes)
	}

	if err := write(0); err != nil {
		return err
	}
	for g := uint32(1); g < uint32(len(fs.groupDescriptors.descriptors)); g++ {
		if !isSparseSuperGroup(g) {
			continue
		}
		if err := write(g); err != nil {
			return err
		}
	}
	return nil
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
