// Package ext implements an ext2/ext3/ext4-compatible filesystem engine:
// mount-time recognition, bitmap allocation, indirect and extent block
// addressing, the directory engine, high-level file operations, JBD2
// journaling and recovery, fsck, and mkfs, all bit-exact to the on-disk
// layout a standard Linux host would produce and accept.
package ext

import (
	"fmt"
	"sync"

	"github.com/altushkaso2/extengine/backend"
	"github.com/altushkaso2/extengine/blockdevice"
	"github.com/altushkaso2/extengine/cache"
	"github.com/altushkaso2/extengine/util/bitmap"
)

// defaultCacheBlocks bounds the in-memory block cache. Small enough that a
// freestanding build's memory budget stays predictable, large enough to
// absorb a directory walk without thrashing.
const defaultCacheBlocks = 1024

// FileSystem is a mounted volume. One mutex-guarded value per volume, owned
// by the mount handle; the outer layer threads it explicitly rather than
// reaching for process-wide global state.
type FileSystem struct {
	mu sync.Mutex

	device  *blockdevice.File
	backend backend.Storage
	cache   *cache.Cache

	superblock       *superblock
	groupDescriptors *groupDescriptors
	profile          profile

	journal *journalState
}

// Mount reads the superblock at byte offset 1024 (LBA 2 on a 512-byte
// sector device), validates its magic, loads the group descriptor table,
// and runs journal recovery if the volume was left dirty.
func Mount(dev *blockdevice.File) (*FileSystem, error) {
	st := dev.Backend()

	raw := make([]byte, superblockSize)
	if _, err := st.ReadAt(raw, 1024); err != nil {
		return nil, newErr("mount", ErrKindIO, err)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		if eerr, ok := err.(*Error); ok {
			return nil, eerr
		}
		return nil, newErr("mount", ErrKindCorruptedFs, err)
	}

	gc := sb.groupCount()
	if gc > 32 {
		return nil, newErr("mount", ErrKindTooManyGroups, fmt.Errorf("%d groups", gc))
	}

	gdtBlock := uint64(1)
	if sb.blockSize == 1024 {
		gdtBlock = 2
	}
	gdtBytes := make([]byte, int(sb.groupDescSize())*int(gc))
	if _, err := st.ReadAt(gdtBytes, int64(gdtBlock)*int64(sb.blockSize)); err != nil {
		return nil, newErr("mount", ErrKindIO, err)
	}
	gds, err := groupDescriptorsFromBytes(gdtBytes, gc, sb.features.has64bit)
	if err != nil {
		return nil, newErr("mount", ErrKindCorruptedFs, err)
	}

	fs := &FileSystem{
		device:           dev,
		backend:          st,
		cache:            cache.New(defaultCacheBlocks),
		superblock:       sb,
		groupDescriptors: gds,
		profile:          sb.features.profile(),
	}

	if sb.features.hasJournal {
		if err := fs.initJournal(); err != nil {
			return nil, err
		}
		if _, err := fs.recover(); err != nil {
			return nil, err
		}
	}

	logOp("mount", 0)
	return fs, nil
}

// journaled reports whether this volume dispatches through the journaled
// file-op variants, collapsing the ext2/ext3/ext4 dispatch matrix into one
// strategy decision made at entry instead of re-derived on every call.
func (fs *FileSystem) journaled() bool {
	return fs.journal != nil && fs.journal.active
}

func (fs *FileSystem) usesExtents() bool {
	return fs.superblock.features.hasExtents
}

// readBlock returns the contents of filesystem block n, through the cache.
func (fs *FileSystem) readBlock(n uint64) ([]byte, error) {
	data, err := fs.cache.Read(n, func(b uint64) ([]byte, error) {
		buf := make([]byte, fs.superblock.blockSize)
		if _, err := fs.backend.ReadAt(buf, int64(b)*int64(fs.superblock.blockSize)); err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return nil, newErr("read_block", ErrKindIO, err)
	}
	return data, nil
}

// writeBlock writes data (exactly one filesystem block) to block n. When a
// journal transaction is open it stages the write there instead of the
// backing device; the cache is updated immediately either way so readers
// in the same mount see the pending value before it checkpoints.
func (fs *FileSystem) writeBlock(n uint64, data []byte) error {
	fs.cache.Write(n, data)
	if fs.journaled() && fs.journal.tx != nil {
		fs.journal.tx.stage(n, data)
		return nil
	}
	return fs.writeBlockDirect(n, data)
}

// writeBlockDirect bypasses journal staging, used for checkpointing
// committed journal transactions and for the journal file's own blocks.
func (fs *FileSystem) writeBlockDirect(n uint64, data []byte) error {
	w, err := fs.backend.Writable()
	if err != nil {
		return newErr("write_block", ErrKindIO, err)
	}
	if _, err := w.WriteAt(data, int64(n)*int64(fs.superblock.blockSize)); err != nil {
		return newErr("write_block", ErrKindIO, err)
	}
	return nil
}

func (fs *FileSystem) readBlockBitmap(g uint32) (*bitmap.Bitmap, error) {
	gd := fs.groupDescriptors.descriptors[g]
	b, err := fs.readBlock(gd.blockBitmap())
	if err != nil {
		return nil, err
	}
	return bitmap.FromBytes(b), nil
}

func (fs *FileSystem) writeBlockBitmap(g uint32, bm *bitmap.Bitmap) error {
	gd := fs.groupDescriptors.descriptors[g]
	return fs.writeBlock(gd.blockBitmap(), bm.ToBytes())
}

func (fs *FileSystem) readInodeBitmap(g uint32) (*bitmap.Bitmap, error) {
	gd := fs.groupDescriptors.descriptors[g]
	b, err := fs.readBlock(gd.inodeBitmap())
	if err != nil {
		return nil, err
	}
	return bitmap.FromBytes(b), nil
}

func (fs *FileSystem) writeInodeBitmap(g uint32, bm *bitmap.Bitmap) error {
	gd := fs.groupDescriptors.descriptors[g]
	return fs.writeBlock(gd.inodeBitmap(), bm.ToBytes())
}

// flushMetadata writes the superblock and the whole group descriptor table
// back to their primary (group 0) location; g does not narrow the write. Backup copies are refreshed only by
// mkfs; keeping every backup synchronized on every allocation is not
// required by the on-disk format and is prohibitively expensive for a
// single-block allocation.
func (fs *FileSystem) flushMetadata(g uint32) error {
	if err := fs.writeSuperblockPrimary(); err != nil {
		return err
	}
	return fs.writeGDTPrimary(g)
}

func (fs *FileSystem) writeSuperblockPrimary() error {
	w, err := fs.backend.Writable()
	if err != nil {
		return newErr("flush_superblock", ErrKindIO, err)
	}
	if _, err := w.WriteAt(fs.superblock.toBytes(), 1024); err != nil {
		return newErr("flush_superblock", ErrKindIO, err)
	}
	return nil
}

func (fs *FileSystem) writeGDTPrimary(_ uint32) error {
	gdtBlock := uint64(1)
	if fs.superblock.blockSize == 1024 {
		gdtBlock = 2
	}
	w, err := fs.backend.Writable()
	if err != nil {
		return newErr("flush_gdt", ErrKindIO, err)
	}
	data := fs.groupDescriptors.toBytes(fs.superblock)
	if _, err := w.WriteAt(data, int64(gdtBlock)*int64(fs.superblock.blockSize)); err != nil {
		return newErr("flush_gdt", ErrKindIO, err)
	}
	return nil
}

// inodeBlockAndOffset locates the byte offset of inode ino's on-disk record.
func (fs *FileSystem) inodeBlockAndOffset(ino uint32) (uint64, uint32, error) {
	g, bit, err := fs.inodeGroupAndBit(ino)
	if err != nil {
		return 0, 0, err
	}
	gd := fs.groupDescriptors.descriptors[g]
	inodeSize := uint32(fs.superblock.inodeSize)
	offsetInTable := uint64(bit) * uint64(inodeSize)
	block := gd.inodeTable() + offsetInTable/uint64(fs.superblock.blockSize)
	offsetInBlock := uint32(offsetInTable % uint64(fs.superblock.blockSize))
	return block, offsetInBlock, nil
}

// readInode returns the in-memory value of inode ino. Callers must already
// hold fs.mu: every exported entry point locks it, and internal helpers like
// this one assume it is held for their duration.
func (fs *FileSystem) readInode(ino uint32) (*inode, error) {
	block, offset, err := fs.inodeBlockAndOffset(ino)
	if err != nil {
		return nil, err
	}
	inodeSize := uint32(fs.superblock.inodeSize)
	buf := make([]byte, inodeSize)
	remaining := inodeSize
	pos := offset
	curBlock := block
	written := uint32(0)
	for remaining > 0 {
		data, err := fs.readBlock(curBlock)
		if err != nil {
			return nil, err
		}
		n := uint32(len(data)) - pos
		if n > remaining {
			n = remaining
		}
		copy(buf[written:written+n], data[pos:pos+n])
		written += n
		remaining -= n
		pos = 0
		curBlock++
	}
	i, err := inodeFromBytes(buf, fs.superblock, ino)
	if err != nil {
		return nil, newErr("read_inode", ErrKindCorruptedFs, err)
	}
	return i, nil
}

// writeInode persists inode i's 128/256-byte record, handling the case
// where it straddles two filesystem blocks.
func (fs *FileSystem) writeInode(i *inode) error {
	block, offset, err := fs.inodeBlockAndOffset(i.number)
	if err != nil {
		return err
	}
	raw := i.toBytes(fs.superblock)
	remaining := uint32(len(raw))
	pos := offset
	curBlock := block
	written := uint32(0)
	for remaining > 0 {
		data, err := fs.readBlock(curBlock)
		if err != nil {
			return err
		}
		n := uint32(len(data)) - pos
		if n > remaining {
			n = remaining
		}
		copy(data[pos:pos+n], raw[written:written+n])
		if err := fs.writeBlock(curBlock, data); err != nil {
			return err
		}
		written += n
		remaining -= n
		pos = 0
		curBlock++
	}
	return nil
}
