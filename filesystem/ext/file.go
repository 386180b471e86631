package ext

import (
	"fmt"
	"io"

	"github.com/altushkaso2/extengine/util/timestamp"
)

// File represents an open file on the volume, addressed by inode.
type File struct {
	*directoryEntry
	*inode
	isReadWrite bool
	isAppend    bool
	offset      int64
	filesystem  *FileSystem
	extents     extents
}

// Read reads up to len(b) bytes from the File, from the last known offset.
// At end of file, Read returns 0, io.EOF. Holes (zero block pointers) read
// back as zero bytes, never an error.
func (fl *File) Read(b []byte) (int, error) {
	fileSize := int64(fl.size)
	blocksize := int64(fl.filesystem.superblock.blockSize)
	if fl.offset >= fileSize {
		return 0, io.EOF
	}

	toRead := int64(len(b))
	if fl.offset+toRead > fileSize {
		toRead = fileSize - fl.offset
	}
	b = b[:toRead]

	var read int64
	for read < toRead {
		logicalBlock := uint64(fl.offset) / uint64(blocksize)
		inBlockOffset := fl.offset % blocksize
		physBlock, err := fl.mapBlock(logicalBlock)
		if err != nil {
			return int(read), err
		}
		chunk := blocksize - inBlockOffset
		if remaining := toRead - read; chunk > remaining {
			chunk = remaining
		}
		if physBlock == 0 {
			for i := int64(0); i < chunk; i++ {
				b[read+i] = 0
			}
		} else {
			data, err := fl.filesystem.readBlock(physBlock)
			if err != nil {
				return int(read), newErr("read", ErrKindIO, err)
			}
			copy(b[read:read+chunk], data[inBlockOffset:inBlockOffset+chunk])
		}
		read += chunk
		fl.offset += chunk
	}

	var err error
	if fl.offset >= fileSize {
		err = io.EOF
	}
	return int(read), err
}

// Write writes len(p) bytes to the File at the current offset, mapping
// logical blocks via the extent tree or indirect blocks (allocating on
// demand), and extends size when the write runs past the current end.
func (fl *File) Write(p []byte) (int, error) {
	blocksize := int64(fl.filesystem.superblock.blockSize)
	var written int64
	for written < int64(len(p)) {
		logicalBlock := uint64(fl.offset) / uint64(blocksize)
		inBlockOffset := fl.offset % blocksize
		physBlock, err := fl.ensureBlock(logicalBlock)
		if err != nil {
			return int(written), err
		}
		chunk := blocksize - inBlockOffset
		if remaining := int64(len(p)) - written; chunk > remaining {
			chunk = remaining
		}

		var data []byte
		if inBlockOffset != 0 || chunk != blocksize {
			data, err = fl.filesystem.readBlock(physBlock)
			if err != nil {
				return int(written), newErr("write", ErrKindIO, err)
			}
		} else {
			data = make([]byte, blocksize)
		}
		copy(data[inBlockOffset:inBlockOffset+chunk], p[written:written+chunk])
		if err := fl.filesystem.writeBlock(physBlock, data); err != nil {
			return int(written), newErr("write", ErrKindIO, err)
		}

		written += chunk
		fl.offset += chunk
		if uint64(fl.offset) > fl.size {
			fl.size = uint64(fl.offset)
		}
	}
	fl.modifyTime = timestamp.GetTime()
	if err := fl.filesystem.writeInode(fl.inode); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Seek sets the offset to a particular point in the file.
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	newOffset := int64(0)
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// ReadAt reads len(b) bytes starting at off without disturbing the
// File's current offset, in the style of io.ReaderAt.
func (fl *File) ReadAt(b []byte, off int64) (int, error) {
	saved := fl.offset
	fl.offset = off
	n, err := fl.Read(b)
	fl.offset = saved
	return n, err
}

// WriteAt writes b starting at off without disturbing the File's current
// offset, in the style of io.WriterAt.
func (fl *File) WriteAt(b []byte, off int64) (int, error) {
	saved := fl.offset
	fl.offset = off
	n, err := fl.Write(b)
	fl.offset = saved
	return n, err
}

// Close closes a file that was being read or written.
func (fl *File) Close() error {
	*fl = File{}
	return nil
}

// mapBlock resolves a logical block to a physical block number without
// allocating; returns 0 for a hole.
func (fl *File) mapBlock(logical uint64) (uint64, error) {
	if fl.flags.usesExtents {
		if len(fl.extents) == 0 {
			return 0, nil
		}
		finder := extentsBlockFinderFromExtents(fl.extents, fl.filesystem.superblock.blockSize)
		blocks, err := finder.findBlocks(logical, 1, fl.filesystem)
		if err != nil || len(blocks) == 0 {
			return 0, err
		}
		return blocks[0], nil
	}
	return indirectLookup(fl.filesystem, fl.inode, logical, false)
}

// ensureBlock resolves a logical block to a physical block number,
// allocating and wiring it in if it is currently a hole.
func (fl *File) ensureBlock(logical uint64) (uint64, error) {
	if fl.flags.usesExtents {
		return fl.ensureExtentBlock(logical)
	}
	return indirectLookup(fl.filesystem, fl.inode, logical, true)
}

// ensureExtentBlock resolves logical to a physical block, allocating a new
// extent and grafting it into the inode's extent tree (in-inode root, or
// on-disk nodes for a grown tree) when logical is not yet mapped.
func (fl *File) ensureExtentBlock(logical uint64) (uint64, error) {
	if len(fl.extents) > 0 {
		finder := extentsBlockFinderFromExtents(fl.extents, fl.filesystem.superblock.blockSize)
		blocks, err := finder.findBlocks(logical, 1, fl.filesystem)
		if err != nil {
			return 0, err
		}
		if len(blocks) > 0 {
			return blocks[0], nil
		}
	}
	alloc, err := fl.filesystem.allocateExtents(uint64(fl.filesystem.superblock.blockSize), nil)
	if err != nil {
		return 0, newErr("write", ErrKindNoSpace, err)
	}
	newExtents := *alloc
	if len(newExtents) == 0 {
		return 0, newErr("write", ErrKindNoSpace, nil)
	}
	newExtents[0].fileBlock = uint32(logical)

	tree, _, err := extendExtentTree(fl.inode.extents, &newExtents, fl.filesystem)
	if err != nil {
		return 0, newErr("write", ErrKindExtentFull, err)
	}
	fl.inode.extents = tree
	fl.blocks += uint64(fl.filesystem.superblock.blockSize) / 512

	flat, err := tree.blocks(fl.filesystem)
	if err != nil {
		return 0, err
	}
	fl.extents = flat
	return newExtents[0].startingBlock, nil
}
