package ext

import (
	"encoding/binary"
)

// Directory is the in-memory handle used to scan and mutate one directory's
// linear records, per §4.H: a directory's data is just a regular inode's
// block list, read and written through the same mapping File uses.
type Directory struct {
	file *File
}

// openDirectory reads inode ino and wraps it for directory-record access,
// rejecting anything that is not a directory.
func openDirectory(fs *FileSystem, ino uint32) (*Directory, error) {
	i, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if i.fileType != fileTypeDirectory {
		return nil, newErr("open_dir", ErrKindNotDirectory, nil)
	}
	fl := &File{inode: i, filesystem: fs, isReadWrite: true}
	if i.flags.usesExtents && i.extents != nil {
		flat, err := i.extents.blocks(fs)
		if err != nil {
			return nil, err
		}
		fl.extents = flat
	}
	return &Directory{file: fl}, nil
}

func (d *Directory) blockSize() uint64 {
	return uint64(d.file.filesystem.superblock.blockSize)
}

func (d *Directory) blockCount() uint64 {
	bs := d.blockSize()
	return (d.file.size + bs - 1) / bs
}

func (d *Directory) readDirBlock(idx uint64) ([]byte, error) {
	phys, err := d.file.mapBlock(idx)
	if err != nil {
		return nil, err
	}
	if phys == 0 {
		return make([]byte, d.blockSize()), nil
	}
	return d.file.filesystem.readBlock(phys)
}

func (d *Directory) writeDirBlock(idx uint64, data []byte) error {
	phys, err := d.file.ensureBlock(idx)
	if err != nil {
		return err
	}
	return d.file.filesystem.writeBlock(phys, data)
}

// Lookup scans every block linearly for name, per §4.H.
func (d *Directory) Lookup(name string) (uint32, dirFileType, error) {
	blocks := d.blockCount()
	for blk := uint64(0); blk < blocks; blk++ {
		data, err := d.readDirBlock(blk)
		if err != nil {
			return 0, 0, err
		}
		off := 0
		for off < len(data) {
			de, next, err := directoryEntryFromBytes(data, off)
			if err != nil {
				return 0, 0, err
			}
			if de.inode != 0 && de.filename == name {
				return de.inode, de.fileType, nil
			}
			off = next
		}
	}
	return 0, 0, newErr("lookup", ErrKindNotFound, nil)
}

// List streams every live record into a DirEntry slice, stopping at max
// entries when max > 0.
func (d *Directory) List(max int) ([]DirEntry, error) {
	var out []DirEntry
	blocks := d.blockCount()
	for blk := uint64(0); blk < blocks; blk++ {
		data, err := d.readDirBlock(blk)
		if err != nil {
			return nil, err
		}
		off := 0
		for off < len(data) {
			de, next, err := directoryEntryFromBytes(data, off)
			if err != nil {
				return nil, err
			}
			if de.inode != 0 {
				out = append(out, DirEntry{Name: de.filename, Inode: de.inode, FileType: uint8(de.fileType)})
				if max > 0 && len(out) >= max {
					return out, nil
				}
			}
			off = next
		}
	}
	return out, nil
}

// Insert links name -> ino with file type ft into the directory, per the
// slack-reuse and fresh-block-append rules of §4.H.
func (d *Directory) Insert(name string, ino uint32, ft dirFileType) error {
	needed := &directoryEntry{filename: name, inode: ino, fileType: ft}
	needLen := needed.actualLen()

	blocks := d.blockCount()
	for blk := uint64(0); blk < blocks; blk++ {
		data, err := d.readDirBlock(blk)
		if err != nil {
			return err
		}
		off := 0
		for off < len(data) {
			de, next, err := directoryEntryFromBytes(data, off)
			if err != nil {
				return err
			}
			if de.inode != 0 && de.filename == name {
				return newErr("insert", ErrKindAlreadyExists, nil)
			}
			if de.inode == 0 && de.recLen >= needLen {
				needed.recLen = de.recLen
				copy(data[off:off+int(de.recLen)], needed.toBytes())
				return d.writeDirBlock(blk, data)
			}
			actual := de.actualLen()
			slack := de.recLen - actual
			if de.inode != 0 && slack >= needLen {
				binary.LittleEndian.PutUint16(data[off+4:off+6], actual)
				newOff := off + int(actual)
				needed.recLen = slack
				copy(data[newOff:newOff+int(slack)], needed.toBytes())
				return d.writeDirBlock(blk, data)
			}
			off = next
		}
	}

	bs := d.blockSize()
	phys, err := d.file.ensureBlock(blocks)
	if err != nil {
		return err
	}
	needed.recLen = uint16(bs)
	if err := d.file.filesystem.writeBlock(phys, needed.toBytes()); err != nil {
		return err
	}
	d.file.size += bs
	return d.file.filesystem.writeInode(d.file.inode)
}

// Remove unlinks name, coalescing its record into the previous one in the
// same block, or zeroing its inode field when it is the block's first
// record, per §4.H.
func (d *Directory) Remove(name string) error {
	blocks := d.blockCount()
	for blk := uint64(0); blk < blocks; blk++ {
		data, err := d.readDirBlock(blk)
		if err != nil {
			return err
		}
		prevOff := -1
		off := 0
		for off < len(data) {
			de, next, err := directoryEntryFromBytes(data, off)
			if err != nil {
				return err
			}
			if de.inode != 0 && de.filename == name {
				if prevOff >= 0 {
					prevRecLen := binary.LittleEndian.Uint16(data[prevOff+4 : prevOff+6])
					binary.LittleEndian.PutUint16(data[prevOff+4:prevOff+6], prevRecLen+de.recLen)
				} else {
					binary.LittleEndian.PutUint32(data[off:off+4], 0)
				}
				return d.writeDirBlock(blk, data)
			}
			prevOff = off
			off = next
		}
	}
	return newErr("remove", ErrKindNotFound, nil)
}

// IsEmpty reports whether the directory holds only "." and "..".
func (d *Directory) IsEmpty() (bool, error) {
	entries, err := d.List(0)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// initBootstrap writes the mandatory first block of a new directory: a
// {".", self} record of rec_len 12 followed by a {"..", parent} record
// consuming the rest of the block, per §4.H's `.`/`..` invariant.
func (d *Directory) initBootstrap(selfIno, parentIno uint32) error {
	bs := d.blockSize()
	dot := &directoryEntry{inode: selfIno, filename: ".", fileType: dirFileTypeDirectory, recLen: 12}
	dotdot := &directoryEntry{inode: parentIno, filename: "..", fileType: dirFileTypeDirectory, recLen: uint16(bs - 12)}

	data := make([]byte, bs)
	copy(data[0:12], dot.toBytes())
	copy(data[12:], dotdot.toBytes())

	phys, err := d.file.ensureBlock(0)
	if err != nil {
		return err
	}
	if err := d.file.filesystem.writeBlock(phys, data); err != nil {
		return err
	}
	d.file.size = bs
	return d.file.filesystem.writeInode(d.file.inode)
}
