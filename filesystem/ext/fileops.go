package ext

import (
	"io"
	"os"
	"time"

	"github.com/altushkaso2/extengine/util/timestamp"
)

// fileops.go implements the inode-keyed public operations of §4.I: create,
// write/read (the latter two live on File in file.go), truncate, unlink,
// rmdir, rename, chmod, chown, append, copy, recursive delete, tree walk,
// and directory-size accounting.
//
// Every exported method here acquires fs.mu for its duration and then calls
// an unexported "Locked" sibling that does the actual work assuming the lock
// is already held. Operations that call into another operation's logic
// (Unlink/Rmdir/RecursiveDelete all free blocks the way Truncate does, Copy
// reads and writes the way ReadFile/WriteFile do) call the Locked sibling
// directly rather than the exported method, so the volume-wide mutex never
// has to be reacquired by the same goroutine mid-call.

// newInodeTemplate builds an unwritten inode for a freshly allocated inode
// number, stamping mode/owner/group/timestamps and the extents flag this
// volume's profile calls for.
func (fs *FileSystem) newInodeTemplate(ino uint32, ft fileType, mode os.FileMode, owner, group uint32) *inode {
	now := timestamp.GetTime()
	perm := uint16(mode.Perm())
	return &inode{
		number:           ino,
		fileType:         ft,
		permissionsOwner: parseOwnerPermissions(perm),
		permissionsGroup: parseGroupPermissions(perm),
		permissionsOther: parseOtherPermissions(perm),
		owner:            owner,
		group:            group,
		accessTime:       now,
		changeTime:       now,
		modifyTime:       now,
		createTime:       now,
		hardLinks:        1,
		flags:            &inodeFlags{usesExtents: fs.usesExtents()},
		inodeSize:        uint16(fs.superblock.inodeSize),
	}
}

// openFileHandle wraps an already-loaded inode for block-level read/write,
// flattening its extent tree (if any) into the scratch view File.Write and
// File.Read walk.
func (fs *FileSystem) openFileHandle(i *inode) (*File, error) {
	fl := &File{inode: i, filesystem: fs, isReadWrite: true}
	if i.flags.usesExtents && i.extents != nil {
		flat, err := i.extents.blocks(fs)
		if err != nil {
			return nil, err
		}
		fl.extents = flat
	}
	return fl, nil
}

// CreateFile allocates an inode in parent's block group, links it into the
// parent directory as FT_REG_FILE, and rejects an existing name.
func (fs *FileSystem) CreateFile(parentIno uint32, name string, mode os.FileMode, owner, group uint32) (ino uint32, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.createFileLocked(parentIno, name, mode, owner, group)
}

func (fs *FileSystem) createFileLocked(parentIno uint32, name string, mode os.FileMode, owner, group uint32) (ino uint32, err error) {
	err = fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		if _, _, err := dir.Lookup(name); err == nil {
			return newErr("create_file", ErrKindAlreadyExists, nil)
		}
		g, _, err := fs.inodeGroupAndBit(parentIno)
		if err != nil {
			return err
		}
		ino, err = fs.allocateInode(g, false)
		if err != nil {
			return err
		}
		i := fs.newInodeTemplate(ino, fileTypeRegularFile, mode, owner, group)
		if err := fs.writeInode(i); err != nil {
			_ = fs.freeInode(ino, false)
			return err
		}
		if err := dir.Insert(name, ino, dirFileTypeRegular); err != nil {
			_ = fs.freeInode(ino, false)
			return err
		}
		return nil
	})
	return
}

// CreateDir allocates an inode and one data block holding the `.`/`..`
// bootstrap pair, links it into parent with FT_DIR, and bumps parent's
// link count and the owning group's used_dirs.
func (fs *FileSystem) CreateDir(parentIno uint32, name string, mode os.FileMode, owner, group uint32) (ino uint32, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.createDirLocked(parentIno, name, mode, owner, group)
}

func (fs *FileSystem) createDirLocked(parentIno uint32, name string, mode os.FileMode, owner, group uint32) (ino uint32, err error) {
	err = fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		if _, _, err := dir.Lookup(name); err == nil {
			return newErr("create_dir", ErrKindAlreadyExists, nil)
		}
		g, _, err := fs.inodeGroupAndBit(parentIno)
		if err != nil {
			return err
		}
		ino, err = fs.allocateInode(g, true)
		if err != nil {
			return err
		}
		i := fs.newInodeTemplate(ino, fileTypeDirectory, mode|os.ModeDir, owner, group)
		i.hardLinks = 2
		if err := fs.writeInode(i); err != nil {
			_ = fs.freeInode(ino, true)
			return err
		}

		sub, err := openDirectory(fs, ino)
		if err != nil {
			return err
		}
		if err := sub.initBootstrap(ino, parentIno); err != nil {
			_ = fs.freeInode(ino, true)
			return err
		}

		if err := dir.Insert(name, ino, dirFileTypeDirectory); err != nil {
			_ = fs.freeInode(ino, true)
			return err
		}

		parent, err := fs.readInode(parentIno)
		if err != nil {
			return err
		}
		parent.hardLinks++
		return fs.writeInode(parent)
	})
	return
}

// CreateSymlink writes target inline when it fits in the 60-byte block
// area, otherwise allocates a data block for it, per §4.I.
func (fs *FileSystem) CreateSymlink(parentIno uint32, name, target string, owner, group uint32) (ino uint32, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.createSymlinkLocked(parentIno, name, target, owner, group)
}

func (fs *FileSystem) createSymlinkLocked(parentIno uint32, name, target string, owner, group uint32) (ino uint32, err error) {
	err = fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		if _, _, err := dir.Lookup(name); err == nil {
			return newErr("create_symlink", ErrKindAlreadyExists, nil)
		}
		g, _, err := fs.inodeGroupAndBit(parentIno)
		if err != nil {
			return err
		}
		ino, err = fs.allocateInode(g, false)
		if err != nil {
			return err
		}
		i := fs.newInodeTemplate(ino, fileTypeSymbolicLink, os.ModeSymlink|0o777, owner, group)

		if len(target) <= 60 {
			i.linkTarget = target
			i.size = uint64(len(target))
			if err := fs.writeInode(i); err != nil {
				_ = fs.freeInode(ino, false)
				return err
			}
		} else {
			if err := fs.writeInode(i); err != nil {
				_ = fs.freeInode(ino, false)
				return err
			}
			fl, err := fs.openFileHandle(i)
			if err != nil {
				return err
			}
			if _, err := fl.Write([]byte(target)); err != nil {
				_ = fs.freeInode(ino, false)
				return err
			}
		}

		if err := dir.Insert(name, ino, dirFileTypeSymlink); err != nil {
			_ = fs.freeInode(ino, false)
			return err
		}
		return nil
	})
	return
}

// ReadFile returns the complete contents of inode ino.
func (fs *FileSystem) ReadFile(ino uint32) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readFileLocked(ino)
}

func (fs *FileSystem) readFileLocked(ino uint32) ([]byte, error) {
	i, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	fl, err := fs.openFileHandle(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, i.size)
	n, err := io.ReadFull(fl, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile writes data to inode ino at offset, per §4.I's write semantics.
func (fs *FileSystem) WriteFile(ino uint32, data []byte, offset int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeFileLocked(ino, data, offset)
}

func (fs *FileSystem) writeFileLocked(ino uint32, data []byte, offset int64) (int, error) {
	i, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	fl, err := fs.openFileHandle(i)
	if err != nil {
		return 0, err
	}
	if _, err := fl.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return fl.Write(data)
}

// Append writes data at the current end of inode ino.
func (fs *FileSystem) Append(ino uint32, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.appendLocked(ino, data)
}

func (fs *FileSystem) appendLocked(ino uint32, data []byte) (int, error) {
	i, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	fl, err := fs.openFileHandle(i)
	if err != nil {
		return 0, err
	}
	fl.offset = int64(i.size)
	return fl.Write(data)
}

// Truncate frees every block owned by inode ino (walking the indirect
// chain or the extent tree) and resets size/blocks to 0.
func (fs *FileSystem) Truncate(ino uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.truncateLocked(ino)
}

func (fs *FileSystem) truncateLocked(ino uint32) error {
	return fs.withTransaction(func() error {
		i, err := fs.readInode(ino)
		if err != nil {
			return err
		}
		if i.flags.usesExtents {
			if i.extents != nil {
				blocks, err := i.extents.blocks(fs)
				if err != nil {
					return err
				}
				for _, e := range blocks {
					for b := uint64(0); b < uint64(e.actualLen()); b++ {
						_ = fs.freeBlock(e.startingBlock + b)
					}
				}
				// Free the on-disk blocks holding the tree's own non-root nodes.
				nodes := []extentBlockFinder{i.extents}
				for len(nodes) > 0 {
					in, ok := nodes[len(nodes)-1].(*extentInternalNode)
					nodes = nodes[:len(nodes)-1]
					if !ok {
						continue
					}
					for _, c := range in.children {
						child, err := loadChildNode(c, fs)
						if err != nil {
							return err
						}
						nodes = append(nodes, child)
						_ = fs.freeBlock(c.diskBlock)
					}
				}
			}
			i.extents = nil
		} else {
			if err := freeIndirectTree(fs, i); err != nil {
				return err
			}
			i.blockPointers = [15]uint32{}
		}
		i.size = 0
		i.blocks = 0
		i.modifyTime = timestamp.GetTime()
		return fs.writeInode(i)
	})
}

// freeIndirectTree frees every direct and indirect block an ext2-style
// inode references, bottom-up.
func freeIndirectTree(fs *FileSystem, i *inode) error {
	for _, ptr := range i.blockPointers[:directBlockCount] {
		if ptr != 0 {
			_ = fs.freeBlock(uint64(ptr))
		}
	}
	levels := []struct {
		idx   int
		depth int
	}{
		{singleIndirectIdx, 1},
		{doubleIndirectIdx, 2},
		{tripleIndirectIdx, 3},
	}
	for _, lvl := range levels {
		root := i.blockPointers[lvl.idx]
		if root == 0 {
			continue
		}
		if err := freeIndirectLevel(fs, uint64(root), lvl.depth); err != nil {
			return err
		}
	}
	return nil
}

func freeIndirectLevel(fs *FileSystem, block uint64, depth int) error {
	data, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	p := pointersPerBlock(fs.superblock.blockSize)
	for idx := uint64(0); idx < p; idx++ {
		ptr := readPointer(data, idx)
		if ptr == 0 {
			continue
		}
		if depth > 1 {
			if err := freeIndirectLevel(fs, uint64(ptr), depth-1); err != nil {
				return err
			}
		} else {
			_ = fs.freeBlock(uint64(ptr))
		}
	}
	return fs.freeBlock(block)
}

// Unlink removes name from parent; when that was the inode's last link,
// the inode's blocks are freed and the inode itself released.
func (fs *FileSystem) Unlink(parentIno uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unlinkLocked(parentIno, name)
}

func (fs *FileSystem) unlinkLocked(parentIno uint32, name string) error {
	return fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		ino, ft, err := dir.Lookup(name)
		if err != nil {
			return err
		}
		if ft == dirFileTypeDirectory {
			return newErr("unlink", ErrKindIsDirectory, nil)
		}
		i, err := fs.readInode(ino)
		if err != nil {
			return err
		}
		if i.hardLinks > 0 {
			i.hardLinks--
		}
		if i.hardLinks == 0 {
			if err := fs.truncateLocked(ino); err != nil {
				return err
			}
			if err := fs.freeInode(ino, false); err != nil {
				return err
			}
		} else if err := fs.writeInode(i); err != nil {
			return err
		}
		return dir.Remove(name)
	})
}

// Rmdir removes an empty subdirectory.
func (fs *FileSystem) Rmdir(parentIno uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.rmdirLocked(parentIno, name)
}

func (fs *FileSystem) rmdirLocked(parentIno uint32, name string) error {
	return fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		ino, ft, err := dir.Lookup(name)
		if err != nil {
			return err
		}
		if ft != dirFileTypeDirectory {
			return newErr("rmdir", ErrKindNotDirectory, nil)
		}
		sub, err := openDirectory(fs, ino)
		if err != nil {
			return err
		}
		empty, err := sub.IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return newErr("rmdir", ErrKindNotEmpty, nil)
		}
		if err := fs.truncateLocked(ino); err != nil {
			return err
		}
		if err := fs.freeInode(ino, true); err != nil {
			return err
		}
		if err := dir.Remove(name); err != nil {
			return err
		}
		parent, err := fs.readInode(parentIno)
		if err != nil {
			return err
		}
		if parent.hardLinks > 0 {
			parent.hardLinks--
		}
		return fs.writeInode(parent)
	})
}

// Rename moves a name to a new name within the same directory.
func (fs *FileSystem) Rename(parentIno uint32, oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.renameLocked(parentIno, oldName, newName)
}

func (fs *FileSystem) renameLocked(parentIno uint32, oldName, newName string) error {
	return fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		ino, ft, err := dir.Lookup(oldName)
		if err != nil {
			return err
		}
		if _, _, err := dir.Lookup(newName); err == nil {
			return newErr("rename", ErrKindAlreadyExists, nil)
		}
		if err := dir.Insert(newName, ino, ft); err != nil {
			return err
		}
		return dir.Remove(oldName)
	})
}

// Chmod updates an inode's permission bits.
func (fs *FileSystem) Chmod(ino uint32, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.chmodLocked(ino, mode)
}

func (fs *FileSystem) chmodLocked(ino uint32, mode os.FileMode) error {
	i, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	perm := uint16(mode.Perm())
	i.permissionsOwner = parseOwnerPermissions(perm)
	i.permissionsGroup = parseGroupPermissions(perm)
	i.permissionsOther = parseOtherPermissions(perm)
	i.changeTime = timestamp.GetTime()
	return fs.writeInode(i)
}

// Chown updates an inode's owner and group.
func (fs *FileSystem) Chown(ino uint32, owner, group uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.chownLocked(ino, owner, group)
}

func (fs *FileSystem) chownLocked(ino uint32, owner, group uint32) error {
	i, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	i.owner = owner
	i.group = group
	i.changeTime = timestamp.GetTime()
	return fs.writeInode(i)
}

// SetCreateTime overrides an inode's crtime, used by host-import tooling to
// carry a source file's birth time onto the inode mkfs/CreateFile otherwise
// stamps with the time of creation.
func (fs *FileSystem) SetCreateTime(ino uint32, t time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	i.createTime = t
	return fs.writeInode(i)
}

// Copy duplicates a regular file's bytes under a new name in dstParent.
func (fs *FileSystem) Copy(srcParent uint32, srcName string, dstParent uint32, dstName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.copyLocked(srcParent, srcName, dstParent, dstName)
}

func (fs *FileSystem) copyLocked(srcParent uint32, srcName string, dstParent uint32, dstName string) error {
	dir, err := openDirectory(fs, srcParent)
	if err != nil {
		return err
	}
	ino, ft, err := dir.Lookup(srcName)
	if err != nil {
		return err
	}
	if ft == dirFileTypeDirectory {
		return newErr("copy", ErrKindIsDirectory, nil)
	}
	src, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	data, err := fs.readFileLocked(ino)
	if err != nil {
		return err
	}
	newIno, err := fs.createFileLocked(dstParent, dstName, src.permissionsToMode(), src.owner, src.group)
	if err != nil {
		return err
	}
	_, err = fs.writeFileLocked(newIno, data, 0)
	return err
}

const maxWalkDepth = 64

type walkFrame struct {
	ino     uint32
	entries []DirEntry
	index   int
	name    string
}

// TreeWalk visits every descendant of ino depth-first, calling visit with
// each entry's own name (not its path from ino), inode number, and file
// type tag.
func (fs *FileSystem) TreeWalk(ino uint32, visit func(name string, ino uint32, ft dirFileType) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.treeWalkLocked(ino, visit)
}

func (fs *FileSystem) treeWalkLocked(ino uint32, visit func(name string, ino uint32, ft dirFileType) error) error {
	var stack [maxWalkDepth]walkFrame
	top := 0

	dir, err := openDirectory(fs, ino)
	if err != nil {
		return err
	}
	entries, err := dir.List(0)
	if err != nil {
		return err
	}
	stack[0] = walkFrame{ino: ino, entries: entries}

	for top >= 0 {
		frame := &stack[top]
		if frame.index >= len(frame.entries) {
			top--
			continue
		}
		e := frame.entries[frame.index]
		frame.index++
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := visit(e.Name, e.Inode, dirFileType(e.FileType)); err != nil {
			return err
		}
		if dirFileType(e.FileType) == dirFileTypeDirectory {
			if top+1 >= maxWalkDepth {
				return newErr("tree_walk", ErrKindCorruptedFs, nil)
			}
			sub, err := openDirectory(fs, e.Inode)
			if err != nil {
				return err
			}
			subEntries, err := sub.List(0)
			if err != nil {
				return err
			}
			top++
			stack[top] = walkFrame{ino: e.Inode, entries: subEntries}
		}
	}
	return nil
}

// RecursiveDelete removes name from parent, freeing every descendant if it
// names a directory.
func (fs *FileSystem) RecursiveDelete(parentIno uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.recursiveDeleteLocked(parentIno, name)
}

func (fs *FileSystem) recursiveDeleteLocked(parentIno uint32, name string) error {
	return fs.withTransaction(func() error {
		dir, err := openDirectory(fs, parentIno)
		if err != nil {
			return err
		}
		ino, ft, err := dir.Lookup(name)
		if err != nil {
			return err
		}
		if ft != dirFileTypeDirectory {
			return fs.unlinkLocked(parentIno, name)
		}

		type victim struct {
			ino   uint32
			isDir bool
		}
		var victims []victim
		if err := fs.treeWalkLocked(ino, func(n string, childIno uint32, childFt dirFileType) error {
			v := victim{ino: childIno, isDir: childFt == dirFileTypeDirectory}
			if v.isDir {
				victims = append([]victim{v}, victims...)
			} else {
				victims = append(victims, v)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, v := range victims {
			if err := fs.truncateLocked(v.ino); err != nil {
				return err
			}
			if err := fs.freeInode(v.ino, v.isDir); err != nil {
				return err
			}
		}
		if err := fs.truncateLocked(ino); err != nil {
			return err
		}
		if err := fs.freeInode(ino, true); err != nil {
			return err
		}
		if err := dir.Remove(name); err != nil {
			return err
		}
		parent, err := fs.readInode(parentIno)
		if err != nil {
			return err
		}
		if parent.hardLinks > 0 {
			parent.hardLinks--
		}
		return fs.writeInode(parent)
	})
}

// DirSize sums the size of every non-directory descendant of ino (regular
// files, symlinks, and any other non-directory entry).
func (fs *FileSystem) DirSize(ino uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dirSizeLocked(ino)
}

func (fs *FileSystem) dirSizeLocked(ino uint32) (uint64, error) {
	var total uint64
	err := fs.treeWalkLocked(ino, func(_ string, childIno uint32, ft dirFileType) error {
		if ft == dirFileTypeDirectory {
			return nil
		}
		i, err := fs.readInode(childIno)
		if err != nil {
			return err
		}
		total += i.size
		return nil
	})
	return total, err
}
