package ext

import (
	iofs "io/fs"
	"strings"
)

// path.go is the engine's one concession to path-based lookup, per §1's
// "never touches a path-based filesystem API beyond the convenience
// resolve_path helper": split a slash-separated path and walk it one
// directory Lookup at a time, inode by inode.

// RootInode is the well-known inode number of the volume's root directory.
const RootInode uint32 = 2

func validatePath(name string) error {
	if !iofs.ValidPath(name) {
		return iofs.ErrInvalid
	}
	return nil
}

// ResolvePath walks p from the root, returning the inode number and its
// FT_* type tag. An empty or "." path resolves to the root itself.
func (vol *FileSystem) ResolvePath(p string) (uint32, dirFileType, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	if p == "" || p == "." {
		return RootInode, dirFileTypeDirectory, nil
	}
	if err := validatePath(p); err != nil {
		return 0, 0, newErr("resolve_path", ErrKindNotFound, err)
	}

	ino := RootInode
	ft := dirFileTypeDirectory
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		if ft != dirFileTypeDirectory {
			return 0, 0, newErr("resolve_path", ErrKindNotDirectory, nil)
		}
		dir, err := openDirectory(vol, ino)
		if err != nil {
			return 0, 0, err
		}
		ino, ft, err = dir.Lookup(part)
		if err != nil {
			return 0, 0, err
		}
	}
	return ino, ft, nil
}
