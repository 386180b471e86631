// Package hostio bridges engine inodes to real host paths: importing a host
// file into a mounted volume for test fixtures, and exporting an engine
// file back out for debug tooling and integration checks against a real
// filesystem's own xattr store.
package hostio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/altushkaso2/extengine/filesystem/ext"
	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"
)

// userXattrPrefix is the only xattr namespace MirrorXattrs copies between
// host files; trusted/security namespaces require privileges the import/export
// path has no business asserting.
const userXattrPrefix = "user."

// Import creates a regular file under parentIno named after hostPath's base
// name, copies its content in, and stamps crtime from the host file's birth
// time when the host filesystem exposes one (falling back to mtime).
func Import(fs *ext.FileSystem, parentIno uint32, hostPath string) (uint32, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return 0, fmt.Errorf("hostio: open %s: %w", hostPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("hostio: stat %s: %w", hostPath, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("hostio: %s is a directory", hostPath)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("hostio: read %s: %w", hostPath, err)
	}

	name := filepath.Base(hostPath)
	ino, err := fs.CreateFile(parentIno, name, fi.Mode(), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("hostio: create %s: %w", name, err)
	}
	if len(data) > 0 {
		if _, err := fs.WriteFile(ino, data, 0); err != nil {
			return 0, fmt.Errorf("hostio: write %s: %w", name, err)
		}
	}

	crtime := fi.ModTime()
	if ts, err := times.Stat(hostPath); err == nil && ts.HasBirthTime() {
		crtime = ts.BirthTime()
	}
	if err := fs.SetCreateTime(ino, crtime); err != nil {
		return 0, fmt.Errorf("hostio: set crtime for %s: %w", name, err)
	}

	return ino, nil
}

// Export writes the engine file named ino's content to hostPath. It copies
// content only; no extended attributes are set on hostPath (MirrorXattrs
// copies user.* attributes between two host paths).
func Export(fs *ext.FileSystem, ino uint32, hostPath string) error {
	data, err := fs.ReadFile(ino)
	if err != nil {
		return fmt.Errorf("hostio: read inode %d: %w", ino, err)
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return fmt.Errorf("hostio: write %s: %w", hostPath, err)
	}
	return nil
}

// MirrorXattrs copies every user.* extended attribute from srcHostPath onto
// dstHostPath, best-effort: an attribute that cannot be read or set is
// skipped. The engine itself only ever sees the opaque file_acl_lo block.
func MirrorXattrs(srcHostPath, dstHostPath string) error {
	names, err := xattr.List(srcHostPath)
	if err != nil {
		return fmt.Errorf("hostio: list xattrs on %s: %w", srcHostPath, err)
	}
	for _, name := range names {
		if len(name) <= len(userXattrPrefix) || name[:len(userXattrPrefix)] != userXattrPrefix {
			continue
		}
		val, err := xattr.Get(srcHostPath, name)
		if err != nil {
			continue
		}
		_ = xattr.Set(dstHostPath, name, val)
	}
	return nil
}
