package ext

import (
	"os"
	"testing"

	"github.com/altushkaso2/extengine/backend/file"
	"github.com/altushkaso2/extengine/blockdevice"
)

// newTestVolume lays out a fresh volume of the given profile on a temp
// file and mounts it, returning the live FileSystem for the test to drive.
func newTestVolume(t *testing.T, profile profile, blockSize uint32, inodeSize uint16) *FileSystem {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "extengine-*.img")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })

	const sectorCount = 1 << 16 // 32 MiB at 512 bytes/sector
	if err := f.Truncate(sectorCount * 512); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	storage := file.New(f, false)
	dev, err := blockdevice.New(storage, blockdevice.RoleNone)
	if err != nil {
		t.Fatalf("blockdevice.New() error = %v", err)
	}

	if _, err := Mkfs(dev, MkfsParams{
		BlockSize:         blockSize,
		InodeSize:         inodeSize,
		Profile:           profile,
		TargetSectorCount: sectorCount,
		Label:             "test",
	}); err != nil {
		t.Fatalf("Mkfs() error = %v", err)
	}

	fs, err := Mount(dev)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return fs
}

func TestMkfsMountExt2RootAndLostFound(t *testing.T) {
	fs := newTestVolume(t, ProfileExt2, 1024, 128)

	ino, ft, err := fs.ResolvePath("lost+found")
	if err != nil {
		t.Fatalf("ResolvePath(lost+found) error = %v", err)
	}
	if ino != lostAndFoundInode {
		t.Errorf("lost+found inode = %d, want %d", ino, lostAndFoundInode)
	}
	if ft != dirFileTypeDirectory {
		t.Errorf("lost+found file type = %v, want directory", ft)
	}
}

func TestMkfsMountExt4CreateWriteReadFile(t *testing.T) {
	fs := newTestVolume(t, ProfileExt4, 4096, 256)

	ino, err := fs.CreateFile(RootInode, "hello.txt", 0o644, 0, 0)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	want := []byte("hello, filesystem")
	if _, err := fs.WriteFile(ino, want, 0); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := fs.ReadFile(ino)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadFile() = %q, want %q", got, want)
	}

	resolved, _, err := fs.ResolvePath("hello.txt")
	if err != nil {
		t.Fatalf("ResolvePath(hello.txt) error = %v", err)
	}
	if resolved != ino {
		t.Errorf("ResolvePath(hello.txt) = %d, want %d", resolved, ino)
	}
}

func TestMkfsMountExt3CreateDirAndJournal(t *testing.T) {
	fs := newTestVolume(t, ProfileExt3, 1024, 128)

	if !fs.journaled() {
		t.Fatal("expected an ext3 volume to be journaled after mkfs")
	}

	ino, err := fs.CreateDir(RootInode, "subdir", 0o755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}

	resolved, ft, err := fs.ResolvePath("subdir")
	if err != nil {
		t.Fatalf("ResolvePath(subdir) error = %v", err)
	}
	if resolved != ino || ft != dirFileTypeDirectory {
		t.Errorf("ResolvePath(subdir) = (%d, %v), want (%d, directory)", resolved, ft, ino)
	}
}
