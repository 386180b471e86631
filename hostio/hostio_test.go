package hostio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/altushkaso2/extengine/backend/file"
	"github.com/altushkaso2/extengine/blockdevice"
	"github.com/altushkaso2/extengine/filesystem/ext"
	"github.com/altushkaso2/extengine/hostio"
)

func newTestVolume(t *testing.T) *ext.FileSystem {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "hostio-*.img")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })

	const sectorCount = 1 << 16
	if err := f.Truncate(sectorCount * 512); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	dev, err := blockdevice.New(file.New(f, false), blockdevice.RoleNone)
	if err != nil {
		t.Fatalf("blockdevice.New() error = %v", err)
	}
	if _, err := ext.Mkfs(dev, ext.MkfsParams{
		BlockSize:         1024,
		InodeSize:         128,
		Profile:           ext.ProfileExt2,
		TargetSectorCount: sectorCount,
	}); err != nil {
		t.Fatalf("Mkfs() error = %v", err)
	}
	fs, err := ext.Mount(dev)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return fs
}

func TestImportThenExportRoundTripsContent(t *testing.T) {
	fs := newTestVolume(t)

	src := filepath.Join(t.TempDir(), "source.txt")
	want := []byte("imported content")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	ino, err := hostio.Import(fs, ext.RootInode, src)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	got, err := fs.ReadFile(ino)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadFile() after import = %q, want %q", got, want)
	}

	dst := filepath.Join(t.TempDir(), "dest.txt")
	if err := hostio.Export(fs, ino, dst); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	exported, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("os.ReadFile(dst) error = %v", err)
	}
	if string(exported) != string(want) {
		t.Errorf("Export() wrote %q, want %q", exported, want)
	}
}

func TestImportRejectsDirectory(t *testing.T) {
	fs := newTestVolume(t)

	if _, err := hostio.Import(fs, ext.RootInode, t.TempDir()); err == nil {
		t.Error("expected an error importing a directory, got nil")
	}
}
