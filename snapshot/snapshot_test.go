package snapshot_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/altushkaso2/extengine/backend/file"
	"github.com/altushkaso2/extengine/blockdevice"
	"github.com/altushkaso2/extengine/filesystem/ext"
	"github.com/altushkaso2/extengine/snapshot"
)

func newTestVolume(t *testing.T) *ext.FileSystem {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "snapshot-*.img")
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

func TestWriteReadRoundTripBothCodecs(t *testing.T) {
	fs := newTestVolume(t)

	for _, codec := range []snapshot.Codec{snapshot.CodecLZ4, snapshot.CodecXZ} {
		var buf bytes.Buffer
		if err := snapshot.Write(fs, &buf, codec); err != nil {
			t.Fatalf("Write(codec=%d) error = %v", codec, err)
		}

		snap, err := snapshot.Read(&buf, codec)
		if err != nil {
			t.Fatalf("Read(codec=%d) error = %v", codec, err)
		}

		diffs, err := snap.Diff(fs)
		if err != nil {
			t.Fatalf("Diff(codec=%d) error = %v", codec, err)
		}
		if len(diffs) != 0 {
			t.Errorf("Diff(codec=%d) against the mount it was just taken from = %v, want none", codec, diffs)
		}
	}
}

func TestDiffDetectsChangedMetadataAfterWrite(t *testing.T) {
	fs := newTestVolume(t)

	var buf bytes.Buffer
	if err := snapshot.Write(fs, &buf, snapshot.CodecLZ4); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	snap, err := snapshot.Read(&buf, snapshot.CodecLZ4)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if _, err := fs.CreateFile(ext.RootInode, "new.txt", 0o644, 0, 0); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	diffs, err := snap.Diff(fs)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if len(diffs) == 0 {
		t.Error("Diff() after creating a file = no differences, want at least one (inode bitmap changed)")
	}
}
