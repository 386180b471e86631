package ext

import "testing"

func TestLogOf(t *testing.T) {
	tests := []struct {
		blockSize uint32
		want      uint32
	}{
		{blockSize: 1024, want: 0},
		{blockSize: 2048, want: 1},
		{blockSize: 4096, want: 2},
	}
	for _, tt := range tests {
		if got := logOf(tt.blockSize); got != tt.want {
			t.Errorf("logOf(%d) = %d, want %d", tt.blockSize, got, tt.want)
		}
	}
}

func TestProfileFeaturesExt2HasNoJournalOrExtents(t *testing.T) {
	f := profileFeatures(ProfileExt2, 128)
	if f.compat&featureCompatHasJournal != 0 {
		t.Error("ext2 profile should not set HAS_JOURNAL")
	}
	if f.incompat&featureIncompatExtents != 0 {
		t.Error("ext2 profile should not set EXTENTS")
	}
	if f.incompat&featureIncompatFiletype == 0 {
		t.Error("ext2 profile should still set FILETYPE")
	}
}

func TestProfileFeaturesExt3AddsJournalOnly(t *testing.T) {
	f := profileFeatures(ProfileExt3, 128)
	if f.compat&featureCompatHasJournal == 0 {
		t.Error("ext3 profile should set HAS_JOURNAL")
	}
	if f.incompat&featureIncompatExtents != 0 {
		t.Error("ext3 profile should not set EXTENTS")
	}
}

func TestProfileFeaturesExt4AddsExtentsAndExtraIsize(t *testing.T) {
	f := profileFeatures(ProfileExt4, 256)
	if f.incompat&featureIncompatExtents == 0 {
		t.Error("ext4 profile should set EXTENTS")
	}
	if f.roCompat&featureRoCompatExtraIsize == 0 {
		t.Error("ext4 profile with 256-byte inodes should set EXTRA_ISIZE")
	}
	if f.roCompat&featureRoCompatHugeFile == 0 {
		t.Error("ext4 profile should set HUGE_FILE")
	}
}

func TestProfileFeaturesExt4SmallInodeOmitsExtraIsize(t *testing.T) {
	f := profileFeatures(ProfileExt4, 128)
	if f.roCompat&featureRoCompatExtraIsize != 0 {
		t.Error("ext4 profile with 128-byte inodes should not set EXTRA_ISIZE")
	}
}

func TestMkfsRejectsUnsupportedBlockSize(t *testing.T) {
	if _, err := Mkfs(nil, MkfsParams{BlockSize: 2048, InodeSize: 128, Profile: ProfileExt2, TargetSectorCount: 1 << 20}); err == nil {
		t.Error("expected an error for an unsupported block size, got nil")
	}
}

func TestMkfsRejectsExt4With128ByteInodes(t *testing.T) {
	if _, err := Mkfs(nil, MkfsParams{BlockSize: 4096, InodeSize: 128, Profile: ProfileExt4, TargetSectorCount: 1 << 20}); err == nil {
		t.Error("expected an error for ext4 with 128-byte inodes, got nil")
	}
}

func TestMkfsRejectsUndersizedDevice(t *testing.T) {
	if _, err := Mkfs(nil, MkfsParams{BlockSize: 1024, InodeSize: 128, Profile: ProfileExt2, TargetSectorCount: 1}); err == nil {
		t.Error("expected an error for a device smaller than 64 blocks, got nil")
	}
}
