package ext

import (
	"encoding/binary"
	"testing"

	"github.com/altushkaso2/extengine/util"
)

func TestDirectoryEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		de   directoryEntry
	}{
		{name: "short name", de: directoryEntry{inode: 2, fileType: dirFileTypeDirectory, filename: "."}},
		{name: "longer name", de: directoryEntry{inode: 42, fileType: dirFileTypeRegular, filename: "hello.txt"}},
		{name: "name needing padding", de: directoryEntry{inode: 7, fileType: dirFileTypeSymlink, filename: "ab"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := tt.de
			de.recLen = de.actualLen()
			b := de.toBytes()

			parsed, next, err := directoryEntryFromBytes(b, 0)
			if err != nil {
				t.Fatalf("directoryEntryFromBytes() error = %v", err)
			}
			if next != int(de.recLen) {
				t.Errorf("next offset = %d, want %d", next, de.recLen)
			}
			if parsed.inode != de.inode || parsed.fileType != de.fileType || parsed.filename != de.filename {
				t.Errorf("round trip mismatch: got %+v, want %+v", parsed, de)
			}
		})
	}
}

func TestDirectoryEntryActualLenIsAligned(t *testing.T) {
	for _, name := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		de := directoryEntry{filename: name}
		if de.actualLen()%4 != 0 {
			t.Errorf("actualLen(%q) = %d, not 4-byte aligned", name, de.actualLen())
		}
		if de.actualLen() < uint16(8+len(name)) {
			t.Errorf("actualLen(%q) = %d, too small to hold header+name", name, de.actualLen())
		}
	}
}

func TestDirectoryEntryFromBytesRejectsTruncatedRecord(t *testing.T) {
	de := directoryEntry{inode: 2, fileType: dirFileTypeDirectory, filename: "dir"}
	de.recLen = de.actualLen()
	b := de.toBytes()

	if _, _, err := directoryEntryFromBytes(b[:4], 0); err == nil {
		t.Error("expected an error parsing a truncated directory record, got nil")
	}
}

func TestDirectoryEntryToBytesMatchesLayout(t *testing.T) {
	de := directoryEntry{inode: 11, fileType: dirFileTypeDirectory, filename: "lost+found"}
	de.recLen = de.actualLen()
	got := de.toBytes()

	want := make([]byte, de.recLen)
	binary.LittleEndian.PutUint32(want[0:4], 11)
	binary.LittleEndian.PutUint16(want[4:6], de.recLen)
	want[6] = byte(len("lost+found"))
	want[7] = byte(dirFileTypeDirectory)
	copy(want[8:], "lost+found")

	if diff, out := util.DumpByteSlicesWithDiffs(got, want, 16, true, true, false); diff {
		t.Errorf("directoryEntry.toBytes() layout mismatch:\n%s", out)
	}
}
