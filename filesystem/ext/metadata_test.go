package ext

import (
	"testing"

	"github.com/go-test/deep"
)

func TestMetadataSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	deep.CompareUnexportedFields = true
	snap := &MetadataSnapshot{
		SuperblockBytes: []byte{1, 2, 3, 4, 5},
		GDTBytes:        []byte{6, 7, 8},
		BlockBitmaps:    [][]byte{{0xff, 0x00}, {0x0f, 0xf0}},
		InodeBitmaps:    [][]byte{{0x01}, {0x02}},
	}

	decoded, err := DecodeMetadataSnapshot(snap.Encode())
	if err != nil {
		t.Fatalf("DecodeMetadataSnapshot() error = %v", err)
	}
	if diff := deep.Equal(snap, decoded); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestMetadataSnapshotEncodeDecodeEmptyGroups(t *testing.T) {
	snap := &MetadataSnapshot{
		SuperblockBytes: []byte{9},
		GDTBytes:        []byte{},
		BlockBitmaps:    [][]byte{},
		InodeBitmaps:    [][]byte{},
	}

	decoded, err := DecodeMetadataSnapshot(snap.Encode())
	if err != nil {
		t.Fatalf("DecodeMetadataSnapshot() error = %v", err)
	}
	if len(decoded.BlockBitmaps) != 0 || len(decoded.InodeBitmaps) != 0 {
		t.Errorf("expected zero groups, got %d block bitmaps, %d inode bitmaps", len(decoded.BlockBitmaps), len(decoded.InodeBitmaps))
	}
	if string(decoded.SuperblockBytes) != string(snap.SuperblockBytes) {
		t.Errorf("superblock bytes mismatch: got %v, want %v", decoded.SuperblockBytes, snap.SuperblockBytes)
	}
}

func TestDecodeMetadataSnapshotRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeMetadataSnapshot([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error decoding a truncated snapshot, got nil")
	}

	snap := &MetadataSnapshot{SuperblockBytes: []byte{1, 2, 3, 4}, GDTBytes: []byte{5, 6}}
	raw := snap.Encode()
	if _, err := DecodeMetadataSnapshot(raw[:len(raw)-1]); err == nil {
		t.Error("expected an error decoding a snapshot truncated mid-section, got nil")
	}
}
