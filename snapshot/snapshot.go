// Package snapshot exports and imports a mounted volume's metadata (the
// superblock, group descriptor table, and block/inode bitmaps, never file
// data) as a single compressed stream, for the kind of offline diffing a
// property-based test harness or crash-forensics tool needs between two
// points of a run.
package snapshot

import (
	"bytes"
	"fmt"
	"io"

	"github.com/altushkaso2/extengine/filesystem/ext"
	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

// Codec selects the compression scheme a snapshot stream is written with.
type Codec int

const (
	// CodecLZ4 favors speed, for snapshots taken often.
	CodecLZ4 Codec = iota
	// CodecXZ favors ratio, for snapshots kept where disk space matters
	// more than write speed.
	CodecXZ
)

// Write serializes fs's live metadata and writes it to w, compressed with
// codec.
func Write(fs *ext.FileSystem, w io.Writer, codec Codec) error {
	snap, err := fs.TakeMetadataSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: take: %w", err)
	}
	raw := snap.Encode()

	switch codec {
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("snapshot: lz4 write: %w", err)
		}
		return zw.Close()
	case CodecXZ:
		zw, err := xz.NewWriter(w)
		if err != nil {
			return fmt.Errorf("snapshot: xz writer: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("snapshot: xz write: %w", err)
		}
		return zw.Close()
	default:
		return fmt.Errorf("snapshot: unknown codec %d", codec)
	}
}

// Read decompresses a stream written by Write and parses it back into a
// MetadataSnapshot, ready for Diff against a live mount.
func Read(r io.Reader, codec Codec) (*ext.MetadataSnapshot, error) {
	var raw []byte
	switch codec {
	case CodecLZ4:
		zr := lz4.NewReader(r)
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, fmt.Errorf("snapshot: lz4 read: %w", err)
		}
		raw = buf.Bytes()
	case CodecXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: xz reader: %w", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, fmt.Errorf("snapshot: xz read: %w", err)
		}
		raw = buf.Bytes()
	default:
		return nil, fmt.Errorf("snapshot: unknown codec %d", codec)
	}

	snap, err := ext.DecodeMetadataSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return snap, nil
}
