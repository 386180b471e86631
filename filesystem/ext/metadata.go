package ext

import (
	"encoding/binary"
	"fmt"
)

// metadata.go is the structural half of a metadata snapshot (§4.P): it
// knows how to flatten the superblock, GDT, and every group's bitmaps into
// one byte stream and back, leaving compression to the snapshot package.

// MetadataSnapshot is the superblock, group descriptor table, and every
// group's block and inode bitmaps, exactly as they stand on disk at the
// moment it was taken. File data and directory content are never included.
type MetadataSnapshot struct {
	SuperblockBytes []byte
	GDTBytes        []byte
	BlockBitmaps    [][]byte
	InodeBitmaps    [][]byte
}

// TakeMetadataSnapshot reads the live superblock, GDT, and per-group
// bitmaps off fs into a MetadataSnapshot.
func (fs *FileSystem) TakeMetadataSnapshot() (*MetadataSnapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	groupCount := uint32(len(fs.groupDescriptors.descriptors))
	snap := &MetadataSnapshot{
		SuperblockBytes: fs.superblock.toBytes(),
		GDTBytes:        fs.groupDescriptors.toBytes(fs.superblock),
		BlockBitmaps:    make([][]byte, groupCount),
		InodeBitmaps:    make([][]byte, groupCount),
	}
	for g := uint32(0); g < groupCount; g++ {
		bbm, err := fs.readBlockBitmap(g)
		if err != nil {
			return nil, err
		}
		ibm, err := fs.readInodeBitmap(g)
		if err != nil {
			return nil, err
		}
		snap.BlockBitmaps[g] = bbm.ToBytes()
		snap.InodeBitmaps[g] = ibm.ToBytes()
	}
	return snap, nil
}

// Encode flattens the snapshot to a single byte stream: a group count,
// then the superblock, the GDT, and each group's block and inode bitmap,
// every section length-prefixed so Decode never has to guess a boundary.
func (snap *MetadataSnapshot) Encode() []byte {
	var out []byte
	putSection := func(b []byte) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}

	var groupCountBuf [4]byte
	binary.LittleEndian.PutUint32(groupCountBuf[:], uint32(len(snap.BlockBitmaps)))
	out = append(out, groupCountBuf[:]...)

	putSection(snap.SuperblockBytes)
	putSection(snap.GDTBytes)
	for g := range snap.BlockBitmaps {
		putSection(snap.BlockBitmaps[g])
		putSection(snap.InodeBitmaps[g])
	}
	return out
}

// DecodeMetadataSnapshot reverses Encode.
func DecodeMetadataSnapshot(b []byte) (*MetadataSnapshot, error) {
	readSection := func() ([]byte, error) {
		if len(b) < 4 {
			return nil, fmt.Errorf("metadata snapshot: truncated section length")
		}
		n := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return nil, fmt.Errorf("metadata snapshot: truncated section body")
		}
		section := b[:n]
		b = b[n:]
		return section, nil
	}

	if len(b) < 4 {
		return nil, fmt.Errorf("metadata snapshot: truncated group count")
	}
	groupCount := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	snap := &MetadataSnapshot{
		BlockBitmaps: make([][]byte, groupCount),
		InodeBitmaps: make([][]byte, groupCount),
	}
	var err error
	if snap.SuperblockBytes, err = readSection(); err != nil {
		return nil, err
	}
	if snap.GDTBytes, err = readSection(); err != nil {
		return nil, err
	}
	for g := uint32(0); g < groupCount; g++ {
		if snap.BlockBitmaps[g], err = readSection(); err != nil {
			return nil, err
		}
		if snap.InodeBitmaps[g], err = readSection(); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Diff compares snap against a fresh snapshot of fs and returns one
// human-readable line per differing section, empty when they match.
func (snap *MetadataSnapshot) Diff(fs *FileSystem) ([]string, error) {
	live, err := fs.TakeMetadataSnapshot()
	if err != nil {
		return nil, err
	}
	var diffs []string
	if string(snap.SuperblockBytes) != string(live.SuperblockBytes) {
		diffs = append(diffs, "superblock differs")
	}
	if string(snap.GDTBytes) != string(live.GDTBytes) {
		diffs = append(diffs, "group descriptor table differs")
	}
	if len(snap.BlockBitmaps) != len(live.BlockBitmaps) {
		diffs = append(diffs, fmt.Sprintf("group count differs: snapshot %d, live %d", len(snap.BlockBitmaps), len(live.BlockBitmaps)))
		return diffs, nil
	}
	for g := range snap.BlockBitmaps {
		if string(snap.BlockBitmaps[g]) != string(live.BlockBitmaps[g]) {
			diffs = append(diffs, fmt.Sprintf("group %d block bitmap differs", g))
		}
		if string(snap.InodeBitmaps[g]) != string(live.InodeBitmaps[g]) {
			diffs = append(diffs, fmt.Sprintf("group %d inode bitmap differs", g))
		}
	}
	return diffs, nil
}
