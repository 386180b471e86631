// Package checksum implements the CRC32c discipline ext4 uses for metadata
// checksums: superblock, group descriptors, bitmaps and inodes all hash a
// per-object preimage seeded by the volume UUID.
package checksum

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32c returns the Castagnoli CRC32 of data, continuing from seed. Pass
// 0xffffffff as seed to start a new checksum the way e2fsprogs does; pass the
// result of a prior call to chain additional preimage bytes into one sum, as
// ext4 does when folding the UUID, then the inode number, then the
// generation, then the inode bytes into a single inode checksum.
func CRC32c(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, castagnoli, data)
}
