package ext

import (
	"encoding/binary"
	"fmt"

	crc "github.com/altushkaso2/extengine/filesystem/ext/checksum"
)

// groupDescriptor is a typed view over one 32- or 64-byte group descriptor
// record, per §3 and §4.C.
type groupDescriptor struct {
	number              uint32
	blockBitmapLo       uint32
	blockBitmapHi       uint32
	inodeBitmapLo       uint32
	inodeBitmapHi       uint32
	inodeTableLo        uint32
	inodeTableHi        uint32
	freeBlocksCountLo   uint16
	freeBlocksCountHi   uint16
	freeInodesCountLo   uint16
	freeInodesCountHi   uint16
	usedDirsCountLo     uint16
	usedDirsCountHi     uint16
	checksum            uint16
	blockBitmapCsumLo   uint16
	blockBitmapCsumHi   uint16
	inodeBitmapCsumLo   uint16
	inodeBitmapCsumHi   uint16
	is64Bit             bool
}

func (gd *groupDescriptor) blockBitmap() uint64 {
	if !gd.is64Bit {
		return uint64(gd.blockBitmapLo)
	}
	return uint64(gd.blockBitmapHi)<<32 | uint64(gd.blockBitmapLo)
}

func (gd *groupDescriptor) inodeBitmap() uint64 {
	if !gd.is64Bit {
		return uint64(gd.inodeBitmapLo)
	}
	return uint64(gd.inodeBitmapHi)<<32 | uint64(gd.inodeBitmapLo)
}

func (gd *groupDescriptor) inodeTable() uint64 {
	if !gd.is64Bit {
		return uint64(gd.inodeTableLo)
	}
	return uint64(gd.inodeTableHi)<<32 | uint64(gd.inodeTableLo)
}

func (gd *groupDescriptor) freeBlocksCount() uint32 {
	return uint32(gd.freeBlocksCountHi)<<16 | uint32(gd.freeBlocksCountLo)
}

func (gd *groupDescriptor) setFreeBlocksCount(v uint32) {
	gd.freeBlocksCountLo = uint16(v)
	if gd.is64Bit {
		gd.freeBlocksCountHi = uint16(v >> 16)
	}
}

func (gd *groupDescriptor) freeInodesCount() uint32 {
	return uint32(gd.freeInodesCountHi)<<16 | uint32(gd.freeInodesCountLo)
}

func (gd *groupDescriptor) setFreeInodesCount(v uint32) {
	gd.freeInodesCountLo = uint16(v)
	if gd.is64Bit {
		gd.freeInodesCountHi = uint16(v >> 16)
	}
}

func (gd *groupDescriptor) usedDirsCount() uint32 {
	return uint32(gd.usedDirsCountHi)<<16 | uint32(gd.usedDirsCountLo)
}

func (gd *groupDescriptor) setUsedDirsCount(v uint32) {
	gd.usedDirsCountLo = uint16(v)
	if gd.is64Bit {
		gd.usedDirsCountHi = uint16(v >> 16)
	}
}

func groupDescriptorFromBytes(b []byte, number uint32, is64Bit bool) (*groupDescriptor, error) {
	size := 32
	if is64Bit {
		size = 64
	}
	if len(b) < size {
		return nil, fmt.Errorf("group descriptor data too short: %d bytes, need %d", len(b), size)
	}
	gd := &groupDescriptor{
		number:            number,
		blockBitmapLo:     binary.LittleEndian.Uint32(b[0:4]),
		inodeBitmapLo:     binary.LittleEndian.Uint32(b[4:8]),
		inodeTableLo:      binary.LittleEndian.Uint32(b[8:12]),
		freeBlocksCountLo: binary.LittleEndian.Uint16(b[12:14]),
		freeInodesCountLo: binary.LittleEndian.Uint16(b[14:16]),
		usedDirsCountLo:   binary.LittleEndian.Uint16(b[16:18]),
		checksum:          binary.LittleEndian.Uint16(b[30:32]),
		is64Bit:           is64Bit,
	}
	if is64Bit {
		gd.blockBitmapHi = binary.LittleEndian.Uint32(b[32:36])
		gd.inodeBitmapHi = binary.LittleEndian.Uint32(b[36:40])
		gd.inodeTableHi = binary.LittleEndian.Uint32(b[40:44])
		gd.freeBlocksCountHi = binary.LittleEndian.Uint16(b[44:46])
		gd.freeInodesCountHi = binary.LittleEndian.Uint16(b[46:48])
		gd.usedDirsCountHi = binary.LittleEndian.Uint16(b[48:50])
		gd.blockBitmapCsumLo = binary.LittleEndian.Uint16(b[18:20])
		gd.inodeBitmapCsumLo = binary.LittleEndian.Uint16(b[20:22])
		gd.blockBitmapCsumHi = binary.LittleEndian.Uint16(b[56:58])
		gd.inodeBitmapCsumHi = binary.LittleEndian.Uint16(b[58:60])
	}
	return gd, nil
}

func (gd *groupDescriptor) toBytes(sb *superblock) []byte {
	size := sb.groupDescSize()
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:4], gd.blockBitmapLo)
	binary.LittleEndian.PutUint32(b[4:8], gd.inodeBitmapLo)
	binary.LittleEndian.PutUint32(b[8:12], gd.inodeTableLo)
	binary.LittleEndian.PutUint16(b[12:14], gd.freeBlocksCountLo)
	binary.LittleEndian.PutUint16(b[14:16], gd.freeInodesCountLo)
	binary.LittleEndian.PutUint16(b[16:18], gd.usedDirsCountLo)
	if gd.is64Bit && size >= 64 {
		binary.LittleEndian.PutUint16(b[18:20], gd.blockBitmapCsumLo)
		binary.LittleEndian.PutUint16(b[20:22], gd.inodeBitmapCsumLo)
		binary.LittleEndian.PutUint32(b[32:36], gd.blockBitmapHi)
		binary.LittleEndian.PutUint32(b[36:40], gd.inodeBitmapHi)
		binary.LittleEndian.PutUint32(b[40:44], gd.inodeTableHi)
		binary.LittleEndian.PutUint16(b[44:46], gd.freeBlocksCountHi)
		binary.LittleEndian.PutUint16(b[46:48], gd.freeInodesCountHi)
		binary.LittleEndian.PutUint16(b[48:50], gd.usedDirsCountHi)
		binary.LittleEndian.PutUint16(b[56:58], gd.blockBitmapCsumHi)
		binary.LittleEndian.PutUint16(b[58:60], gd.inodeBitmapCsumHi)
	}
	// b[30:32] reserved for checksum, zeroed before calculating
	if sb.features.hasMetadataCsum || sb.features.hasJournal {
		seed := crc.CRC32c(sb.checksumSeed, groupNumberBytes(gd.number))
		sum := crc.CRC32c(seed, b)
		gd.checksum = uint16(sum)
	}
	binary.LittleEndian.PutUint16(b[30:32], gd.checksum)
	return b
}

func groupNumberBytes(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// groupDescriptors holds the full in-memory GDT.
type groupDescriptors struct {
	descriptors []*groupDescriptor
}

func groupDescriptorsFromBytes(b []byte, count uint32, is64Bit bool) (*groupDescriptors, error) {
	size := 32
	if is64Bit {
		size = 64
	}
	gds := &groupDescriptors{descriptors: make([]*groupDescriptor, 0, count)}
	for i := uint32(0); i < count; i++ {
		start := int(i) * size
		end := start + size
		if end > len(b) {
			return nil, fmt.Errorf("group descriptor table truncated at group %d", i)
		}
		gd, err := groupDescriptorFromBytes(b[start:end], i, is64Bit)
		if err != nil {
			return nil, err
		}
		gds.descriptors = append(gds.descriptors, gd)
	}
	return gds, nil
}

func (gds *groupDescriptors) toBytes(sb *superblock) []byte {
	size := sb.groupDescSize()
	b := make([]byte, int(size)*len(gds.descriptors))
	for i, gd := range gds.descriptors {
		copy(b[i*int(size):(i+1)*int(size)], gd.toBytes(sb))
	}
	return b
}
