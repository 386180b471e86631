package ext

import (
	"encoding/binary"
	"fmt"

	crc "github.com/altushkaso2/extengine/filesystem/ext/checksum"
)

const (
	superblockMagic      uint16 = 0xef53
	superblockSize       int    = 1024
	defaultGroupDescSize uint16 = 32

	featureCompatDirPrealloc uint32 = 0x1
	featureCompatHasJournal  uint32 = 0x4
	featureCompatExtAttr     uint32 = 0x8
	featureCompatResizeInode uint32 = 0x10
	featureCompatDirIndex    uint32 = 0x20

	featureIncompatFiletype  uint32 = 0x2
	featureIncompatRecover   uint32 = 0x4
	featureIncompatJournal   uint32 = 0x8
	featureIncompatMetaBg    uint32 = 0x10
	featureIncompatExtents   uint32 = 0x40
	featureIncompat64Bit     uint32 = 0x80
	featureIncompatFlexBg    uint32 = 0x200
	featureIncompatCsumSeed  uint32 = 0x2000
	featureIncompatInlineData uint32 = 0x8000

	featureRoCompatSparseSuper  uint32 = 0x1
	featureRoCompatLargeFile    uint32 = 0x2
	featureRoCompatHugeFile     uint32 = 0x8
	featureRoCompatGdtCsum      uint32 = 0x10
	featureRoCompatDirNlink     uint32 = 0x20
	featureRoCompatExtraIsize   uint32 = 0x40
	featureRoCompatMetadataCsum uint32 = 0x400
)

// superblockFeatures is the set of boolean predicates §4.C exposes over the
// three feature words.
type superblockFeatures struct {
	hasJournal      bool
	hasExtents      bool
	has64bit        bool
	hasFiletype     bool
	hasFlexBg       bool
	hasSparseSuper  bool
	hasLargeFile    bool
	hugeFile        bool
	hasDirIndex     bool
	hasExtAttr      bool
	hasMetadataCsum bool
	hasCsumSeed     bool
	hasInlineData   bool
	hasRecover      bool
}

// profile classifies the volume the way §4.C's is_ext4/is_ext3/otherwise
// predicate does: ext4 if it uses extents, 64-bit fields, or huge-file
// accounting; ext3 if journaled but not ext4; ext2 otherwise.
type profile int

const (
	ProfileExt2 profile = iota
	ProfileExt3
	ProfileExt4
)

func (f superblockFeatures) profile() profile {
	switch {
	case f.hasExtents || f.has64bit || f.hugeFile:
		return ProfileExt4
	case f.hasJournal:
		return ProfileExt3
	default:
		return ProfileExt2
	}
}

// superblock is a typed view over the 1024-byte superblock record.
type superblock struct {
	inodesCount       uint32
	blocksCountLo      uint32
	blocksCountHi      uint32
	rBlocksCount      uint32
	freeBlocksCountLo  uint32
	freeBlocksCountHi  uint32
	freeInodesCount   uint32
	firstDataBlock    uint32
	logBlockSize      uint32
	blocksPerGroup    uint32
	inodesPerGroup    uint32
	mountTime         uint32
	writeTime         uint32
	mountCount        uint16
	maxMountCount     uint16
	magic             uint16
	state             uint16
	revLevel          uint32
	inodeSize         uint16
	featureCompat     uint32
	featureIncompat   uint32
	featureRoCompat   uint32
	uuid              [16]byte
	volumeLabel       [16]byte
	journalInum       uint32
	descSize          uint16
	reservedGdtBlocks uint16
	checksumSeed      uint32
	checksum          uint32

	// blockSize is derived: 1024 << logBlockSize.
	blockSize uint32
	features  superblockFeatures
}

func (sb *superblock) blocksCount() uint64 {
	if !sb.features.has64bit {
		return uint64(sb.blocksCountLo)
	}
	return uint64(sb.blocksCountHi)<<32 | uint64(sb.blocksCountLo)
}

func (sb *superblock) setBlocksCount(v uint64) {
	sb.blocksCountLo = uint32(v)
	if sb.features.has64bit {
		sb.blocksCountHi = uint32(v >> 32)
	}
}

func (sb *superblock) freeBlocksCount() uint64 {
	if !sb.features.has64bit {
		return uint64(sb.freeBlocksCountLo)
	}
	return uint64(sb.freeBlocksCountHi)<<32 | uint64(sb.freeBlocksCountLo)
}

func (sb *superblock) setFreeBlocksCount(v uint64) {
	sb.freeBlocksCountLo = uint32(v)
	if sb.features.has64bit {
		sb.freeBlocksCountHi = uint32(v >> 32)
	}
}

// groupDescSize returns 32 unless INCOMPAT_64BIT is set and desc_size is
// nonzero, per §4.C.
func (sb *superblock) groupDescSize() uint16 {
	if sb.features.has64bit && sb.descSize != 0 {
		return sb.descSize
	}
	return defaultGroupDescSize
}

func (sb *superblock) groupCount() uint32 {
	total := sb.blocksCount() - uint64(sb.firstDataBlock)
	return uint32((total + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup))
}

// isSparseSuperGroup reports whether group g carries a superblock/GDT backup
// copy under sparse_super placement: group 0, group 1, or a power of 3/5/7.
func isSparseSuperGroup(g uint32) bool {
	if g == 0 || g == 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		p := base
		for p <= g {
			if p == g {
				return true
			}
			p *= base
		}
	}
	return false
}

func parseFeatures(compat, incompat, roCompat uint32) superblockFeatures {
	return superblockFeatures{
		hasJournal:      compat&featureCompatHasJournal != 0,
		hasExtAttr:      compat&featureCompatExtAttr != 0,
		hasDirIndex:     compat&featureCompatDirIndex != 0,
		hasExtents:      incompat&featureIncompatExtents != 0,
		has64bit:        incompat&featureIncompat64Bit != 0,
		hasFiletype:     incompat&featureIncompatFiletype != 0,
		hasFlexBg:       incompat&featureIncompatFlexBg != 0,
		hasCsumSeed:     incompat&featureIncompatCsumSeed != 0,
		hasInlineData:   incompat&featureIncompatInlineData != 0,
		hasRecover:      incompat&featureIncompatRecover != 0,
		hasSparseSuper:  roCompat&featureRoCompatSparseSuper != 0,
		hasLargeFile:    roCompat&featureRoCompatLargeFile != 0,
		hugeFile:        roCompat&featureRoCompatHugeFile != 0,
		hasMetadataCsum: roCompat&featureRoCompatMetadataCsum != 0,
	}
}

// superblockFromBytes parses a 1024-byte superblock record, little-endian.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes, need %d", len(b), superblockSize)
	}
	magic := binary.LittleEndian.Uint16(b[56:58])
	if magic != superblockMagic {
		return nil, newErr("mount", ErrKindBadMagic, fmt.Errorf("magic %x != %x", magic, superblockMagic))
	}

	revLevel := binary.LittleEndian.Uint32(b[76:80])
	inodeSize := uint16(128)
	if revLevel >= 1 {
		inodeSize = binary.LittleEndian.Uint16(b[88:90])
	}

	featureCompat := binary.LittleEndian.Uint32(b[92:96])
	featureIncompat := binary.LittleEndian.Uint32(b[96:100])
	featureRoCompat := binary.LittleEndian.Uint32(b[100:104])
	features := parseFeatures(featureCompat, featureIncompat, featureRoCompat)

	logBlockSize := binary.LittleEndian.Uint32(b[24:28])
	blockSize := uint32(1024) << logBlockSize

	var uuid [16]byte
	copy(uuid[:], b[104:120])
	var label [16]byte
	copy(label[:], b[120:136])

	sb := &superblock{
		inodesCount:       binary.LittleEndian.Uint32(b[0:4]),
		blocksCountLo:      binary.LittleEndian.Uint32(b[4:8]),
		rBlocksCount:      binary.LittleEndian.Uint32(b[8:12]),
		freeBlocksCountLo:  binary.LittleEndian.Uint32(b[12:16]),
		freeInodesCount:   binary.LittleEndian.Uint32(b[16:20]),
		firstDataBlock:    binary.LittleEndian.Uint32(b[20:24]),
		logBlockSize:      logBlockSize,
		blocksPerGroup:    binary.LittleEndian.Uint32(b[32:36]),
		inodesPerGroup:    binary.LittleEndian.Uint32(b[40:44]),
		mountTime:         binary.LittleEndian.Uint32(b[44:48]),
		writeTime:         binary.LittleEndian.Uint32(b[48:52]),
		mountCount:        binary.LittleEndian.Uint16(b[52:54]),
		maxMountCount:     binary.LittleEndian.Uint16(b[54:56]),
		magic:             magic,
		state:             binary.LittleEndian.Uint16(b[58:60]),
		revLevel:          revLevel,
		inodeSize:         inodeSize,
		featureCompat:     featureCompat,
		featureIncompat:   featureIncompat,
		featureRoCompat:   featureRoCompat,
		uuid:              uuid,
		volumeLabel:       label,
		journalInum:       binary.LittleEndian.Uint32(b[224:228]),
		descSize:          binary.LittleEndian.Uint16(b[254:256]),
		reservedGdtBlocks: binary.LittleEndian.Uint16(b[0xce:0xd0]),
		checksum:          binary.LittleEndian.Uint32(b[0x3fc:0x400]),
		blockSize:         blockSize,
		features:          features,
	}
	if len(b) >= 0x2d4 {
		sb.blocksCountHi = binary.LittleEndian.Uint32(b[336:340])
		sb.freeBlocksCountHi = binary.LittleEndian.Uint32(b[344:348])
		sb.checksumSeed = binary.LittleEndian.Uint32(b[0x2fc:0x300])
	}
	sb.checksumSeed = sb.computeChecksumSeed()
	return sb, nil
}

// computeChecksumSeed derives checksum_seed = crc32c(~0, uuid) when
// METADATA_CSUM is set and CSUM_SEED is clear (the common case); otherwise
// the raw field already parsed from the superblock is authoritative.
func (sb *superblock) computeChecksumSeed() uint32 {
	if sb.features.hasMetadataCsum && !sb.features.hasCsumSeed {
		return crc.CRC32c(0xffffffff, sb.uuid[:])
	}
	return sb.checksumSeed
}

// toBytes serializes the superblock back to its 1024-byte on-disk form,
// recomputing the checksum last.
func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(b[0:4], sb.inodesCount)
	binary.LittleEndian.PutUint32(b[4:8], sb.blocksCountLo)
	binary.LittleEndian.PutUint32(b[8:12], sb.rBlocksCount)
	binary.LittleEndian.PutUint32(b[12:16], sb.freeBlocksCountLo)
	binary.LittleEndian.PutUint32(b[16:20], sb.freeInodesCount)
	binary.LittleEndian.PutUint32(b[20:24], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[24:28], sb.logBlockSize)
	binary.LittleEndian.PutUint32(b[32:36], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[40:44], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[44:48], sb.mountTime)
	binary.LittleEndian.PutUint32(b[48:52], sb.writeTime)
	binary.LittleEndian.PutUint16(b[52:54], sb.mountCount)
	binary.LittleEndian.PutUint16(b[54:56], sb.maxMountCount)
	binary.LittleEndian.PutUint16(b[56:58], superblockMagic)
	binary.LittleEndian.PutUint16(b[58:60], sb.state)
	binary.LittleEndian.PutUint32(b[76:80], sb.revLevel)
	if sb.revLevel >= 1 {
		binary.LittleEndian.PutUint16(b[88:90], sb.inodeSize)
	}
	binary.LittleEndian.PutUint32(b[92:96], sb.featureCompat)
	binary.LittleEndian.PutUint32(b[96:100], sb.featureIncompat)
	binary.LittleEndian.PutUint32(b[100:104], sb.featureRoCompat)
	copy(b[104:120], sb.uuid[:])
	copy(b[120:136], sb.volumeLabel[:])
	binary.LittleEndian.PutUint32(b[224:228], sb.journalInum)
	binary.LittleEndian.PutUint16(b[254:256], sb.descSize)
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGdtBlocks)
	binary.LittleEndian.PutUint32(b[336:340], sb.blocksCountHi)
	binary.LittleEndian.PutUint32(b[344:348], sb.freeBlocksCountHi)
	binary.LittleEndian.PutUint32(b[0x2fc:0x300], sb.checksumSeed)

	// zero checksum field before calculating
	b[0x3fc] = 0
	b[0x3fd] = 0
	b[0x3fe] = 0
	b[0x3ff] = 0
	if sb.features.hasMetadataCsum {
		sum := crc.CRC32c(0xffffffff, b)
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], sum)
	}
	return b
}
