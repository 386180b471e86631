package ext

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	extentTreeHeaderLength int    = 12
	extentTreeEntryLength  int    = 12
	extentHeaderSignature  uint16 = 0xf30a
	extentTreeMaxDepth     int    = 5
)

// extents a structure holding multiple extents
type extents []extent

// extent a structure with information about a single contiguous run of blocks containing file data
type extent struct {
	// fileBlock block number relative to the file. E.g. if the file is composed of 5 blocks, this could be 0-4
	fileBlock uint32
	// startingBlock the first block on disk that contains the data in this extent. E.g. if the file is made up of data from blocks 100-104 on the disk, this would be 100
	startingBlock uint64
	// count how many contiguous blocks are covered by this extent
	count uint16
}

// uninitializedLenMarker flags an extent as allocated-but-unwritten: its
// on-disk count field carries this bit added to the real length.
const uninitializedLenMarker uint16 = 32768

// isUninitialized reports whether this extent describes space that is
// allocated for length accounting but reads as zero, per §4.G.
func (e extent) isUninitialized() bool {
	return e.count > uninitializedLenMarker
}

// actualLen returns the real block count, stripping the uninitialized marker.
func (e extent) actualLen() uint16 {
	if e.isUninitialized() {
		return e.count - uninitializedLenMarker
	}
	return e.count
}

// blockCount how many filesystem blocks are covered in the extents.
//
//nolint:unused // useful function for future
func (e extents) blockCount() uint64 {
	var count uint64
	for _, ext := range e {
		count += uint64(ext.actualLen())
	}
	return count
}

// extentBlockFinder provides a way of finding the blocks on disk that represent the block range of a given file.
type extentBlockFinder interface {
	// findBlocks finds the actual on-disk blocks covering [start, start+count) in the file
	findBlocks(start, count uint64, fs *FileSystem) ([]uint64, error)
	// blocks unravels the tree below this node into a flat, ordered slice of extents
	blocks(fs *FileSystem) (extents, error)
	// toBytes serializes this node for storage, either in a block or directly in an inode
	toBytes() []byte
	getDepth() uint16
	getMax() uint16
	getBlockSize() uint32
	getFileBlock() uint32
	getCount() uint32
}

var (
	_ extentBlockFinder = &extentInternalNode{}
	_ extentBlockFinder = &extentLeafNode{}
)

// extentNodeHeader is the 12-byte header shared by every extent tree node.
type extentNodeHeader struct {
	depth     uint16 // depth of the tree below here; 0 for a leaf
	entries   uint16
	max       uint16
	blockSize uint32
}

func (h extentNodeHeader) toBytes() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:2], extentHeaderSignature)
	binary.LittleEndian.PutUint16(b[2:4], h.entries)
	binary.LittleEndian.PutUint16(b[4:6], h.max)
	binary.LittleEndian.PutUint16(b[6:8], h.depth)
	return b
}

// extentChildPtr is a child pointer in an internal node: which file-block
// range it covers, and which disk block holds the child node's bytes.
type extentChildPtr struct {
	fileBlock uint32
	count     uint32
	diskBlock uint64
}

// extentLeafNode is depth 0: its entries are the extents themselves.
type extentLeafNode struct {
	extentNodeHeader
	extents   extents
	diskBlock uint64 // 0 when the node lives inline in the inode (the root)
}

func (e *extentLeafNode) findBlocks(start, count uint64, _ *FileSystem) ([]uint64, error) {
	var ret []uint64
	end := start + count - 1
	for _, ext := range e.extents {
		extentStart := uint64(ext.fileBlock)
		extentEnd := extentStart + uint64(ext.actualLen()) - 1
		if extentEnd < start || extentStart > end {
			continue
		}
		overlapStart := max(start, extentStart)
		overlapEnd := min(end, extentEnd)
		diskBlockStart := ext.startingBlock + (overlapStart - extentStart)
		for i := uint64(0); i <= overlapEnd-overlapStart; i++ {
			ret = append(ret, diskBlockStart+i)
		}
	}
	return ret, nil
}

func (e *extentLeafNode) blocks(_ *FileSystem) (extents, error) {
	return e.extents, nil
}

func (e *extentLeafNode) toBytes() []byte {
	b := make([]byte, 12+12*e.max)
	copy(b[0:12], e.extentNodeHeader.toBytes())
	for i, ext := range e.extents {
		base := (i + 1) * 12
		binary.LittleEndian.PutUint32(b[base:base+4], ext.fileBlock)
		binary.LittleEndian.PutUint16(b[base+4:base+6], ext.count)
		diskBlock := make([]byte, 8)
		binary.LittleEndian.PutUint64(diskBlock, ext.startingBlock)
		copy(b[base+6:base+8], diskBlock[4:6])
		copy(b[base+8:base+12], diskBlock[0:4])
	}
	return b
}

func (e *extentLeafNode) getDepth() uint16     { return e.depth }
func (e *extentLeafNode) getMax() uint16       { return e.max }
func (e *extentLeafNode) getBlockSize() uint32 { return e.blockSize }
func (e *extentLeafNode) getFileBlock() uint32 { return e.extents[0].fileBlock }
func (e *extentLeafNode) getCount() uint32     { return uint32(len(e.extents)) }

// extentInternalNode is depth>0: its entries point at child nodes, which
// may themselves be internal or leaf.
type extentInternalNode struct {
	extentNodeHeader
	children  []*extentChildPtr
	diskBlock uint64
}

func (e *extentInternalNode) findBlocks(start, count uint64, fs *FileSystem) ([]uint64, error) {
	var ret []uint64
	end := start + count - 1
	for _, child := range e.children {
		childEnd := child.fileBlock + child.count - 1
		if uint64(childEnd) < start || uint64(child.fileBlock) > end {
			continue
		}
		childNode, err := loadChildNode(child, fs)
		if err != nil {
			return nil, err
		}
		lo := max(start, uint64(child.fileBlock))
		hi := min(end, uint64(childEnd))
		blocks, err := childNode.findBlocks(lo, hi-lo+1, fs)
		if err != nil {
			return nil, err
		}
		ret = append(ret, blocks...)
	}
	return ret, nil
}

func (e *extentInternalNode) blocks(fs *FileSystem) (extents, error) {
	var ret extents
	for _, child := range e.children {
		childNode, err := loadChildNode(child, fs)
		if err != nil {
			return nil, err
		}
		blocks, err := childNode.blocks(fs)
		if err != nil {
			return nil, err
		}
		ret = append(ret, blocks...)
	}
	return ret, nil
}

func (e *extentInternalNode) toBytes() []byte {
	b := make([]byte, 12+12*e.max)
	copy(b[0:12], e.extentNodeHeader.toBytes())
	for i, child := range e.children {
		base := (i + 1) * 12
		binary.LittleEndian.PutUint32(b[base:base+4], child.fileBlock)
		diskBlock := make([]byte, 8)
		binary.LittleEndian.PutUint64(diskBlock, child.diskBlock)
		copy(b[base+4:base+8], diskBlock[0:4])
		copy(b[base+8:base+10], diskBlock[4:6])
	}
	return b
}

func (e *extentInternalNode) getDepth() uint16     { return e.depth }
func (e *extentInternalNode) getMax() uint16       { return e.max }
func (e *extentInternalNode) getBlockSize() uint32 { return e.blockSize }
func (e *extentInternalNode) getFileBlock() uint32 { return e.children[0].fileBlock }
func (e *extentInternalNode) getCount() uint32     { return uint32(len(e.children)) }

// parseExtents decodes a node's bytes without recursing into its children;
// callers walk down a level at a time via loadChildNode so only the nodes
// actually touched by a read or write get pulled off disk.
func parseExtents(b []byte, blocksize, start, count uint32) (extentBlockFinder, error) {
	minLength := extentTreeHeaderLength + extentTreeEntryLength
	if len(b) < minLength {
		return nil, fmt.Errorf("cannot parse extent tree from %d bytes, minimum required %d", len(b), minLength)
	}
	if binary.LittleEndian.Uint16(b[0:2]) != extentHeaderSignature {
		return nil, fmt.Errorf("invalid extent tree signature: %x", b[0x0:0x2])
	}
	hdr := extentNodeHeader{
		entries:   binary.LittleEndian.Uint16(b[0x2:0x4]),
		max:       binary.LittleEndian.Uint16(b[0x4:0x6]),
		depth:     binary.LittleEndian.Uint16(b[0x6:0x8]),
		blockSize: blocksize,
	}
	// b[0x8:0xc] carries a tree generation counter on Lustre, unused here.

	if hdr.depth == 0 {
		leaf := &extentLeafNode{extentNodeHeader: hdr}
		for i := 0; i < int(hdr.entries); i++ {
			off := i*extentTreeEntryLength + extentTreeHeaderLength
			diskBlock := make([]byte, 8)
			copy(diskBlock[0:4], b[off+8:off+12])
			copy(diskBlock[4:6], b[off+6:off+8])
			leaf.extents = append(leaf.extents, extent{
				fileBlock:     binary.LittleEndian.Uint32(b[off : off+4]),
				count:         binary.LittleEndian.Uint16(b[off+4 : off+6]),
				startingBlock: binary.LittleEndian.Uint64(diskBlock),
			})
		}
		return leaf, nil
	}

	internal := &extentInternalNode{extentNodeHeader: hdr}
	for i := 0; i < int(hdr.entries); i++ {
		off := i*extentTreeEntryLength + extentTreeHeaderLength
		diskBlock := make([]byte, 8)
		copy(diskBlock[0:4], b[off+4:off+8])
		copy(diskBlock[4:6], b[off+8:off+10])
		ptr := &extentChildPtr{
			fileBlock: binary.LittleEndian.Uint32(b[off : off+4]),
			diskBlock: binary.LittleEndian.Uint64(diskBlock),
		}
		internal.children = append(internal.children, ptr)
		if i > 0 {
			internal.children[i-1].count = ptr.fileBlock - internal.children[i-1].fileBlock
		}
	}
	if n := len(internal.children); n > 0 {
		internal.children[n-1].count = start + count - internal.children[n-1].fileBlock
	}
	return internal, nil
}

// loadChildNode reads and decodes one child of an internal node, stamping
// the disk block it came from onto the result so later writes know where
// to put it back.
func loadChildNode(childPtr *extentChildPtr, fs *FileSystem) (extentBlockFinder, error) {
	data, err := fs.readBlock(childPtr.diskBlock)
	if err != nil {
		return nil, err
	}
	node, err := parseExtents(data, fs.superblock.blockSize, childPtr.fileBlock, childPtr.count)
	if err != nil {
		return nil, err
	}
	switch n := node.(type) {
	case *extentLeafNode:
		n.diskBlock = childPtr.diskBlock
	case *extentInternalNode:
		n.diskBlock = childPtr.diskBlock
	}
	return node, nil
}

// extentsBlockFinderFromExtents wraps a freshly-coalesced extent slice for
// callers (directory.go, fileops.go) that just want to hand the result of
// allocateExtents to the tree-extend routine below.
func extentsBlockFinderFromExtents(exts extents, blocksize uint32) extentBlockFinder {
	return &extentLeafNode{
		extentNodeHeader: extentNodeHeader{depth: 0, entries: uint16(len(exts)), max: 4, blockSize: blocksize},
		extents:          exts,
	}
}

// extentPathFrame is one step of the descent from the root (held inline in
// the inode) down to the leaf that should receive a newly allocated run of
// extents: the internal node visited, and which of its children was taken.
type extentPathFrame struct {
	node     *extentInternalNode
	childIdx int
}

// nonRootMaxEntries is how many 12-byte entries fit after a 12-byte header
// in a single filesystem block; root nodes living in the inode are capped
// at 4 regardless of block size.
func nonRootMaxEntries(blockSize uint32) uint16 {
	return uint16((blockSize - 12) / 12)
}

// childIndexFor returns the last child whose fileBlock is at or before
// target: the one whose range target falls into.
func childIndexFor(n *extentInternalNode, target uint32) int {
	idx := 0
	for i, c := range n.children {
		if c.fileBlock > target {
			break
		}
		idx = i
	}
	return idx
}

// descendToLeaf walks an existing extent tree from its root down to the
// leaf that should absorb fileBlock, recording the internal nodes visited
// along the way so the caller can propagate a split back up without a
// separate parent-lookup pass.
func descendToLeaf(root extentBlockFinder, fileBlock uint32, fs *FileSystem) ([]extentPathFrame, *extentLeafNode, error) {
	var path []extentPathFrame
	node := root
	for {
		switch n := node.(type) {
		case *extentLeafNode:
			return path, n, nil
		case *extentInternalNode:
			idx := childIndexFor(n, fileBlock)
			path = append(path, extentPathFrame{node: n, childIdx: idx})
			child, err := loadChildNode(n.children[idx], fs)
			if err != nil {
				return nil, nil, err
			}
			node = child
		default:
			return nil, nil, fmt.Errorf("unsupported extent tree node type")
		}
	}
}

// childPtrFor builds the child-pointer entry an ancestor uses to reference node.
func childPtrFor(node extentBlockFinder) *extentChildPtr {
	switch n := node.(type) {
	case *extentLeafNode:
		last := n.extents[len(n.extents)-1]
		span := last.fileBlock + uint32(last.actualLen()) - n.extents[0].fileBlock
		return &extentChildPtr{fileBlock: n.extents[0].fileBlock, count: span, diskBlock: n.diskBlock}
	case *extentInternalNode:
		last := n.children[len(n.children)-1]
		span := last.fileBlock + last.count - n.children[0].fileBlock
		return &extentChildPtr{fileBlock: n.children[0].fileBlock, count: span, diskBlock: n.diskBlock}
	default:
		return nil
	}
}

// allocateNodeBlock carves one fresh block out of the volume for a node that
// is about to move out of the inode (or split) and needs a home of its own.
func allocateNodeBlock(fs *FileSystem) (uint64, error) {
	alloc, err := fs.allocateExtents(uint64(fs.superblock.blockSize), nil)
	if err != nil {
		return 0, fmt.Errorf("could not allocate block for extent tree node: %w", err)
	}
	got := *alloc
	if len(got) == 0 || got[0].count < 1 {
		return 0, fmt.Errorf("could not allocate block for extent tree node")
	}
	return got[0].startingBlock, nil
}

// splitLeaf divides leaf's extents plus the newly added ones across two
// fresh on-disk leaves. If leaf already lived on disk under its own block,
// that block is released once its replacements are written.
func splitLeaf(leaf *extentLeafNode, added extents, fs *FileSystem) (first, second *extentLeafNode, err error) {
	all := make(extents, 0, len(leaf.extents)+len(added))
	all = append(all, leaf.extents...)
	all = append(all, added...)
	sort.Slice(all, func(i, j int) bool { return all[i].fileBlock < all[j].fileBlock })

	mid := len(all) / 2
	maxEntries := nonRootMaxEntries(leaf.blockSize)
	first = &extentLeafNode{
		extentNodeHeader: extentNodeHeader{depth: 0, entries: uint16(mid), max: maxEntries, blockSize: leaf.blockSize},
		extents:          all[:mid],
	}
	second = &extentLeafNode{
		extentNodeHeader: extentNodeHeader{depth: 0, entries: uint16(len(all) - mid), max: maxEntries, blockSize: leaf.blockSize},
		extents:          all[mid:],
	}

	firstBlock, err := allocateNodeBlock(fs)
	if err != nil {
		return nil, nil, err
	}
	secondBlock, err := allocateNodeBlock(fs)
	if err != nil {
		return nil, nil, err
	}
	first.diskBlock = firstBlock
	second.diskBlock = secondBlock

	if err := fs.writeBlock(first.diskBlock, first.toBytes()); err != nil {
		return nil, nil, err
	}
	if err := fs.writeBlock(second.diskBlock, second.toBytes()); err != nil {
		return nil, nil, err
	}
	if leaf.diskBlock != 0 {
		if err := fs.freeBlock(leaf.diskBlock); err != nil {
			return nil, nil, err
		}
	}
	return first, second, nil
}

// splitInternal is splitLeaf's counterpart one level up: it divides an
// overflowing internal node's children (already including the newly
// inserted pointer or pair) across two fresh internal nodes.
func splitInternal(node *extentInternalNode, fs *FileSystem) (first, second *extentInternalNode, err error) {
	mid := len(node.children) / 2
	first = &extentInternalNode{
		extentNodeHeader: extentNodeHeader{depth: node.depth, entries: uint16(mid), max: node.max, blockSize: node.blockSize},
		children:         node.children[:mid],
	}
	second = &extentInternalNode{
		extentNodeHeader: extentNodeHeader{depth: node.depth, entries: uint16(len(node.children) - mid), max: node.max, blockSize: node.blockSize},
		children:         node.children[mid:],
	}

	firstBlock, err := allocateNodeBlock(fs)
	if err != nil {
		return nil, nil, err
	}
	secondBlock, err := allocateNodeBlock(fs)
	if err != nil {
		return nil, nil, err
	}
	first.diskBlock = firstBlock
	second.diskBlock = secondBlock

	if err := fs.writeBlock(first.diskBlock, first.toBytes()); err != nil {
		return nil, nil, err
	}
	if err := fs.writeBlock(second.diskBlock, second.toBytes()); err != nil {
		return nil, nil, err
	}
	if node.diskBlock != 0 {
		if err := fs.freeBlock(node.diskBlock); err != nil {
			return nil, nil, err
		}
	}
	return first, second, nil
}

// replaceChild swaps the entry at idx in parent's children for one or two
// replacements (two when the child below just split), reporting whether
// parent now holds more entries than its node fits.
func replaceChild(parent *extentInternalNode, idx int, replacements ...*extentChildPtr) (overflow bool) {
	next := make([]*extentChildPtr, 0, len(parent.children)+len(replacements))
	next = append(next, parent.children[:idx]...)
	next = append(next, replacements...)
	next = append(next, parent.children[idx+1:]...)
	parent.children = next
	parent.entries = uint16(len(next))
	return len(next) > int(parent.max)
}

// createRootExtentTree builds the very first tree for a file that had no
// extents before: the root always lives inline in the inode, capped at 4
// entries, so this is only ever a leaf.
func createRootExtentTree(added extents, fs *FileSystem) (extentBlockFinder, error) {
	if len(added) > 4 {
		return nil, fmt.Errorf("cannot seed an extent tree with more than 4 extents directly in the inode")
	}
	return &extentLeafNode{
		extentNodeHeader: extentNodeHeader{depth: 0, entries: uint16(len(added)), max: 4, blockSize: fs.superblock.blockSize},
		extents:          added,
	}, nil
}

// extendExtentTree adds a batch of newly-allocated extents (all describing
// consecutive file blocks starting at added[0].fileBlock) to an existing
// tree, splitting leaves and internal nodes and growing the tree's depth as
// needed. It returns the (possibly new) root finder and how many metadata
// blocks were allocated for tree nodes along the way.
func extendExtentTree(existing extentBlockFinder, added *extents, fs *FileSystem) (extentBlockFinder, uint64, error) {
	if existing == nil {
		root, err := createRootExtentTree(*added, fs)
		return root, 0, err
	}
	if len(*added) == 0 {
		return existing, 0, nil
	}

	sorted := make(extents, len(*added))
	copy(sorted, *added)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].fileBlock < sorted[j].fileBlock })

	path, leaf, err := descendToLeaf(existing, sorted[0].fileBlock, fs)
	if err != nil {
		return nil, 0, err
	}

	var metaBlocks uint64
	var pending []*extentChildPtr // set once a split below the current level needs a home

	if len(leaf.extents)+len(sorted) <= int(leaf.max) {
		leaf.extents = append(leaf.extents, sorted...)
		sort.Slice(leaf.extents, func(i, j int) bool { return leaf.extents[i].fileBlock < leaf.extents[j].fileBlock })
		leaf.entries = uint16(len(leaf.extents))
		if leaf.diskBlock != 0 {
			if err := fs.writeBlock(leaf.diskBlock, leaf.toBytes()); err != nil {
				return nil, 0, err
			}
		}
		if len(path) == 0 {
			return leaf, 0, nil
		}
		frame := path[len(path)-1]
		frame.node.children[frame.childIdx] = childPtrFor(leaf)
	} else {
		first, second, serr := splitLeaf(leaf, sorted, fs)
		if serr != nil {
			return nil, 0, serr
		}
		metaBlocks += 2
		if leaf.diskBlock != 0 {
			metaBlocks--
		}
		if len(path) == 0 {
			root := buildInternalRoot([]extentBlockFinder{first, second})
			return root, metaBlocks, nil
		}
		pending = []*extentChildPtr{childPtrFor(first), childPtrFor(second)}
	}

	// Bubble any pending split upward, level by level, splitting an
	// ancestor in turn if inserting the new pointer(s) overflows it.
	for i := len(path) - 1; i >= 0; i-- {
		frame := path[i]
		if pending == nil {
			break
		}
		overflow := replaceChild(frame.node, frame.childIdx, pending...)
		pending = nil
		if !overflow {
			if frame.node.diskBlock != 0 {
				if err := fs.writeBlock(frame.node.diskBlock, frame.node.toBytes()); err != nil {
					return nil, metaBlocks, err
				}
			}
			if i > 0 {
				path[i-1].node.children[path[i-1].childIdx] = childPtrFor(frame.node)
			}
			continue
		}
		first, second, serr := splitInternal(frame.node, fs)
		if serr != nil {
			return nil, metaBlocks, serr
		}
		metaBlocks += 2
		if frame.node.diskBlock != 0 {
			metaBlocks--
		}
		if i == 0 {
			root := buildInternalRoot([]extentBlockFinder{first, second})
			return root, metaBlocks, nil
		}
		pending = []*extentChildPtr{childPtrFor(first), childPtrFor(second)}
	}

	return existing, metaBlocks, nil
}

// buildInternalRoot assembles a brand new root-in-inode internal node
// referencing nodes (already written to their own disk blocks) as its
// children.
func buildInternalRoot(nodes []extentBlockFinder) *extentInternalNode {
	root := &extentInternalNode{
		extentNodeHeader: extentNodeHeader{
			depth:     nodes[0].getDepth() + 1,
			entries:   uint16(len(nodes)),
			max:       4,
			blockSize: nodes[0].getBlockSize(),
		},
		children: make([]*extentChildPtr, len(nodes)),
	}
	for i, n := range nodes {
		root.children[i] = childPtrFor(n)
	}
	return root
}
