package ext

import (
	"encoding/binary"

	"github.com/altushkaso2/extengine/util/timestamp"
)

// transaction.go implements the write-ahead side of §4.K: staged metadata
// writes collect into one JBD2 transaction, get flushed to the journal
// file as descriptor+data+commit blocks, and only then checkpoint to their
// real locations. recovery.go is the read-back half.

// journalState tracks the mounted volume's internal journal file (inode
// s_journal_inum) and any transaction currently being built.
type journalState struct {
	active    bool
	file      *File
	sb        *JournalSuperblock
	blockSize uint32

	tx *Transaction
}

// staged is one block queued inside an open transaction, keyed by its real
// (filesystem, not journal-relative) block number. Last writer for a given
// block number wins, same as a real JBD2 transaction's revoke-then-replace
// semantics within a single running transaction.
type staged struct {
	blockNr uint64
	data    []byte
}

// Transaction batches writeBlock calls so they commit to the journal as a
// single atomic unit before checkpointing to their real locations.
type Transaction struct {
	fs      *FileSystem
	blocks  []staged
	index   map[uint64]int
	revokes []uint64
}

// revoke records that block n was freed during this transaction: any
// replay of an earlier transaction's write to n, after a crash, would hand
// a freed block stale content back to whatever reused it. commit() writes
// these out as a revoke block so recover() knows to skip them.
func (t *Transaction) revoke(n uint64) {
	t.revokes = append(t.revokes, n)
}

// initJournal loads the journal file named by the superblock and its
// embedded JBD2 superblock, readying fs.journal for recover and for
// beginTransaction. Called once at Mount time for ext3/ext4 volumes.
func (fs *FileSystem) initJournal() error {
	ji, err := fs.readInode(fs.superblock.journalInum)
	if err != nil {
		return newErr("init_journal", ErrKindCorruptedFs, err)
	}
	jf, err := fs.openFileHandle(ji)
	if err != nil {
		return err
	}

	raw := make([]byte, JournalSuperblockSize)
	if _, err := jf.ReadAt(raw, 0); err != nil {
		return newErr("init_journal", ErrKindIO, err)
	}
	jsb, err := JournalSuperblockFromBytes(raw)
	if err != nil {
		return newErr("init_journal", ErrKindCorruptedFs, err)
	}

	fs.journal = &journalState{
		active:    true,
		file:      jf,
		sb:        jsb,
		blockSize: jsb.blockSize,
	}
	return nil
}

// beginTransaction opens a new staging area. Only one transaction may be
// open at a time per volume; fs is already serialized by its own mutex so
// callers never race for tx.
func (fs *FileSystem) beginTransaction() *Transaction {
	t := &Transaction{fs: fs, index: make(map[uint64]int)}
	fs.journal.tx = t
	return t
}

// stage records (or replaces) the pending write for block n within this
// transaction. Called by writeBlock once a transaction is open.
func (t *Transaction) stage(n uint64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	if i, ok := t.index[n]; ok {
		t.blocks[i].data = cp
		return
	}
	t.index[n] = len(t.blocks)
	t.blocks = append(t.blocks, staged{blockNr: n, data: cp})
}

// commit writes the staged blocks to the journal as one descriptor+data+
// commit sequence, then checkpoints them to their real locations and
// advances the journal superblock's start pointer past this transaction.
// An empty transaction is a no-op.
func (t *Transaction) commit() error {
	fs := t.fs
	js := fs.journal.sb
	// Detach the transaction first so the journal file's own writes below
	// go straight to disk instead of being staged back into it.
	fs.journal.tx = nil

	if len(t.blocks) == 0 {
		return nil
	}

	seq := js.sequence
	cursor := js.start
	if cursor == 0 {
		cursor = js.first
	}

	writeJournalBlock := func(b []byte) error {
		if _, err := fs.journal.file.WriteAt(b, int64(cursor)*int64(js.blockSize)); err != nil {
			return newErr("commit", ErrKindIO, err)
		}
		cursor++
		if cursor >= js.first+js.maxLen {
			cursor = js.first
		}
		return nil
	}

	desc := newJournalDescriptorBlock(seq)
	for _, s := range t.blocks {
		flags := uint32(tagFlagSameUUID)
		if len(s.data) >= 4 && binary.BigEndian.Uint32(s.data[:4]) == journalMagic {
			// A data block whose real content starts with the journal
			// magic would be indistinguishable from a block header during
			// replay; mark it escaped and zero those bytes in the log
			// copy. unescapeTagData restores them on replay.
			flags |= uint32(tagFlagEscaped)
		}
		desc.tags = append(desc.tags, &journalBlockTag{blockNr: s.blockNr, flags: flags})
	}
	descBytes, err := desc.ToBytes(js, js.blockSize)
	if err != nil {
		return newErr("commit", ErrKindIO, err)
	}
	if err := writeJournalBlock(descBytes); err != nil {
		return err
	}

	for i, s := range t.blocks {
		data := s.data
		if len(data) != int(js.blockSize) {
			padded := make([]byte, js.blockSize)
			copy(padded, data)
			data = padded
		}
		if desc.tags[i].flags&uint32(tagFlagEscaped) != 0 {
			escaped := make([]byte, len(data))
			copy(escaped, data)
			binary.BigEndian.PutUint32(escaped[0:4], 0)
			data = escaped
		}
		if err := writeJournalBlock(data); err != nil {
			return err
		}
	}

	if len(t.revokes) > 0 {
		rb := newJournalRevokeBlock(seq)
		for _, blk := range t.revokes {
			rb.AddBlock(blk)
		}
		rbBytes, err := rb.ToBytes(js, js.blockSize)
		if err != nil {
			return newErr("commit", ErrKindIO, err)
		}
		if err := writeJournalBlock(rbBytes); err != nil {
			return err
		}
	}

	commitBlk := newJournalCommitBlock(seq)
	commitBlk.SetCommitTime(timestamp.GetTime())
	commitBytes, err := commitBlk.ToBytes(js.blockSize)
	if err != nil {
		return newErr("commit", ErrKindIO, err)
	}
	if err := writeJournalBlock(commitBytes); err != nil {
		return err
	}

	// Checkpoint: apply the staged blocks to their real locations now that
	// they are durable in the log, then retire the log space they used.
	for _, s := range t.blocks {
		if err := fs.writeBlockDirect(s.blockNr, s.data); err != nil {
			return err
		}
	}

	js.sequence = seq + 1
	js.start = cursor
	if err := fs.writeJournalSuperblock(); err != nil {
		return err
	}
	return nil
}

// writeJournalSuperblock persists the journal file's in-memory superblock
// back to its first block.
func (fs *FileSystem) writeJournalSuperblock() error {
	b, err := fs.journal.sb.ToBytes()
	if err != nil {
		return newErr("commit", ErrKindIO, err)
	}
	if _, err := fs.journal.file.WriteAt(b, 0); err != nil {
		return newErr("commit", ErrKindIO, err)
	}
	return nil
}

// withTransaction runs fn under a freshly opened transaction, committing
// on success and discarding staged (never-checkpointed) writes on error.
// Journaled file operations in fileops.go wrap their
// mutating steps in this so a crash mid-operation leaves either the old
// or the new state, never a half-written one.
func (fs *FileSystem) withTransaction(fn func() error) error {
	if !fs.journaled() || fs.journal.tx != nil {
		// Not journaled, or already nested inside an enclosing
		// transaction (e.g. Rmdir calling Truncate): only the outermost
		// call opens and commits the log entry.
		return fn()
	}
	tx := fs.beginTransaction()
	if err := fn(); err != nil {
		fs.journal.tx = nil
		return err
	}
	return tx.commit()
}
