package ext

// recovery.go replays a dirty journal at mount time, per §4.L: walk
// transactions forward from the superblock's start pointer, apply each
// committed transaction's data blocks to their real locations, and stop at
// the first transaction that fails to validate (a torn write, or simply
// the end of the log). Revoke blocks staged alongside a transaction (see
// commit() in transaction.go) mark blocks a later free made stale; they are
// collected in a first pass and consulted before any tagged block from an
// earlier transaction is replayed, so a freed-then-reused block never gets
// overwritten with data a crash caught mid-checkpoint.

// journalBlockReader walks sequential journal blocks from a starting
// cursor, wrapping at the log's bound. Both the revoke-collecting pre-pass
// and the replay pass in recover share it so their notion of "the next
// block in the log" never drifts apart.
type journalBlockReader struct {
	jf     *File
	js     *JournalSuperblock
	cursor uint32
}

func newJournalBlockReader(jf *File, js *JournalSuperblock, start uint32) *journalBlockReader {
	return &journalBlockReader{jf: jf, js: js, cursor: start}
}

func (r *journalBlockReader) next() ([]byte, error) {
	b := make([]byte, r.js.blockSize)
	if _, err := r.jf.ReadAt(b, int64(r.cursor)*int64(r.js.blockSize)); err != nil {
		return nil, err
	}
	r.cursor++
	if r.cursor >= r.js.first+r.js.maxLen {
		r.cursor = r.js.first
	}
	return b, nil
}

// readUntilCommit consumes zero or more revoke blocks belonging to the
// current transaction (calling onRevoke for each) and then its commit
// block. It returns false on a torn write: a block that fails to parse, a
// sequence mismatch, or the log simply ending before a commit block shows
// up.
func readUntilCommit(r *journalBlockReader, js *JournalSuperblock, wantSeq uint32, onRevoke func(*journalRevokeBlock)) bool {
	for {
		b, err := r.next()
		if err != nil {
			return false
		}
		hdr, err := journalHeaderFromBytes(b[:12])
		if err != nil || hdr.sequence != wantSeq {
			return false
		}
		switch hdr.blockType {
		case journalBlockTypeRevoke:
			rb, err := journalRevokeBlockFromBytes(b, js)
			if err != nil || !verifyTailChecksum(js, b) {
				return false
			}
			if onRevoke != nil {
				onRevoke(rb)
			}
		case journalBlockTypeCommit:
			return true
		default:
			return false
		}
	}
}

// scanRevokedBlocks walks the log once without applying anything, returning
// the highest transaction sequence at which each block number was revoked.
// A descriptor tag replayed by a transaction at or before that sequence is
// stale and must be skipped; one strictly after it is a legitimate, later
// write to a block the revoke predates.
func (fs *FileSystem) scanRevokedBlocks() map[uint64]uint32 {
	js := fs.journal.sb
	r := newJournalBlockReader(fs.journal.file, js, js.start)
	wantSeq := js.sequence
	revoked := make(map[uint64]uint32)

	record := func(seq uint32, rb *journalRevokeBlock) {
		for _, blk := range rb.blocks {
			if cur, ok := revoked[blk]; !ok || seq > cur {
				revoked[blk] = seq
			}
		}
	}

	for {
		hdrBlock, err := r.next()
		if err != nil {
			return revoked
		}
		hdr, err := journalHeaderFromBytes(hdrBlock[:12])
		if err != nil || hdr.sequence != wantSeq {
			return revoked
		}

		switch hdr.blockType {
		case journalBlockTypeDescriptor:
			desc, err := journalDescriptorBlockFromBytes(hdrBlock, js)
			if err != nil {
				return revoked
			}
			ok := true
			for range desc.tags {
				if _, err := r.next(); err != nil {
					ok = false
					break
				}
			}
			if !ok {
				return revoked
			}
			if !readUntilCommit(r, js, wantSeq, func(rb *journalRevokeBlock) { record(wantSeq, rb) }) {
				return revoked
			}
			wantSeq++

		case journalBlockTypeRevoke:
			rb, err := journalRevokeBlockFromBytes(hdrBlock, js)
			if err != nil || !verifyTailChecksum(js, hdrBlock) {
				return revoked
			}
			record(hdr.sequence, rb)
			wantSeq++

		default:
			return revoked
		}
	}
}

// recover replays the journal and returns the number of transactions
// applied. A clean journal (start == 0) is a no-op.
func (fs *FileSystem) recover() (int, error) {
	js := fs.journal.sb
	if js.start == 0 {
		return 0, nil
	}

	revoked := fs.scanRevokedBlocks()

	r := newJournalBlockReader(fs.journal.file, js, js.start)
	wantSeq := js.sequence
	applied := 0

	for {
		hdrBlock, err := r.next()
		if err != nil {
			break
		}
		hdr, err := journalHeaderFromBytes(hdrBlock[:12])
		if err != nil || hdr.sequence != wantSeq {
			break
		}

		switch hdr.blockType {
		case journalBlockTypeDescriptor:
			desc, err := journalDescriptorBlockFromBytes(hdrBlock, js)
			if err != nil {
				break
			}
			data := make([][]byte, len(desc.tags))
			ok := true
			for i := range desc.tags {
				d, err := r.next()
				if err != nil {
					ok = false
					break
				}
				data[i] = d
			}
			if !ok {
				return applied, nil
			}

			if !readUntilCommit(r, js, wantSeq, nil) {
				// Transaction never committed: torn write at the tail of
				// the log, or a revoke block within it failed to parse.
				// Everything before it already applied; stop.
				return applied, nil
			}

			for i, tag := range desc.tags {
				if revokedAt, ok := revoked[tag.blockNr]; ok && revokedAt >= wantSeq {
					continue
				}
				d := unescapeTagData(tag, data[i])
				if err := fs.writeBlockDirect(tag.blockNr, d); err != nil {
					return applied, err
				}
				fs.cache.Invalidate(tag.blockNr)
			}
			applied++
			wantSeq++

		case journalBlockTypeRevoke:
			// Already folded into the revoked set above; honor it by
			// continuing the replay rather than stopping here.
			wantSeq++

		case journalBlockTypeCommit:
			// A commit block with no preceding descriptor in this scan
			// position means the log wrapped; nothing more to replay.
			return applied, nil

		default:
			return applied, nil
		}
	}

	js.start = 0
	js.sequence = wantSeq
	if err := fs.writeJournalSuperblock(); err != nil {
		return applied, err
	}
	return applied, nil
}
