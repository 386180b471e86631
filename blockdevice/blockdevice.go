// Package blockdevice implements the capability the engine consumes to reach
// physical media: fixed 512-byte sector reads and writes, a flush, and a
// master/slave role discriminator for channel-paired devices. The engine
// never addresses media any other way.
package blockdevice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/altushkaso2/extengine/backend"
	"golang.org/x/sys/unix"
)

// SectorSize is the fixed physical sector size the capability reads and
// writes in. The filesystem block size (1024 or 4096) is always a multiple
// of it.
const SectorSize = 512

// Role discriminates which half of a channel-paired device this capability
// addresses, mirroring the master/slave selection an ATA controller needs.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
	// RoleNone is reported by backings with no channel-pair concept, such as
	// a plain file used in tests.
	RoleNone
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "none"
	}
}

var (
	ErrOutOfRange = errors.New("blockdevice: sector out of range")
	ErrBadLength  = errors.New("blockdevice: buffer is not exactly one sector")
)

// Device is the capability contract. Implementations MUST serialize
// concurrent callers; they need not be reentrant. Any device fault, timeout,
// or error bit from the backing media is surfaced as a plain error — the
// engine does not interpret it beyond treating it as an I/O failure.
type Device interface {
	ReadSector(lba uint64, buf []byte) error
	WriteSector(lba uint64, buf []byte) error
	Flush() error
	Role() Role
	// SectorCount reports the addressable size of the device in sectors.
	SectorCount() (uint64, error)
}

// File backs a Device with a backend.Storage — a byte-range random-access
// file or block device, the abstraction the rest of this module's backend
// package already provides. Concurrent callers are serialized with a mutex;
// on a unix host with a real file descriptor, an additional advisory
// flock(2) is taken so that two separate processes opening the same device
// path also serialize, the same way the teacher's disk package reaches for
// golang.org/x/sys/unix to talk to the kernel around a raw device fd.
type File struct {
	mu      sync.Mutex
	storage backend.Storage
	role    Role
	locked  bool
}

var _ Device = (*File)(nil)

// New wraps storage as a sector-addressed Device with the given role.
func New(storage backend.Storage, role Role) (*File, error) {
	f := &File{storage: storage, role: role}
	if err := f.tryFlock(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) tryFlock() error {
	osFile, err := f.storage.Sys()
	if err != nil {
		// Not a real OS file (e.g. an in-memory backend used in tests); the
		// in-process mutex is the only serialization available, which is
		// sufficient for spec's single-volume-lock model.
		return nil //nolint:nilerr // deliberate: flock is best-effort
	}
	if err := unix.Flock(int(osFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("blockdevice: could not lock device for exclusive access: %w", err)
	}
	f.locked = true
	return nil
}

func (f *File) ReadSector(lba uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return ErrBadLength
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.storage.ReadAt(buf, int64(lba)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdevice: read sector %d: %w", lba, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdevice: short read at sector %d: got %d bytes", lba, n)
	}
	return nil
}

func (f *File) WriteSector(lba uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return ErrBadLength
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.storage.Writable()
	if err != nil {
		return fmt.Errorf("blockdevice: device not writable: %w", err)
	}
	n, err := w.WriteAt(buf, int64(lba)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdevice: write sector %d: %w", lba, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdevice: short write at sector %d: wrote %d bytes", lba, n)
	}
	return nil
}

func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	osFile, err := f.storage.Sys()
	if err != nil {
		// in-memory or otherwise non-OS-backed storage has nothing to flush
		return nil //nolint:nilerr
	}
	return osFile.Sync()
}

func (f *File) Role() Role { return f.role }

// Backend exposes the underlying byte-range storage. The filesystem engine
// uses this for block-granular random access rather than issuing a sector
// at a time, while still going through this type so every caller of the
// engine supplies something satisfying the Device contract.
func (f *File) Backend() backend.Storage { return f.storage }

func (f *File) SectorCount() (uint64, error) {
	info, err := f.storage.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockdevice: stat: %w", err)
	}
	size := info.Size()
	if size%SectorSize != 0 {
		return 0, fmt.Errorf("blockdevice: size %d is not a multiple of sector size %d", size, SectorSize)
	}
	return uint64(size) / SectorSize, nil
}

// Close releases the advisory lock, if one was taken, and closes the
// underlying storage.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		if osFile, err := f.storage.Sys(); err == nil {
			_ = unix.Flock(int(osFile.Fd()), unix.LOCK_UN)
		}
	}
	if closer, ok := f.storage.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
