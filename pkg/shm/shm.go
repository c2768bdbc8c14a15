// Package shm provides named shared-memory segments backed by memory-mapped
// files.
//
// A segment is identified by a short name and lives in a directory that is
// normally a tmpfs (/dev/shm on Linux), so the mapping never touches a disk.
// Every process that opens the same name in the same directory maps the same
// pages with MAP_SHARED; writes by one process are immediately visible to all
// others.
//
// Creating, resizing and deleting a segment is serialized across processes by
// an advisory flock on a sibling lock file (name + ".lock"). Reads and writes
// of the mapped bytes are not synchronized by this package.
//
// This package is Unix-only.
package shm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotExist is returned by [ModeAttach] when the segment does not exist.
	ErrNotExist = errors.New("shm: segment does not exist")

	// ErrSizeMismatch is returned by [ModeAttach] when the existing segment has
	// a different size than requested.
	ErrSizeMismatch = errors.New("shm: segment size mismatch")

	// ErrInvalidInput indicates a bad name, size or mode.
	ErrInvalidInput = errors.New("shm: invalid input")

	// ErrClosed is returned by operations on a closed [Segment].
	ErrClosed = errors.New("shm: segment closed")
)

// Mode selects how [Opener.Open] treats an existing or missing segment.
type Mode int

const (
	// ModeAttach opens an existing segment. It fails with [ErrNotExist] if the
	// segment is missing and with [ErrSizeMismatch] if its size differs from
	// the requested size (a requested size of 0 accepts any size).
	ModeAttach Mode = iota

	// ModeCreate attaches to an existing segment of the requested size, or
	// creates a zero-filled one. A segment of the wrong size is unlinked and
	// recreated; processes still mapping the old one keep their stale pages.
	ModeCreate

	// ModeRecreate always unlinks any existing segment and creates a fresh,
	// zero-filled one.
	ModeRecreate
)

func (m Mode) String() string {
	switch m {
	case ModeAttach:
		return "attach"
	case ModeCreate:
		return "create"
	case ModeRecreate:
		return "recreate"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Handle is the view of a shared segment the cache core depends on.
//
// [Segment] is the production implementation.
type Handle interface {
	io.ReaderAt
	io.WriterAt

	// ID returns the segment name.
	ID() string

	// Size returns the mapped length in bytes.
	Size() int

	// Bytes returns the mapped memory. The slice is only valid until Close.
	Bytes() []byte

	// Created reports whether this open created (zero-filled) the segment.
	Created() bool

	// Close unmaps the segment. The segment itself persists.
	Close() error

	// Delete unmaps the segment and removes it from the directory.
	Delete() error
}

// DefaultDir returns /dev/shm when it exists and is a directory, and
// [os.TempDir] otherwise.
func DefaultDir() string {
	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

const (
	segmentFilePerm = 0o600
	segmentDirPerm  = 0o750

	// defaultLockTimeout bounds how long Open waits for another process that
	// is creating or resizing the same segment.
	defaultLockTimeout = 2 * time.Second

	maxNameLen = 200
)

// Opener opens segments in a directory.
//
// The zero value uses [DefaultDir] and a two second guard timeout.
type Opener struct {
	// Dir holds the segment files. Empty means [DefaultDir].
	Dir string

	// LockTimeout bounds the wait for the create/resize guard.
	LockTimeout time.Duration
}

// Path returns the file path backing the named segment.
func (o Opener) Path(name string) string {
	dir := o.Dir
	if dir == "" {
		dir = DefaultDir()
	}

	return filepath.Join(dir, name+".shm")
}

// Open maps the named segment according to mode.
//
// Possible errors:
//   - [ErrInvalidInput]: empty or malformed name, size <= 0 for a creating mode
//   - [ErrNotExist], [ErrSizeMismatch]: only with [ModeAttach]
//   - [ErrWouldBlock]: the guard lock could not be taken in time
//   - syscall errors: open, ftruncate, mmap
func (o Opener) Open(name string, size int, mode Mode) (*Segment, error) {
	return o.Attach(name, size, mode, nil)
}

// Attach is [Opener.Open] with a callback that runs while the cross-process
// guard lock is still held. It lets callers validate or initialize the
// segment contents before any other process can create, resize or initialize
// it. If init fails, the segment is unmapped and the error is returned.
func (o Opener) Attach(name string, size int, mode Mode, init func(*Segment) error) (*Segment, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	if size < 0 || (size == 0 && mode != ModeAttach) {
		return nil, fmt.Errorf("size %d for mode %s: %w", size, mode, ErrInvalidInput)
	}

	switch mode {
	case ModeAttach, ModeCreate, ModeRecreate:
	default:
		return nil, fmt.Errorf("unknown mode %d: %w", mode, ErrInvalidInput)
	}

	path := o.Path(name)

	timeout := o.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	guard, err := lockWithTimeout(path+".lock", timeout)
	if err != nil {
		return nil, fmt.Errorf("guard %s: %w", name, err)
	}
	defer func() { _ = guard.Close() }()

	seg, err := openUnderGuard(name, path, size, mode)
	if err != nil {
		return nil, err
	}

	if init != nil {
		initErr := init(seg)
		if initErr != nil {
			_ = seg.Close()

			return nil, initErr
		}
	}

	return seg, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("segment name is required: %w", ErrInvalidInput)
	}

	if len(name) > maxNameLen {
		return fmt.Errorf("segment name longer than %d bytes: %w", maxNameLen, ErrInvalidInput)
	}

	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return fmt.Errorf("segment name %q contains path characters: %w", name, ErrInvalidInput)
	}

	return nil
}

func openUnderGuard(name, path string, size int, mode Mode) (*Segment, error) {
	if mode == ModeRecreate {
		err := unlinkIfExists(path)
		if err != nil {
			return nil, err
		}

		return createSegment(name, path, size)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if !errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		if mode == ModeAttach {
			return nil, fmt.Errorf("%s: %w", name, ErrNotExist)
		}

		return createSegment(name, path, size)
	}

	var stat unix.Stat_t

	err = unix.Fstat(fd, &stat)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	existing := stat.Size

	if size == 0 {
		// ModeAttach with "any size".
		if existing <= 0 {
			_ = unix.Close(fd)

			return nil, fmt.Errorf("%s is empty: %w", name, ErrSizeMismatch)
		}

		return mapSegment(name, path, fd, int(existing), false)
	}

	if existing == int64(size) {
		return mapSegment(name, path, fd, size, false)
	}

	_ = unix.Close(fd)

	if mode == ModeAttach {
		return nil, fmt.Errorf("%s has %d bytes, want %d: %w", name, existing, size, ErrSizeMismatch)
	}

	// Never truncate in place: other processes may still map the old inode,
	// and shrinking it under them raises SIGBUS. Unlink and start over.
	err = unlinkIfExists(path)
	if err != nil {
		return nil, err
	}

	return createSegment(name, path, size)
}

func createSegment(name, path string, size int) (*Segment, error) {
	err := os.MkdirAll(filepath.Dir(path), segmentDirPerm)
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, segmentFilePerm)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)

		return nil, fmt.Errorf("ftruncate %s: %w", path, err)
	}

	return mapSegment(name, path, fd, size, true)
}

// mapSegment consumes fd: it is closed whether or not mapping succeeds.
func mapSegment(name, path string, fd, size int, created bool) (*Segment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	// The mapping keeps the pages alive; the descriptor is not needed.
	_ = unix.Close(fd)

	if err != nil {
		if created {
			_ = unix.Unlink(path)
		}

		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Segment{
		name:    name,
		path:    path,
		data:    data,
		created: created,
	}, nil
}

func unlinkIfExists(path string) error {
	err := unix.Unlink(path)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}

	return nil
}

// Segment is a mapped shared-memory segment.
//
// Close and Delete are safe to call concurrently with each other; the mapped
// bytes themselves are not protected.
type Segment struct {
	name    string
	path    string
	created bool

	mu   sync.Mutex
	data []byte
}

var _ Handle = (*Segment)(nil)

// ID returns the segment name.
func (s *Segment) ID() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped length, or 0 after Close.
func (s *Segment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

// Bytes returns the mapped memory, or nil after Close.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data
}

// Created reports whether this handle created the segment.
func (s *Segment) Created() bool { return s.created }

// ReadAt copies mapped bytes starting at off into p.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	data := s.Bytes()
	if data == nil {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, ErrInvalidInput)
	}

	if off >= int64(len(data)) {
		return 0, io.EOF
	}

	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt copies p into the mapping at off. Writes past the end fail with
// [io.ErrShortWrite] after copying what fits.
func (s *Segment) WriteAt(p []byte, off int64) (int, error) {
	data := s.Bytes()
	if data == nil {
		return 0, ErrClosed
	}

	if off < 0 || off > int64(len(data)) {
		return 0, fmt.Errorf("offset %d outside [0,%d]: %w", off, len(data), ErrInvalidInput)
	}

	n := copy(data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// Sync flushes the mapping with msync. Only useful when the directory is not
// a tmpfs.
func (s *Segment) Sync() error {
	data := s.Bytes()
	if data == nil {
		return ErrClosed
	}

	err := unix.Msync(data, unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// Close unmaps the segment. Close is idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	err := unix.Munmap(s.data)
	s.data = nil

	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// Delete unmaps the segment and unlinks its file. The lock file is kept.
func (s *Segment) Delete() error {
	closeErr := s.Close()
	unlinkErr := unlinkIfExists(s.path)

	return errors.Join(closeErr, unlinkErr)
}

// Guard takes the cross-process create/resize lock for the named segment,
// waiting up to the opener's LockTimeout. Close the returned value to release
// it. Do not call Open or Attach for the same name while holding it.
func (o Opener) Guard(name string) (io.Closer, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	timeout := o.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	guard, err := lockWithTimeout(o.Path(name)+".lock", timeout)
	if err != nil {
		return nil, fmt.Errorf("guard %s: %w", name, err)
	}

	return guard, nil
}

// Remove unlinks the named segment without mapping it.
func (o Opener) Remove(name string) error {
	err := validateName(name)
	if err != nil {
		return err
	}

	path := o.Path(name)

	guard, err := lockWithTimeout(path+".lock", defaultLockTimeout)
	if err != nil {
		return fmt.Errorf("guard %s: %w", name, err)
	}
	defer func() { _ = guard.Close() }()

	return unlinkIfExists(path)
}
