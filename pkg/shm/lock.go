package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when the guard lock is held by another process
	// for longer than the timeout.
	ErrWouldBlock = errors.New("shm: lock would block")

	// errInodeMismatch means the lock file was replaced between open and
	// flock. Callers retry.
	errInodeMismatch = errors.New("shm: inode mismatch")
)

const (
	lockFilePerm = 0o600

	lockInitialBackoff = time.Millisecond
	lockMaxBackoff     = 25 * time.Millisecond
)

// fileLock is a held exclusive flock on a guard file.
type fileLock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock and closes the descriptor. Idempotent.
func (lk *fileLock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// lockWithTimeout takes an exclusive flock on path, polling with exponential
// backoff (1ms up to 25ms) until timeout. A timeout of 0 tries once.
//
// The lock file and its directory are created on demand and never removed.
func lockWithTimeout(path string, timeout time.Duration) (*fileLock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := lockInitialBackoff

	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = acquire(file, path)
		if err == nil {
			return &fileLock{file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, lockMaxBackoff)
	}
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = os.MkdirAll(filepath.Dir(path), segmentDirPerm)
	if err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// acquire flocks file non-blocking and checks it is still the file at path.
// On failure the file is unlocked but not closed.
func acquire(file *os.File, path string) error {
	fd := int(file.Fd())

	err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(path, fd)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, unix.ENOENT) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

// inodeMatchesPath guards the open->flock window: flock locks an inode, and
// the path may have been replaced while we were acquiring it.
func inodeMatchesPath(path string, fd int) (bool, error) {
	var open, current unix.Stat_t

	err := unix.Fstat(fd, &open)
	if err != nil {
		return false, err
	}

	err = unix.Stat(path, &current)
	if err != nil {
		return false, err
	}

	return open.Dev == current.Dev && open.Ino == current.Ino, nil
}

func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
