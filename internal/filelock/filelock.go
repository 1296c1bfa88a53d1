// Package filelock implements vaultkv's recursive shared/exclusive advisory
// file lock with a deadlock-avoiding upgrade path. It wraps syscall.Flock
// the same way calvinalkan-agent-task/internal/fs/lock.go does — EINTR
// retry loop, LOCK_NB-based polling with capped backoff, EWOULDBLOCK/EAGAIN
// treated as contention rather than failure — but adds the in-process
// recursion and shared-to-exclusive upgrade semantics spec.md §4.5 requires,
// which that teacher file's single-acquisition Locker doesn't need.
package filelock

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// ErrWouldBlock is returned by the non-blocking Try* methods when the OS
// lock is currently held elsewhere.
var ErrWouldBlock = errors.New("filelock: would block")

const maxEINTRRetries = 10000

// state describes which OS-level lock mode, if any, this FileLock currently
// holds.
type state int

const (
	stateNone state = iota
	stateShared
	stateExclusive
)

// FileLock is a recursive, in-process-refcounted wrapper around a single
// fd's flock state. One FileLock should be shared by every goroutine in the
// process that wants to coordinate access to the underlying data file.
type FileLock struct {
	fd int

	mu             sync.Mutex
	state          state
	sharedCount    int
	exclusiveCount int
}

// New wraps fd, which the caller owns and must keep open for the FileLock's
// lifetime (vaultkv passes its mmapfile.File's Fd()).
func New(fd int) *FileLock {
	return &FileLock{fd: fd}
}

// LockShared blocks until a shared lock is held, incrementing the recursive
// count if this process already holds shared or exclusive.
func (l *FileLock) LockShared() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateExclusive || l.state == stateShared {
		l.sharedCount++
		return nil
	}
	if err := l.osLock(syscall.LOCK_SH, true); err != nil {
		return err
	}
	l.state = stateShared
	l.sharedCount++
	return nil
}

// LockExclusive blocks until an exclusive lock is held.
//
// If this process already holds the lock shared, a plain blocking exclusive
// acquisition on the same fd would deadlock against itself (the kernel sees
// one fd already locked shared and any other lock request from any other
// thread of the same process would be refused for non-blocking, or hang for
// blocking, since flock is per-open-file-description, not per-thread). So
// the upgrade first tries non-blocking exclusive; if that fails, the shared
// lock is released, exclusive is taken blockingly, and on any failure the
// shared lock is re-acquired before returning — the caller is never left
// without the lock it started with.
func (l *FileLock) LockExclusive() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateExclusive {
		l.exclusiveCount++
		return nil
	}

	if l.state == stateShared {
		return l.upgradeFromSharedLocked()
	}

	if err := l.osLock(syscall.LOCK_EX, true); err != nil {
		return err
	}
	l.state = stateExclusive
	l.exclusiveCount++
	return nil
}

func (l *FileLock) upgradeFromSharedLocked() error {
	if err := l.osLock(syscall.LOCK_EX, false); err == nil {
		l.state = stateExclusive
		l.exclusiveCount++
		return nil
	} else if !errors.Is(err, ErrWouldBlock) {
		return err
	}

	if err := l.osLock(syscall.LOCK_UN, false); err != nil {
		return fmt.Errorf("filelock: releasing shared lock before upgrade: %w", err)
	}
	l.state = stateNone

	if err := l.osLock(syscall.LOCK_EX, true); err != nil {
		// Could not upgrade: restore the shared lock the caller started with.
		if relockErr := l.osLock(syscall.LOCK_SH, true); relockErr != nil {
			return fmt.Errorf("filelock: upgrade failed (%v) and re-acquiring shared lock also failed: %w", err, relockErr)
		}
		l.state = stateShared
		return err
	}

	l.state = stateExclusive
	l.exclusiveCount++
	return nil
}

// TryLockShared attempts to acquire a shared lock without blocking. acquired
// is true on success; tryAgain is true when the failure was ordinary
// contention (safe to retry later) rather than an unexpected OS error.
func (l *FileLock) TryLockShared() (acquired bool, tryAgain bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateExclusive || l.state == stateShared {
		l.sharedCount++
		return true, false, nil
	}
	if err := l.osLock(syscall.LOCK_SH, false); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return false, true, nil
		}
		return false, false, err
	}
	l.state = stateShared
	l.sharedCount++
	return true, false, nil
}

// TryLockExclusive attempts to acquire an exclusive lock without blocking.
func (l *FileLock) TryLockExclusive() (acquired bool, tryAgain bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateExclusive {
		l.exclusiveCount++
		return true, false, nil
	}
	if l.state == stateShared {
		// A non-blocking upgrade attempt only ever tries the non-blocking
		// exclusive path; it never releases the shared lock, since doing so
		// on a failed non-blocking request would leave the caller with
		// nothing to fall back on.
		if err := l.osLock(syscall.LOCK_EX, false); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return false, true, nil
			}
			return false, false, err
		}
		l.state = stateExclusive
		l.exclusiveCount++
		return true, false, nil
	}
	if err := l.osLock(syscall.LOCK_EX, false); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return false, true, nil
		}
		return false, false, err
	}
	l.state = stateExclusive
	l.exclusiveCount++
	return true, false, nil
}

// LockExclusiveTimeout polls TryLockExclusive with capped exponential
// backoff until it succeeds or timeout elapses.
func (l *FileLock) LockExclusiveTimeout(timeout time.Duration) (bool, error) {
	return l.pollUntil(timeout, l.TryLockExclusive)
}

// LockSharedTimeout polls TryLockShared with capped exponential backoff
// until it succeeds or timeout elapses.
func (l *FileLock) LockSharedTimeout(timeout time.Duration) (bool, error) {
	return l.pollUntil(timeout, l.TryLockShared)
}

func (l *FileLock) pollUntil(timeout time.Duration, try func() (bool, bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for {
		acquired, tryAgain, err := try()
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if !tryAgain {
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(backoff)
		if backoff < 25*time.Millisecond {
			backoff *= 2
		}
	}
}

// UnlockShared decrements the shared refcount, releasing the OS lock once
// both counts reach zero (or, if an exclusive lock is still held, leaving
// the OS state untouched).
func (l *FileLock) UnlockShared() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sharedCount == 0 {
		return fmt.Errorf("filelock: UnlockShared called with no shared lock held")
	}
	l.sharedCount--
	return l.maybeReleaseLocked()
}

// UnlockExclusive decrements the exclusive refcount, releasing (or
// downgrading to shared, if a shared count remains) once it reaches zero.
func (l *FileLock) UnlockExclusive() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exclusiveCount == 0 {
		return fmt.Errorf("filelock: UnlockExclusive called with no exclusive lock held")
	}
	l.exclusiveCount--
	return l.maybeReleaseLocked()
}

func (l *FileLock) maybeReleaseLocked() error {
	if l.exclusiveCount > 0 {
		return nil
	}
	if l.sharedCount > 0 {
		if l.state == stateExclusive {
			if err := l.osLock(syscall.LOCK_SH, true); err != nil {
				return err
			}
			l.state = stateShared
		}
		return nil
	}
	if l.state == stateNone {
		return nil
	}
	if err := l.osLock(syscall.LOCK_UN, false); err != nil {
		return err
	}
	l.state = stateNone
	return nil
}

// osLock issues the flock syscall, retrying on EINTR, and translates
// EWOULDBLOCK/EAGAIN into ErrWouldBlock for non-blocking requests.
func (l *FileLock) osLock(how int, blocking bool) error {
	flags := how
	if !blocking && how != syscall.LOCK_UN {
		flags |= syscall.LOCK_NB
	}

	var err error
	for i := 0; i < maxEINTRRetries; i++ {
		err = syscall.Flock(l.fd, flags)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("filelock: flock: %w", err)
	}
	return fmt.Errorf("filelock: flock: %w", err)
}
