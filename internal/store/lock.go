package store

import (
	"os"
	"sync"
)

// fileLock is an advisory lock on a sidecar file next to the database. It
// serialises writers across processes; readers in this process share one
// OS-level shared lock.
type fileLock struct {
	f       *os.File
	mu      sync.Mutex
	readers int
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

// lockExclusive must only be called while no reader in this process holds
// the lock; Store guarantees that through its RWMutex.
func (l *fileLock) lockExclusive() error {
	return lockFile(l.f, true)
}

func (l *fileLock) unlock() error {
	return unlockFile(l.f)
}

func (l *fileLock) lockShared() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		if err := lockFile(l.f, false); err != nil {
			return err
		}
	}
	l.readers++
	return nil
}

func (l *fileLock) unlockShared() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readers--
	if l.readers == 0 {
		return unlockFile(l.f)
	}
	return nil
}

func (l *fileLock) close() error {
	return l.f.Close()
}
