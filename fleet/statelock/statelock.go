// Package statelock makes one process at a time the writer of a fleet state
// file. The holder records who it is in the lock file so that other
// processes can find its control API.
package statelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrLocked is wrapped by the error Acquire returns while another process
// holds the lock.
var ErrLocked = errors.New("fleet state is locked by another process")

var errWouldBlock = errors.New("lock held")

// Owner describes the process holding a lock.
type Owner struct {
	PID   int       `json:"pid"`
	API   string    `json:"api,omitempty"`
	Since time.Time `json:"since"`
}

// LockedError reports the current holder of a lock.
type LockedError struct {
	Path  string
	Owner Owner
}

func (e *LockedError) Error() string {
	if e.Owner.PID == 0 {
		return fmt.Sprintf("%s is locked by another process", e.Path)
	}
	return fmt.Sprintf("%s is locked by pid %d", e.Path, e.Owner.PID)
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	path string

	mu    sync.Mutex
	file  *os.File
	owner Owner
}

// Acquire takes the lock at path without waiting. The file is created when
// missing and is left in place on Release.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			owner, _ := ReadOwner(path)
			return nil, &LockedError{Path: path, Owner: owner}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &Lock{path: path, file: f, owner: Owner{PID: os.Getpid(), Since: time.Now().UTC()}}
	if err := l.write(); err != nil {
		unlockFile(f)
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Advertise records the control API address of the holder.
func (l *Lock) Advertise(api string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("lock released")
	}
	l.owner.API = api
	return l.write()
}

// Release clears the owner record and drops the lock. It is safe to call
// more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	f.Truncate(0)
	err := unlockFile(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *Lock) write() error {
	data, err := json.Marshal(l.owner)
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("write lock %s: %w", l.path, err)
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock %s: %w", l.path, err)
	}
	return l.file.Sync()
}

// ReadOwner returns the holder recorded in the lock file at path. The
// record is empty when nobody holds the lock.
func ReadOwner(path string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if len(data) == 0 {
		return owner, nil
	}
	err = json.Unmarshal(data, &owner)
	return owner, err
}
