//go:build unix

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLocker takes flock(2) locks on files under Dir, so separate processes
// on one host can coordinate.
type FileLocker struct {
	Dir string
}

var _ Locker = (*FileLocker)(nil)

func (l *FileLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("could not create lock dir: %w", err)
	}

	path := filepath.Join(l.Dir, strings.ReplaceAll(name, "/", "_")+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("could not open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("could not lock %s: %w", path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, true, nil
}
