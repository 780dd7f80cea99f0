//go:build !unix

package store

import (
	"context"
	"sync"
)

// FileLocker falls back to an in-process lock on platforms without flock.
type FileLocker struct {
	Dir string
}

var (
	fileLocksOnce sync.Once
	fileLocks     *MemLocker
)

func (l *FileLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	fileLocksOnce.Do(func() { fileLocks = NewMemLocker() })
	return fileLocks.TryLock(ctx, l.Dir+"/"+name)
}
