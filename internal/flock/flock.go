// ABOUTME: Exclusive advisory lock on a guard file, held for short critical sections.
// ABOUTME: Unix uses flock(2); other platforms fall back to an in-process lock only.

package flock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Guard is an exclusive lock tied to a guard file path. A Guard is safe for
// concurrent use within one process; goroutines queue on an internal mutex
// before taking the file lock.
type Guard struct {
	path string
	mu   sync.Mutex
}

// New returns a Guard for path. The file is created on first Lock.
func New(path string) *Guard {
	return &Guard{path: path}
}

// Path returns the guard file path.
func (g *Guard) Path() string {
	return g.path
}

// Lock blocks until the guard is held by this goroutine and process.
// The returned function releases it and must be called exactly once.
func (g *Guard) Lock() (func(), error) {
	g.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("creating guard directory: %w", err)
	}
	file, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("opening guard file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		g.mu.Unlock()
		return nil, fmt.Errorf("locking guard file %s: %w", g.path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockFile(file)
			file.Close()
			g.mu.Unlock()
		})
	}, nil
}
