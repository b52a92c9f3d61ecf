//go:build !unix

package relaychat

import "sync"

var fileLocks sync.Map

// lockFile falls back to an in-process lock where flock is unavailable.
func lockFile(path string) (func(), error) {
	value, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}
