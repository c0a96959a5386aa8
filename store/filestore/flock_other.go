//go:build !unix

package filestore

// dirLock is a no-op where flock(2) is unavailable. Writers in one process
// are still serialized by Store.mu.
type dirLock struct{}

func lockDir(string) (*dirLock, error) { return &dirLock{}, nil }

func (*dirLock) unlock() error { return nil }
