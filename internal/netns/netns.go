// Package netns provides scoped entry into a Linux network namespace,
// the Go analogue of the teacher's contextlib-based `namespace()` context
// manager: enter for the duration of socket creation, restore the
// original namespace on exit even under error.
//
// setns(2) is per-OS-thread, so entry locks the calling goroutine to its
// current OS thread for the scope's lifetime via runtime.LockOSThread.
package netns

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

const defaultDir = "/var/run/netns"

// Enter switches the calling goroutine's thread into the named network
// namespace (found under dir, or /var/run/netns if dir is empty) and returns
// a release function that restores the original namespace. The goroutine
// stays locked to its OS thread until release is called.
func Enter(dir, name string) (release func(), err error) {
	if dir == "" {
		dir = defaultDir
	}
	path := filepath.Join(dir, name)

	runtime.LockOSThread()

	originalFD, err := unix.Open("/proc/self/ns/net", unix.O_RDONLY, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open current netns: %w", err)
	}

	targetFD, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		unix.Close(originalFD)
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open target netns %s: %w", path, err)
	}

	if err := unix.Setns(targetFD, unix.CLONE_NEWNET); err != nil {
		unix.Close(targetFD)
		unix.Close(originalFD)
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("setns %s: %w", path, err)
	}
	unix.Close(targetFD)

	released := false
	release = func() {
		if released {
			return
		}
		released = true
		defer runtime.UnlockOSThread()
		defer unix.Close(originalFD)
		if err := unix.Setns(originalFD, unix.CLONE_NEWNET); err != nil {
			// Best-effort: the thread is about to be unlocked regardless,
			// so a failed restore leaves it in the target namespace, not
			// a wrong one silently assumed to be the original.
			return
		}
	}
	return release, nil
}

// List returns the names of all namespaces visible under dir (or
// /var/run/netns if dir is empty), i.e. the entries of that directory.
func List(dir string) ([]string, error) {
	if dir == "" {
		dir = defaultDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
