//go:build windows

package spool

import "os"

// Windows lacks flock semantics; in-process serialization via Spool.mu is
// the only coordination. Cross-process flush against a live agent is a
// documented POSIX-only operation.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) {}
