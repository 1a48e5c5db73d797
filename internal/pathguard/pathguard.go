// Package pathguard sanitizes and verifies output paths: it resolves a
// caller-supplied output directory to a safe absolute path, checks a
// resolved file path never escapes its parent directory, and checks disk
// space before a transfer starts.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrTraversal is returned by VerifyInside when child escapes parent,
// including the case where the two paths live on different volumes.
type ErrTraversal struct {
	Child, Parent string
}

func (e *ErrTraversal) Error() string {
	return fmt.Sprintf("pathguard: %q escapes parent %q", e.Child, e.Parent)
}

// SanitizeResult is the outcome of SanitizeOutputDir.
type SanitizeResult struct {
	Dir     string
	Warning string // non-empty if a fallback directory was used
}

// SanitizeOutputDir resolves dir to an absolute canonical path, creates it
// if missing, and verifies it's writable. On failure it falls back to the
// system temp directory and reports a warning rather than failing the
// caller outright — per spec, a bad output dir degrades to a safe
// default instead of blocking the whole download.
func SanitizeOutputDir(dir string) (SanitizeResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fallbackDir(fmt.Sprintf("cannot resolve %q: %v", dir, err))
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return fallbackDir(fmt.Sprintf("cannot canonicalize %q: %v", abs, err))
		}
		if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
			return fallbackDir(fmt.Sprintf("cannot create %q: %v", abs, mkErr))
		}
		resolved, err = filepath.EvalSymlinks(abs)
		if err != nil {
			return fallbackDir(fmt.Sprintf("cannot canonicalize created dir %q: %v", abs, err))
		}
	}

	if err := checkWritable(resolved); err != nil {
		return fallbackDir(fmt.Sprintf("%q is not writable: %v", resolved, err))
	}

	return SanitizeResult{Dir: resolved}, nil
}

func fallbackDir(reason string) (SanitizeResult, error) {
	tmp := os.TempDir()
	resolved, err := filepath.EvalSymlinks(tmp)
	if err != nil {
		resolved = tmp
	}
	return SanitizeResult{Dir: resolved, Warning: reason}, nil
}

func checkWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".tachyon-write-check-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// VerifyInside checks that child is canonically contained within parent,
// component-wise. Different-volume paths (relevant on Windows, where
// filepath.Rel across drive letters returns an error) are treated as a
// traversal.
func VerifyInside(child, parent string) error {
	absChild, err := filepath.Abs(child)
	if err != nil {
		return &ErrTraversal{Child: child, Parent: parent}
	}
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return &ErrTraversal{Child: child, Parent: parent}
	}

	if resolved, err := filepath.EvalSymlinks(absChild); err == nil {
		absChild = resolved
	}
	if resolved, err := filepath.EvalSymlinks(absParent); err == nil {
		absParent = resolved
	}

	rel, err := filepath.Rel(absParent, absChild)
	if err != nil {
		return &ErrTraversal{Child: child, Parent: parent}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return &ErrTraversal{Child: child, Parent: parent}
	}
	return nil
}

const (
	// WarnBelowBytes is the free-space threshold below which
	// CheckDiskSpace reports ok=false by the "warn" policy.
	WarnBelowBytes = 100 * 1024 * 1024
	// FailBelowBytes is the free-space threshold the caller should treat
	// as a hard failure rather than a warning.
	FailBelowBytes = 50 * 1024 * 1024
)

// CheckDiskSpace returns the free bytes on dir's volume and whether the
// caller should consider disk space sufficient for required bytes plus
// the warn buffer. The caller decides warn-vs-fail: ok=false with
// free >= required means "below the warn buffer", ok=false with
// free < required means the hard-failure case.
func CheckDiskSpace(dir string, required int64) (free int64, ok bool, err error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, false, fmt.Errorf("pathguard: check disk space: %w", err)
	}
	free = int64(usage.Free)
	ok = free >= required+WarnBelowBytes
	return free, ok, nil
}
