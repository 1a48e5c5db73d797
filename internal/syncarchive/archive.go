// Package syncarchive builds and reads the cloud-sync archive format
// spec.md section 6 names under "Persisted state layout relevant to the
// core": a zip containing config.json (internal/config.Snapshot) and the
// history sqlite database file. Cloud sync itself — scheduling,
// upload/download transport, conflict resolution — is the out-of-scope
// external collaborator spec.md section 1 names; this package is only
// the archive's on-disk contract and the traversal guard its import side
// requires.
package syncarchive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"project-tachyon/internal/config"
	"project-tachyon/internal/pathguard"
)

// ConfigEntryName and DatabaseEntryName are the two fixed entry names a
// sync archive carries.
const (
	ConfigEntryName   = "config.json"
	DatabaseEntryName = "history.db"
)

// Export writes a zip archive to w containing snap as config.json and
// the sqlite file at dbPath as history.db. dbPath may be empty (or
// ":memory:") to produce a config-only archive, e.g. in tests.
func Export(w io.Writer, snap config.Snapshot, dbPath string) error {
	zw := zip.NewWriter(w)

	if err := writeJSONEntry(zw, ConfigEntryName, snap); err != nil {
		return err
	}

	if dbPath != "" && dbPath != ":memory:" {
		if err := copyFileEntry(zw, DatabaseEntryName, dbPath); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("syncarchive: finalize zip: %w", err)
	}
	return nil
}

func writeJSONEntry(zw *zip.Writer, name string, v interface{}) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("syncarchive: create %q entry: %w", name, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("syncarchive: encode %q entry: %w", name, err)
	}
	return nil
}

func copyFileEntry(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("syncarchive: open %q: %w", srcPath, err)
	}
	defer src.Close()

	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("syncarchive: create %q entry: %w", name, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("syncarchive: copy %q into archive: %w", srcPath, err)
	}
	return nil
}

// Import reads a sync archive (r, size bytes) and extracts its entries
// into targetDir. Every entry's resolved extraction path MUST stay
// inside targetDir — spec.md section 6's explicit requirement — checked
// via pathguard.VerifyInside before any file is created, so a crafted
// entry name like "../../etc/cron.d/evil" is rejected outright rather
// than silently clamped. An absolute entry name is joined under targetDir
// like any other name, so it is extracted inside targetDir.
//
// It returns the path of the extracted config.json (if present) and the
// extracted database file (if present) so the caller can load them.
func Import(r io.ReaderAt, size int64, targetDir string) (configPath, dbPath string, err error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", "", fmt.Errorf("syncarchive: open zip: %w", err)
	}

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return "", "", fmt.Errorf("syncarchive: resolve target dir: %w", err)
	}
	if err := os.MkdirAll(absTarget, 0755); err != nil {
		return "", "", fmt.Errorf("syncarchive: create target dir: %w", err)
	}

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(absTarget, filepath.FromSlash(entry.Name))
		if verifyErr := pathguard.VerifyInside(destPath, absTarget); verifyErr != nil {
			return "", "", fmt.Errorf("syncarchive: entry %q escapes target directory: %w", entry.Name, verifyErr)
		}

		if err := extractEntry(entry, destPath); err != nil {
			return "", "", err
		}

		switch entry.Name {
		case ConfigEntryName:
			configPath = destPath
		case DatabaseEntryName:
			dbPath = destPath
		}
	}

	return configPath, dbPath, nil
}

func extractEntry(entry *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("syncarchive: create parent dir for %q: %w", destPath, err)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("syncarchive: open entry %q: %w", entry.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("syncarchive: create %q: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("syncarchive: extract %q: %w", entry.Name, err)
	}
	return nil
}
