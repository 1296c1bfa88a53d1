// Package backup implements vaultkv's data+meta file-pair snapshot and
// restore. Its CRUD shape (create/list a destination, copy a known file
// pair) follows internal/snapshot/snapshot.go's Manager, but replaces that
// package's gob-encoded full-store snapshot with a raw file-pair copy —
// MMKV.cpp's backupOneToDirectory/restoreOneFromFile never serialize the
// in-memory map at all, they just copy the data and meta files under lock —
// and writes through github.com/natefinch/atomic so a reader of the
// destination directory never observes a half-written pair.
package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Locker is the subset of internal/filelock.FileLock that backup needs: it
// takes the shared lock around the copy so a concurrent append can't be
// mid-write while the data file is being read.
type Locker interface {
	LockShared() error
	UnlockShared() error
}

// dataSuffix and metaSuffix are appended to the data file's base name to
// form the two members of the file pair backup copies.
const (
	dataSuffix = ""
	metaSuffix = ".crc"
)

// OneToDirectory copies the data file at dataPath (and its `<dataPath>.crc`
// sidecar, if present) into destDir, under the same base file name. It
// holds lock shared for the duration of the copy so the source is never
// read mid-append.
func OneToDirectory(lock Locker, dataPath, destDir string) error {
	if err := lock.LockShared(); err != nil {
		return fmt.Errorf("backup: acquiring shared lock: %w", err)
	}
	defer lock.UnlockShared()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("backup: mkdir %s: %w", destDir, err)
	}

	base := filepath.Base(dataPath)
	if err := copyFile(dataPath, filepath.Join(destDir, base+dataSuffix)); err != nil {
		return fmt.Errorf("backup: copying data file: %w", err)
	}

	metaPath := dataPath + metaSuffix
	if _, err := os.Stat(metaPath); err == nil {
		if err := copyFile(metaPath, filepath.Join(destDir, base+metaSuffix)); err != nil {
			return fmt.Errorf("backup: copying meta file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("backup: stat %s: %w", metaPath, err)
	}

	return nil
}

// RestoreOneFromFile copies a previously backed-up data file (and its
// sidecar, if present) from srcDir back to dataPath, overwriting whatever
// is there. The caller must ensure no instance has dataPath open — restore
// does not itself take a process-wide lock, mirroring the original's
// contract that restore is only valid before the store has been opened in
// this process.
func RestoreOneFromFile(srcDir, dataPath string) error {
	base := filepath.Base(dataPath)
	if err := copyFile(filepath.Join(srcDir, base+dataSuffix), dataPath); err != nil {
		return fmt.Errorf("backup: restoring data file: %w", err)
	}

	srcMeta := filepath.Join(srcDir, base+metaSuffix)
	if _, err := os.Stat(srcMeta); err == nil {
		if err := copyFile(srcMeta, dataPath+metaSuffix); err != nil {
			return fmt.Errorf("backup: restoring meta file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("backup: stat %s: %w", srcMeta, err)
	}

	return nil
}

// copyFile atomically replaces dst with a copy of src's current contents.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return atomic.WriteFile(dst, in)
}
