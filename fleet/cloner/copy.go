package cloner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Top-level entries of a definition that belong to one running emulator and
// must not be shared with a clone.
var excludedTopLevel = map[string]bool{
	"snapshots":               true,
	"cache.img.qcow2":         true,
	"userdata-qemu.img.qcow2": true,
	"sdcard.img.qcow2":        true,
	"system.img.qcow2":        true,
	"hardware-qemu.ini":       true,
}

func isLockName(name string) bool {
	return strings.HasSuffix(name, ".lock")
}

// excluded reports whether rel (slash separated, relative to the template
// root) is left out of a clone.
func excluded(rel string) bool {
	if isLockName(filepath.Base(rel)) {
		return true
	}
	return !strings.Contains(rel, "/") && excludedTopLevel[rel]
}

func treeSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if excluded(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}

// copyTree copies src into dst, which must not exist, skipping excluded
// entries. onBytes receives the running total of bytes copied.
func copyTree(ctx context.Context, src, dst string, onBytes func(done int64)) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dst, info.Mode().Perm()|0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	var done int64
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if excluded(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.Mkdir(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			n, err := copyFile(path, target)
			if err != nil {
				return err
			}
			done += n
			onBytes(done)
			return nil
		default:
			// Sockets and pipes are runtime artifacts.
			return nil
		}
	})
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()|0600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return n, nil
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
