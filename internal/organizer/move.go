package organizer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/nickcecere/sefs/internal/fs"
)

// moveFile moves src to dst without ever replacing an existing dst. Same
// device moves use a hard link then unlink; file systems without links fall
// back to rename; cross-device moves copy, sync and verify before deleting
// the source.
func moveFile(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			os.Remove(dst)
			return fmt.Errorf("failed to remove source: %w", err)
		}
		return nil
	case errors.Is(err, os.ErrExist):
		return err
	case errors.Is(err, syscall.EXDEV):
		return copyVerify(src, dst)
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return fmt.Errorf("destination exists: %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return copyVerify(src, dst)
		}
		return err
	}
	return nil
}

func copyVerify(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err = out.Close(); err != nil {
		return err
	}

	srcHash, err := fs.HashFile(src)
	if err != nil {
		return err
	}
	dstHash, err := fs.HashFile(dst)
	if err != nil {
		return err
	}
	if srcHash != dstHash {
		err = fmt.Errorf("copy verification failed for %s", dst)
		return err
	}

	os.Chtimes(dst, info.ModTime(), info.ModTime())
	in.Close()
	if err = os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove source: %w", err)
	}
	return nil
}
