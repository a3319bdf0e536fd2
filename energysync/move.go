package energysync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ReplaceFile copies srcPath over dstPath. The copy goes to a temp file in the
// destination directory first, so readers never see a half-written database.
func ReplaceFile(srcPath string, dstPath string) error {
	if strings.TrimSpace(dstPath) == "" {
		return fmt.Errorf("dstPath is empty")
	}
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "."+filepath.Base(dstPath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := out.Name()
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}

	// Windows refuses to rename over an existing file.
	if err := os.Rename(tmpPath, dstPath); err != nil {
		if rmErr := os.Remove(dstPath); rmErr != nil && !os.IsNotExist(rmErr) {
			_ = os.Remove(tmpPath)
			return err
		}
		if err := os.Rename(tmpPath, dstPath); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
	}
	return nil
}
