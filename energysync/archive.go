package energysync

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ha-energy-sync/internal/logging"
)

// ResolveLatest returns the archive in dir matching glob with the newest
// modification time. Equal mtimes go to the lexicographically greatest path.
func ResolveLatest(dir, glob string) (BackupArchive, error) {
	if strings.TrimSpace(dir) == "" {
		return BackupArchive{}, fmt.Errorf("backup directory not configured for this OS")
	}
	if glob == "" {
		glob = "*.tar"
	}
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return BackupArchive{}, err
	}

	var best BackupArchive
	found := false
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		cand := BackupArchive{Path: p, ModTime: info.ModTime()}
		if !found || cand.ModTime.After(best.ModTime) ||
			(cand.ModTime.Equal(best.ModTime) && cand.Path > best.Path) {
			best = cand
			found = true
		}
	}
	if !found {
		return BackupArchive{}, fmt.Errorf("%w in %s (%s)", ErrNoBackup, dir, glob)
	}
	return best, nil
}

// Extractor pulls the Home Assistant database out of a nested backup.
type Extractor struct {
	// OutputDir receives the stable database copy and the scratch directories.
	OutputDir string
	// InnerArchive is the path of the inner archive relative to the outer extraction root.
	InnerArchive string
	// DatabaseFile is the base name searched for after the inner extraction.
	DatabaseFile string
	// MaxEntryBytes caps the declared size of any archive entry. Zero means
	// DefaultMaxEntryBytes.
	MaxEntryBytes int64
}

// DefaultMaxEntryBytes leaves room for multi-GiB recorder databases.
const DefaultMaxEntryBytes int64 = 16 << 30

func (e *Extractor) maxEntry() int64 {
	if e.MaxEntryBytes > 0 {
		return e.MaxEntryBytes
	}
	return DefaultMaxEntryBytes
}

// OutputPath is the stable location of the extracted database.
func (e *Extractor) OutputPath() string {
	return filepath.Join(e.OutputDir, e.DatabaseFile)
}

// Extract unpacks archive into a private scratch directory, copies the
// database to OutputPath and removes the scratch directory on every path.
func (e *Extractor) Extract(archive BackupArchive) (dbPath string, err error) {
	log := logging.Component("extract")
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return "", err
	}
	scratch, err := os.MkdirTemp(e.OutputDir, "extract-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			log.Error().Err(rmErr).Str("dir", scratch).Msg("scratch cleanup failed")
			if err == nil {
				err = rmErr
			}
		}
	}()

	if err := untarFile(archive.Path, scratch, e.maxEntry()); err != nil {
		return "", &ExtractError{Kind: ErrMalformedArchive, Archive: archive.Path, Detail: "outer", Err: err}
	}

	inner, err := safeJoin(scratch, e.InnerArchive)
	if err != nil || !isRegularFile(inner) {
		return "", &ExtractError{Kind: ErrMissingInnerArchive, Archive: archive.Path, Detail: e.InnerArchive}
	}
	if err := untarFile(inner, scratch, e.maxEntry()); err != nil {
		return "", &ExtractError{Kind: ErrMalformedArchive, Archive: archive.Path, Detail: e.InnerArchive, Err: err}
	}

	found, err := findFile(scratch, e.DatabaseFile)
	if err != nil {
		return "", &ExtractError{Kind: ErrMalformedArchive, Archive: archive.Path, Err: err}
	}
	if found == "" {
		return "", &ExtractError{Kind: ErrMissingDatabaseFile, Archive: archive.Path, Detail: e.DatabaseFile}
	}

	dst := e.OutputPath()
	if err := ReplaceFile(found, dst); err != nil {
		return "", fmt.Errorf("copy database: %w", err)
	}
	log.Info().Str("archive", filepath.Base(archive.Path)).Str("database", dst).Msg("database extracted")
	return dst, nil
}

// untarFile extracts a tar archive, gzip-compressed or not, into dest.
// Only directories and regular files are materialized; a regular file
// declaring more than maxEntry bytes fails the extraction.
func untarFile(path, dest string, maxEntry int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > maxEntry {
				return fmt.Errorf("entry %s is %d bytes, limit %d", hdr.Name, hdr.Size, maxEntry)
			}
			if err := writeEntry(tr, target, hdr.Size); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		}
	}
}

func writeEntry(r io.Reader, target string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, io.LimitReader(r, size))
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// safeJoin joins name under root and rejects entries escaping it.
func safeJoin(root, name string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(name))
	if p != filepath.Clean(root) && !strings.HasPrefix(p, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid path in archive: %s", name)
	}
	return p, nil
}

// findFile walks root in lexical order and returns the first regular file named base.
func findFile(root, base string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Type().IsRegular() && d.Name() == base {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
