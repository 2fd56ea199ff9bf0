package acquire

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// install extracts archive into appDir, moves the contents of archiveDir up
// one level, checks that binaryName arrived as a regular file and removes
// both the archive and the emptied directory. It
// returns the names of the directories that now sit next to the binary.
// On failure every entry the extraction added to appDir is removed again.
func install(archive, appDir, archiveDir, binaryName string) (siblings []string, err error) {
	before, err := entryNames(appDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read application directory: %w", err)
	}
	var moved []string
	defer func() {
		if err != nil {
			rollback(appDir, before, moved)
		}
	}()

	if err := unzip(archive, appDir); err != nil {
		return nil, err
	}
	extracted := filepath.Join(appDir, archiveDir)
	info, err := os.Stat(extracted)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %s not found in archive", ErrLayoutChanged, archiveDir)
	}

	entries, err := os.ReadDir(extracted)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted directory: %w", err)
	}
	for _, entry := range entries {
		from := filepath.Join(extracted, entry.Name())
		to := filepath.Join(appDir, entry.Name())
		if err := os.RemoveAll(to); err != nil {
			return nil, fmt.Errorf("failed to replace %s: %w", to, err)
		}
		if err := os.Rename(from, to); err != nil {
			return nil, fmt.Errorf("failed to flatten %s: %w", entry.Name(), err)
		}
		moved = append(moved, entry.Name())
		if entry.IsDir() {
			siblings = append(siblings, entry.Name())
		}
	}
	if info, err := os.Stat(filepath.Join(appDir, binaryName)); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s missing after extraction", ErrLayoutChanged, binaryName)
	}
	if err := os.Remove(extracted); err != nil {
		return nil, fmt.Errorf("failed to remove extracted directory: %w", err)
	}
	if err := os.Remove(archive); err != nil {
		return nil, fmt.Errorf("failed to remove archive: %w", err)
	}
	return sortedNames(siblings), nil
}

func entryNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// rollback removes whatever a failed install left in appDir: new top-level
// entries from the archive and entries already flattened out of it. The
// archive itself is left to the caller.
func rollback(appDir string, before map[string]struct{}, moved []string) {
	for _, name := range moved {
		_ = os.RemoveAll(filepath.Join(appDir, name))
	}
	after, err := entryNames(appDir)
	if err != nil {
		return
	}
	for name := range after {
		if _, existed := before[name]; !existed {
			_ = os.RemoveAll(filepath.Join(appDir, name))
		}
	}
}

func unzip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range r.File {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("archive entry %s is a symlink", f.Name)
		default:
			if err := extractFile(f, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// safeJoin rejects entries that would land outside root.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
