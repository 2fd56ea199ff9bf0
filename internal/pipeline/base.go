package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oremus-labs/rife-worker/internal/recipe"
)

// OSRelease holds the fields of /etc/os-release the base check uses.
type OSRelease struct {
	ID        string
	VersionID string
}

// ReadOSRelease parses an os-release file.
func ReadOSRelease(path string) (*OSRelease, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	osr := &OSRelease{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "ID":
			osr.ID = v
		case "VERSION_ID":
			osr.VersionID = v
		}
	}
	return osr, scanner.Err()
}

var tagDistro = regexp.MustCompile(`(ubuntu|debian)(\d+(?:\.\d+)?)`)

// CompareBase returns warnings when the running OS differs from the
// distribution encoded in the base image tag.
func CompareBase(ref recipe.ImageRef, osr *OSRelease) []string {
	m := tagDistro.FindStringSubmatch(ref.Tag)
	if m == nil {
		return []string{fmt.Sprintf("base tag %s does not name a distribution; skipped OS comparison", ref.Tag)}
	}
	if osr.ID != m[1] || osr.VersionID != m[2] {
		return []string{fmt.Sprintf("running %s %s, base image %s targets %s %s", osr.ID, osr.VersionID, ref, m[1], m[2])}
	}
	return nil
}

// CopyVerbatim copies src to dst and confirms the bytes are identical.
func CopyVerbatim(src, dst string) error {
	data, err := os.ReadFile(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	same, err := SameContent(src, dst)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%s differs from %s after copy", dst, src)
	}
	return nil
}

// SameContent reports whether two files hold identical bytes.
func SameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 64<<10)
	bufB := make([]byte, 64<<10)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		doneB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if errA != nil && !doneA {
			return false, errA
		}
		if errB != nil && !doneB {
			return false, errB
		}
		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}
