package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Stored describes an uploaded file after Save.
type Stored struct {
	Path     string
	Name     string
	Kind     string
	Checksum string
	Size     int64
	Content  []byte
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// SafeName strips directories and collapses characters outside letters,
// digits, dot, dash and underscore.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "document.txt"
	}
	return name
}

// Save writes r under {base}/{userID}/{projectID}/ as {sha256[:8]}_{name}.
// Identical content under the same name lands on the same path.
func Save(base, userID, projectID, name string, r io.Reader) (Stored, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Stored{}, err
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	safe := SafeName(name)

	dir := filepath.Join(base, userID, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stored{}, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s", checksum[:8], safe))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Stored{}, err
	}
	return Stored{
		Path:     path,
		Name:     safe,
		Kind:     KindOf(safe),
		Checksum: checksum,
		Size:     int64(len(data)),
		Content:  data,
	}, nil
}

// Restore recreates path from backup when the file is missing.
// It reports whether a restore happened.
func Restore(path string, backup []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if len(backup) == 0 {
		return false, os.ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, backup, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
