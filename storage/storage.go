// Package storage lays out per-job artifact files and mirrors finished
// artifacts to object storage.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrBadJobID is returned for ids that would escape the job directory.
var ErrBadJobID = errors.New("storage: invalid job id")

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Layout maps job artifacts to paths under Root. Every job writes only
// inside its own directory, so concurrent jobs never share a file.
type Layout struct {
	Root string
}

// JobDir returns Root/jobs/<id>.
func (l Layout) JobDir(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: %q", ErrBadJobID, jobID)
	}
	return filepath.Join(l.Root, "jobs", jobID), nil
}

// Path returns the path of a named artifact and creates the job directory.
func (l Layout) Path(jobID, name string) (string, error) {
	dir, err := l.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("storage: invalid artifact name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	return filepath.Join(dir, name), nil
}

// Artifact file names.
const (
	CleanName      = "clean.png"
	SilhouetteName = "silhouette.pgm"
	PreviewName    = "preview.svg"
)

// MaskName is the PGM mask of one palette slot.
func MaskName(slot int) string { return fmt.Sprintf("mask_%d.pgm", slot) }

// OutlineName is the traced SVG of one palette slot.
func OutlineName(slot int) string { return fmt.Sprintf("color_%d.svg", slot) }

// ColorSTLName is the extruded mesh of one palette slot.
func ColorSTLName(slot int) string { return fmt.Sprintf("color_%d.stl", slot) }

func MergedName(jobID string) string { return jobID + "_with_ring.stl" }
func ThreeMFName(jobID string) string { return jobID + ".3mf" }
func PackageName(jobID string) string { return jobID + "_multicolor.zip" }

// WriteFile writes data to a temporary sibling and renames it over path,
// so readers see either the old file or the complete new one.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("storage: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("storage: close %s: %w", path, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("storage: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}
	return nil
}
