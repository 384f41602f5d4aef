package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/ts-parkwatch/internal/platform/paths"
)

// Store is the image blob surface: full-object puts keyed by a logical
// relative path, plus the stat used by the "missing" filter.
type Store interface {
	Put(rel string, data []byte) error
	Open(rel string) (io.ReadCloser, error)
	Stat(rel string) (int64, time.Time, error)
	Remove(rel string) error
}

// FSStore keeps blobs on the local filesystem under a fixed root.
type FSStore struct {
	Root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FSStore{Root: root}, nil
}

func (s *FSStore) resolve(rel string) (string, error) {
	return paths.SafeJoin(s.Root, filepath.FromSlash(rel))
}

// Put writes the object atomically: temp file in the target directory, then
// rename, so readers never observe a partial image.
func (s *FSStore) Put(rel string, data []byte) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}

func (s *FSStore) Open(rel string) (io.ReadCloser, error) {
	target, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(target)
}

func (s *FSStore) Stat(rel string) (int64, time.Time, error) {
	target, err := s.resolve(rel)
	if err != nil {
		return 0, time.Time{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

func (s *FSStore) Remove(rel string) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}
	return os.Remove(target)
}

// ScreenshotPath builds the canonical screenshot location:
// <date>/<ip with dots as underscores>_<start>_<end>_<channel>.jpg
func ScreenshotPath(date, ip string, startTS, endTS int64, channel string) string {
	return fmt.Sprintf("%s/%s_%d_%d_%s.jpg", date, strings.ReplaceAll(ip, ".", "_"), startTS, endTS, channel)
}

// DetectedPath derives the annotated variant: _detected inserted before the
// extension.
func DetectedPath(screenshotPath string) string {
	ext := filepath.Ext(screenshotPath)
	return strings.TrimSuffix(screenshotPath, ext) + "_detected" + ext
}
