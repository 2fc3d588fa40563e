package control

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrFrameCorrupted is returned when a stored frame no longer matches the
// checksum in its name
var ErrFrameCorrupted = errors.New("stored frame corrupted")

// Storage keeps the frames sent for remote search
type Storage interface {
	// Save stores data under a name derived from filename and returns it
	Save(filename string, data []byte) (string, error)
	Get(name string) ([]byte, error)
	Delete(name string) error
}

// FrameStore keeps frames as files in one directory. Stored names carry
// a blake3 tag of the content, checked on every read.
type FrameStore struct {
	dir string
}

// NewFrameStore creates the directory if needed
func NewFrameStore(dir string) (*FrameStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}
	return &FrameStore{dir: dir}, nil
}

func frameTag(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// taggedName inserts the tag before the extension: a.png becomes a.<tag>.png
func taggedName(filename, tag string) string {
	name := filepath.Base(filename)
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "." + tag + ext
}

// tagOf returns the tag of a stored name, or "" if it has none
func tagOf(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return ""
	}
	return base[i+1:]
}

// Save writes the frame through a temporary file so a reader never sees
// a partial frame
func (f *FrameStore) Save(filename string, data []byte) (string, error) {
	name := taggedName(filename, frameTag(data))

	tmp, err := os.CreateTemp(f.dir, ".frame-*")
	if err != nil {
		return "", fmt.Errorf("creating temporary frame: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing frame: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		return "", fmt.Errorf("storing frame: %w", err)
	}
	return name, nil
}

// Get reads a stored frame and checks its tag
func (f *FrameStore) Get(name string) ([]byte, error) {
	name = filepath.Base(name)
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	if tag := tagOf(name); tag == "" || tag != frameTag(data) {
		return nil, fmt.Errorf("%w: %s", ErrFrameCorrupted, name)
	}
	return data, nil
}

// Delete removes a stored frame. A missing frame is not an error.
func (f *FrameStore) Delete(name string) error {
	err := os.Remove(filepath.Join(f.dir, filepath.Base(name)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting frame: %w", err)
	}
	return nil
}
