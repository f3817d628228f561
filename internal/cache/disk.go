package cache

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// diskStore keeps one gzipped response body per key under
// <dir>/responses/<key>.gz. Writes go to a temp file in the same directory
// and are renamed into place, so readers never observe partial bodies.
type diskStore struct {
	dir string
}

func newDiskStore(dir string) (*diskStore, error) {
	responses := filepath.Join(dir, "responses")
	if err := os.MkdirAll(responses, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create disk store: %w", err)
	}
	return &diskStore{dir: responses}, nil
}

func (x *diskStore) path(key string) string {
	return filepath.Join(x.dir, key+".gz")
}

func (x *diskStore) Write(key string, body []byte) error {
	tmp, err := os.CreateTemp(x.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: disk write: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cache: disk write: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cache: disk write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: disk write: %w", err)
	}
	if err := os.Rename(tmp.Name(), x.path(key)); err != nil {
		return fmt.Errorf("cache: disk write: %w", err)
	}
	return nil
}

func (x *diskStore) Read(key string) ([]byte, error) {
	f, err := os.Open(x.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("cache: disk read: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("cache: disk read: %w", err)
	}
	return body, nil
}

func (x *diskStore) Delete(key string) error {
	err := os.Remove(x.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Keys lists the keys with a body file on disk, temp files excluded.
func (x *diskStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".gz") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".gz"))
	}
	return out, nil
}
