package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/minio/highwayhash"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Storage defines the interface for photo storage operations
type Storage interface {
	// Save saves a file and returns the path/filename
	Save(ctx context.Context, filename string, data []byte) (string, error)

	// Get retrieves a file by path
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes a file
	Delete(ctx context.Context, path string) error
}

var photoHashKey = []byte("receipt-ledger-photo-hash-key-01")

// PhotoHash fingerprints photo bytes. Identical uploads get identical
// hashes, which lets callers spot a receipt photographed twice.
func PhotoHash(data []byte) (string, error) {
	h, err := highwayhash.New64(photoHashKey)
	if err != nil {
		return "", err
	}
	if _, err := h.Write(data); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// resolve keeps stored names inside the base directory
func (l *LocalStorage) resolve(name string) (string, error) {
	clean := filepath.Base(name)
	if clean == "." || clean == string(filepath.Separator) || clean != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(l.basePath, clean), nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(ctx context.Context, filename string, data []byte) (string, error) {
	path, err := l.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filename, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, name string) ([]byte, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("photo %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, name string) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// AFSStorage stores photos under any URL the afs service understands,
// e.g. file:///var/lib/receipts or mem://localhost/photos.
type AFSStorage struct {
	fs      afs.Service
	baseURL string
}

// NewAFSStorage creates a new AFSStorage rooted at baseURL
func NewAFSStorage(baseURL string) *AFSStorage {
	return &AFSStorage{fs: afs.New(), baseURL: baseURL}
}

// Save uploads a file under the base URL
func (a *AFSStorage) Save(ctx context.Context, filename string, data []byte) (string, error) {
	if filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid file name %q", filename)
	}
	if err := a.fs.Upload(ctx, url.Join(a.baseURL, filename), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("uploading file: %w", err)
	}
	return filename, nil
}

// Get downloads a file
func (a *AFSStorage) Get(ctx context.Context, name string) ([]byte, error) {
	location := url.Join(a.baseURL, name)
	exists, err := a.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("checking file: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("photo %s: %w", name, ErrNotFound)
	}
	data, err := a.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	return data, nil
}

// Delete removes a file
func (a *AFSStorage) Delete(ctx context.Context, name string) error {
	if err := a.fs.Delete(ctx, url.Join(a.baseURL, name)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

var (
	_ Storage = (*LocalStorage)(nil)
	_ Storage = (*AFSStorage)(nil)
)
