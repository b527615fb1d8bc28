package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage implements ObjectStorage on the local filesystem. Each bucket
// is a directory under basePath and keys are slash-separated relative paths.
// This is primarily used for testing and development.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

// ListKeys returns every file under the bucket directory, sorted by key.
func (l *LocalStorage) ListKeys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := l.bucketPath(bucket)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	var keys []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListFailed, err)
	}

	// WalkDir orders per directory; S3 orders by the full key.
	sort.Strings(keys)
	return keys, nil
}

// ListPrefix reads the directory holding prefix. Entries are kept when
// their name starts with the part of prefix after the last "/".
func (l *LocalStorage) ListPrefix(ctx context.Context, bucket, prefix string) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := l.bucketPath(bucket)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	dir, stem := "", prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir, stem = prefix[:i+1], prefix[i+1:]
	}
	dirPath, err := l.objectPath(bucket, dir)
	if err != nil {
		return nil, err
	}

	listing := &Listing{}
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return listing, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrListFailed, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), stem) {
			continue
		}
		if e.IsDir() {
			listing.Prefixes = append(listing.Prefixes, dir+e.Name()+"/")
		} else {
			listing.Keys = append(listing.Keys, dir+e.Name())
		}
	}
	return listing, nil
}

// Download copies bucket/key to localPath.
func (l *LocalStorage) Download(ctx context.Context, bucket, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := l.objectPath(bucket, key)
	if err != nil {
		return err
	}

	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrObjectNotFound
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := l.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// bucketPath returns the directory for bucket, rejecting names that escape basePath.
func (l *LocalStorage) bucketPath(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("invalid bucket name: %q", bucket)
	}
	return filepath.Join(l.basePath, bucket), nil
}

// objectPath returns the full filesystem path for bucket/key.
func (l *LocalStorage) objectPath(bucket, key string) (string, error) {
	root, err := l.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(key))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return full, nil
}
