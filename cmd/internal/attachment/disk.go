package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DiskBackend writes objects under Root/<bucket>/<key> and serves them from BaseURL.
// It is the development backend; the server mounts Root at /attachments/.
type DiskBackend struct {
	Root    string
	BaseURL string
}

// NewDiskBackend constructs a DiskBackend, creating root if needed.
func NewDiskBackend(root, baseURL string) (*DiskBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("attachment: empty disk root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("attachment: create root: %w", err)
	}
	return &DiskBackend{Root: root, BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// Put writes data atomically (temp file + rename).
func (d *DiskBackend) Put(ctx context.Context, bucket, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := objectPath(bucket, key)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(d.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", err
	}

	return d.BaseURL + "/" + escapePath(rel), nil
}

// objectPath validates bucket and key and joins them as a slash path.
func objectPath(bucket, key string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", errors.New("attachment: invalid bucket")
	}
	if key == "" || strings.Contains(key, `\`) || path.IsAbs(key) {
		return "", errors.New("attachment: invalid key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", errors.New("attachment: invalid key")
		}
	}
	return bucket + "/" + key, nil
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
