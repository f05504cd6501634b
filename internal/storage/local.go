package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MediaPrefix is the URL path the server mounts Dir under.
const MediaPrefix = "/media/"

// Local persists finished audio in a directory served by the HTTP server.
type Local struct {
	Dir     string
	BaseURL string
}

func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Local{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put moves srcPath into the media directory under a fresh name keeping name's extension,
// and returns its public URL and size. srcPath no longer exists on success.
func (l *Local) Put(ctx context.Context, srcPath, name string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(srcPath))
	}
	stored := uuid.New().String() + ext
	dst := filepath.Join(l.Dir, stored)

	if err := os.Rename(srcPath, dst); err != nil {
		// Different filesystem: copy then remove.
		if err := copyFile(srcPath, dst); err != nil {
			os.Remove(dst)
			return "", 0, fmt.Errorf("store media: %w", err)
		}
		os.Remove(srcPath)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, fmt.Errorf("store media: %w", err)
	}
	return l.URL(stored), info.Size(), nil
}

func (l *Local) URL(stored string) string {
	return l.BaseURL + MediaPrefix + url.PathEscape(stored)
}

// Delete removes a file previously returned by Put. URLs outside this store are rejected.
func (l *Local) Delete(ctx context.Context, mediaURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := l.BaseURL + MediaPrefix
	if !strings.HasPrefix(mediaURL, prefix) {
		return fmt.Errorf("delete media: %s is not stored here", mediaURL)
	}
	stored, err := url.PathUnescape(strings.TrimPrefix(mediaURL, prefix))
	if err != nil || stored == "" || stored != filepath.Base(stored) {
		return fmt.Errorf("delete media: invalid name in %s", mediaURL)
	}
	if err := os.Remove(filepath.Join(l.Dir, stored)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete media: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
