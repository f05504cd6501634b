package util

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

func SanitizeFilename(filename string) string {
	s := unsafeFilenameRe.ReplaceAllString(filename, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// EnsureDirs creates every directory in dirs.
func EnsureDirs(dirs map[string]string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldFiles removes entries of dir older than retention and returns how many went.
func CleanupOldFiles(dir string, retention time.Duration, logger hclog.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	cleaned := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > retention {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
				logger.Info("cleaned up old temp file", "name", e.Name())
				cleaned++
			}
		}
	}
	return cleaned
}

// RemoveQuietly deletes paths and logs failures other than not-exist.
func RemoveQuietly(logger hclog.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove temp file", "path", p, "error", err)
		}
	}
}
