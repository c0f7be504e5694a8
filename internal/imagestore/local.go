// Package imagestore keeps generated images on local disk and serves them
// under a public URL prefix.
package imagestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/verdure-mcp/gateway/internal/config"
)

// Local writes images as {dir}/{taskID}.png.
type Local struct {
	dir         string
	prefix      string // "/" + last element of dir
	baseURL     string
	retention   time.Duration
	autoCleanup bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewLocal creates the storage directory if needed.
func NewLocal(cfg config.ImageStorageConfig, logger *slog.Logger) (*Local, error) {
	dir := cfg.Path
	if dir == "" {
		dir = "generated-images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	return &Local{
		dir:         dir,
		prefix:      "/" + filepath.Base(filepath.Clean(dir)),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		retention:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		autoCleanup: cfg.AutoCleanup(),
		logger:      logger.With("component", "imagestore"),
		now:         time.Now,
	}, nil
}

// Prefix returns the URL path images are served under.
func (l *Local) Prefix() string { return l.prefix }

func (l *Local) file(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.Contains(taskID, "..") {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return filepath.Join(l.dir, taskID+".png"), nil
}

// Save decodes a base64 image and returns its public URL.
func (l *Local) Save(b64, taskID string) (string, error) {
	name, err := l.file(taskID)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	l.logger.Info("image saved", "task_id", taskID, "bytes", len(data))
	return l.baseURL + path.Join(l.prefix, taskID+".png"), nil
}

// Delete removes the image for taskID. It reports false if there was none.
func (l *Local) Delete(taskID string) bool {
	name, err := l.file(taskID)
	if err != nil {
		return false
	}
	if err := os.Remove(name); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("delete image failed", "task_id", taskID, "error", err)
		}
		return false
	}
	l.logger.Info("image deleted", "task_id", taskID)
	return true
}

// CleanupExpired removes images older than the retention period and returns
// how many were deleted. It does nothing when auto cleanup is disabled.
func (l *Local) CleanupExpired() int {
	if !l.autoCleanup {
		return 0
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Error("read image directory failed", "error", err)
		}
		return 0
	}

	cutoff := l.now().Add(-l.retention)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
			l.logger.Warn("remove expired image failed", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		l.logger.Info("expired images removed", "count", deleted)
	}
	return deleted
}

// Handler serves stored images. Mount it at Prefix()+"/*".
func (l *Local) Handler() http.Handler {
	fs := http.FileServer(http.Dir(l.dir))
	return http.StripPrefix(l.prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		fs.ServeHTTP(w, r)
	}))
}
