package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stack-back/internal/config"
	"stack-back/internal/logger"

	"go.uber.org/zap"
)

const (
	LocalWriterType  = "local"
	DefaultLocalPath = "/reports"

	// minFreePercent keeps report writes from filling the last bit of a
	// shared volume.
	minFreePercent = 5.0
)

// LocalWriter stores reports below an absolute base directory.
type LocalWriter struct {
	basePath string
}

func init() {
	RegisterWriterFactory(LocalWriterType, NewLocalWriter)
}

func NewLocalWriter(cfg config.ReportConfig) (ReportWriter, error) {
	basePath := cfg.LocalPath
	if basePath == "" {
		basePath = DefaultLocalPath
	}
	basePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute path for %s: %w", cfg.LocalPath, err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local report path %s: %w", basePath, err)
	}
	logger.Log.Debug("LocalWriter initialized", zap.String("basePath", basePath))
	return &LocalWriter{basePath: basePath}, nil
}

func (lw *LocalWriter) Type() string {
	return LocalWriterType
}

// resolve maps a slash separated key to a file below basePath, refusing
// anything that escapes it.
func (lw *LocalWriter) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(key, "\\", "/")))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("malformed object name: %s", key)
	}
	absBase := lw.basePath
	absFile := filepath.Join(absBase, cleaned)
	if absFile != absBase && !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("object %s is outside base path %s", key, absBase)
	}
	return absFile, nil
}

func (lw *LocalWriter) checkDiskSpace() error {
	free, total, err := diskSpace(lw.basePath)
	if err != nil {
		// not fatal, some filesystems do not report usage
		logger.Log.Debug("Could not read disk usage", zap.String("path", lw.basePath), zap.Error(err))
		return nil
	}
	if total == 0 {
		return nil
	}
	if pct := float64(free) / float64(total) * 100; pct < minFreePercent {
		return fmt.Errorf("insufficient disk space at %s: %.2f%% free", lw.basePath, pct)
	}
	return nil
}

func (lw *LocalWriter) Write(ctx context.Context, objectName string, reader io.Reader) (string, int64, error) {
	filePath, err := lw.resolve(objectName)
	if err != nil {
		return "", 0, err
	}
	if err := lw.checkDiskSpace(); err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory for %s: %w", filePath, err)
	}

	// write to a temp file first so readers never see a partial report
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file for %s: %w", filePath, err)
	}
	n, copyErr := io.Copy(tmp, reader)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to move report into place: %w", err)
	}

	logger.Log.Info("Wrote local report", zap.Int64("bytesWritten", n), zap.String("path", filePath))
	return filePath, n, nil
}

func (lw *LocalWriter) ReadObject(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := lw.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filePath)
}

// ListObjects walks basePath/prefix and returns keys relative to basePath.
func (lw *LocalWriter) ListObjects(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	scanPath, err := lw.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var objects []ObjectMeta

	err = filepath.WalkDir(scanPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(lw.basePath, p)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectMeta{
			Key:          filepath.ToSlash(rel),
			LastModified: info.ModTime(),
			Size:         info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk local path %s: %w", scanPath, err)
	}
	return objects, nil
}

// DeleteObject removes a stored file. Missing files count as deleted.
func (lw *LocalWriter) DeleteObject(ctx context.Context, key string) error {
	filePath, err := lw.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete local file %s: %w", filePath, err)
	}
	logger.Log.Debug("Deleted local report", zap.String("path", filePath))
	return nil
}
