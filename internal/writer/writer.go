package writer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/logger"

	"go.uber.org/zap"
)

const (
	// DestNone disables report storage.
	DestNone = "none"
	// ReportPrefix is the root of every stored report key.
	ReportPrefix = "reports"
)

// ObjectMeta holds metadata about a stored object.
type ObjectMeta struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ReportWriter stores run reports at a destination.
type ReportWriter interface {
	// Write stores the content of reader under objectName and returns the
	// final path or URL with the number of bytes written.
	Write(ctx context.Context, objectName string, reader io.Reader) (destination string, bytesWritten int64, err error)
	ReadObject(ctx context.Context, key string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectMeta, error)
	DeleteObject(ctx context.Context, key string) error
	Type() string
}

type NewWriterFunc func(cfg config.ReportConfig) (ReportWriter, error)

var writerFactories = make(map[string]NewWriterFunc)

// RegisterWriterFactory allows writer implementations to register themselves.
func RegisterWriterFactory(destType string, factory NewWriterFunc) {
	if factory == nil {
		logger.Log.Fatal("Writer factory is nil", zap.String("destType", destType))
	}
	if _, ok := writerFactories[destType]; ok {
		logger.Log.Fatal("Writer factory already registered", zap.String("destType", destType))
	}
	writerFactories[destType] = factory
}

// Enabled reports whether REPORT_DEST selects a writer.
func Enabled(cfg config.ReportConfig) bool {
	d := strings.ToLower(strings.TrimSpace(cfg.Dest))
	return d != "" && d != DestNone
}

// GetWriter returns the writer selected by REPORT_DEST.
func GetWriter(cfg config.ReportConfig) (ReportWriter, error) {
	destType := strings.ToLower(strings.TrimSpace(cfg.Dest))
	factory, ok := writerFactories[destType]
	if !ok {
		return nil, fmt.Errorf("no writer registered for destination type: %s", destType)
	}
	return factory(cfg)
}
