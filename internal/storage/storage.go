// Package storage keeps uploaded order files and correction files.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/config"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = eris.New("storage: not found")

// Store reads and writes file objects by key. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ReadAll reads the object under key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: read %s", key)
	}
	return data, nil
}

// Key builds the object key of a file belonging to an order.
func Key(tenantID, orderID, kind, filename string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join(tenantID, orderID, kind, name)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", eris.Errorf("storage: invalid key %q", key)
	}
	return k, nil
}

// New returns the Store selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Prefix:       cfg.S3.Prefix,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	case "ftp":
		return NewFTP(FTPOptions{
			URL:     cfg.FTP.URL,
			Timeout: time.Duration(cfg.FTP.TimeoutSecs) * time.Second,
		})
	}
	return nil, eris.Errorf("storage: unknown backend %q", cfg.Backend)
}
