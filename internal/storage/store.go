package storage

import (
	"context"
	"path"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"studiocrm/internal/config"
)

// Object is a stored blob.
type Object struct {
	RemotePath string `json:"remote_path"`
	FileName   string `json:"file_name"`
	PublicLink string `json:"public_link,omitempty"`
}

// Store keeps stage files outside the database.
type Store interface {
	Upload(ctx context.Context, localPath, remoteFolder, logicalName string) (Object, error)
	// Delete reports false when nothing was stored at remotePath.
	Delete(ctx context.Context, remotePath string) (bool, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
	Publish(ctx context.Context, remotePath string) (string, error)
}

// New builds the backend named by cfg.
func New(cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", config.StorageLocal:
		return NewLocal(cfg.Root, cfg.PublicURL, logger)
	case config.StorageMinio:
		return NewMinio(cfg, logger)
	}
	return nil, goerr.New("unknown storage backend", goerr.V("backend", cfg.Backend))
}

// remoteKey joins a folder and a file name into a slash-separated key. The
// name is reduced to its base so callers cannot escape the folder.
func remoteKey(folder, name string) (string, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", goerr.New("invalid file name", goerr.V("name", name))
	}
	folder = strings.Trim(path.Clean("/"+strings.ReplaceAll(folder, "\\", "/")), "/")
	if folder == "" {
		return name, nil
	}
	return folder + "/" + name, nil
}

func cleanKey(remotePath string) (string, error) {
	key := strings.Trim(path.Clean("/"+remotePath), "/")
	if key == "" {
		return "", goerr.New("empty remote path")
	}
	return key, nil
}
