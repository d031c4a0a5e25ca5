package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
)

// Local stores blobs under a directory. Published links are PublicURL plus the key.
type Local struct {
	Root      string
	PublicURL string
	Logger    *zap.Logger
}

func NewLocal(root, publicURL string, logger *zap.Logger) (*Local, error) {
	if root == "" {
		return nil, goerr.New("local storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create storage root", goerr.V("root", root))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{Root: root, PublicURL: strings.TrimRight(publicURL, "/"), Logger: logger}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

func (l *Local) Upload(ctx context.Context, localPath, remoteFolder, logicalName string) (Object, error) {
	if logicalName == "" {
		logicalName = filepath.Base(localPath)
	}
	key, err := remoteKey(remoteFolder, logicalName)
	if err != nil {
		return Object{}, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return Object{}, goerr.Wrap(err, "open upload source", goerr.V("path", localPath))
	}
	defer src.Close()

	dst := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, goerr.Wrap(err, "create folder", goerr.V("key", key))
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return Object{}, goerr.Wrap(err, "create blob", goerr.V("key", key))
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return Object{}, goerr.Wrap(err, "copy blob", goerr.V("key", key))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return Object{}, goerr.Wrap(err, "close blob", goerr.V("key", key))
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Object{}, goerr.Wrap(err, "store blob", goerr.V("key", key))
	}
	l.Logger.Debug("blob stored", zap.String("key", key))
	return Object{RemotePath: key, FileName: filepath.Base(key)}, nil
}

func (l *Local) Delete(ctx context.Context, remotePath string) (bool, error) {
	key, err := cleanKey(remotePath)
	if err != nil {
		return false, err
	}
	err = os.Remove(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "delete blob", goerr.V("key", key))
	}
	return true, nil
}

func (l *Local) Exists(ctx context.Context, remotePath string) (bool, error) {
	key, err := cleanKey(remotePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "stat blob", goerr.V("key", key))
	}
	return true, nil
}

// Publish returns a link under PublicURL, or a file:// URL when none is configured.
func (l *Local) Publish(ctx context.Context, remotePath string) (string, error) {
	ok, err := l.Exists(ctx, remotePath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", goerr.New("blob not found", goerr.V("remote_path", remotePath))
	}
	key, _ := cleanKey(remotePath)
	if l.PublicURL != "" {
		return l.PublicURL + "/" + key, nil
	}
	abs, err := filepath.Abs(l.path(key))
	if err != nil {
		return "", goerr.Wrap(err, "resolve blob path", goerr.V("key", key))
	}
	return "file://" + filepath.ToSlash(abs), nil
}
