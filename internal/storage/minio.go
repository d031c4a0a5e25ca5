package storage

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"studiocrm/internal/config"
)

// presignTTL is the longest expiry S3 accepts for a presigned link.
const presignTTL = 7 * 24 * time.Hour

// Minio stores blobs in an S3-compatible bucket.
type Minio struct {
	Client    *minio.Client
	Bucket    string
	PublicURL string
	Logger    *zap.Logger
}

func NewMinio(cfg config.StorageConfig, logger *zap.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create minio client", goerr.V("endpoint", cfg.Endpoint))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Minio{
		Client:    client,
		Bucket:    cfg.Bucket,
		PublicURL: strings.TrimRight(cfg.PublicURL, "/"),
		Logger:    logger,
	}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (m *Minio) EnsureBucket(ctx context.Context, region string) error {
	ok, err := m.Client.BucketExists(ctx, m.Bucket)
	if err != nil {
		return goerr.Wrap(err, "check bucket", goerr.V("bucket", m.Bucket))
	}
	if ok {
		return nil
	}
	if err := m.Client.MakeBucket(ctx, m.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return goerr.Wrap(err, "create bucket", goerr.V("bucket", m.Bucket))
	}
	m.Logger.Info("bucket created", zap.String("bucket", m.Bucket))
	return nil
}

func (m *Minio) Upload(ctx context.Context, localPath, remoteFolder, logicalName string) (Object, error) {
	if logicalName == "" {
		logicalName = filepath.Base(localPath)
	}
	key, err := remoteKey(remoteFolder, logicalName)
	if err != nil {
		return Object{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := m.Client.FPutObject(ctx, m.Bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, goerr.Wrap(err, "upload object", goerr.V("bucket", m.Bucket), goerr.V("key", key))
	}
	m.Logger.Debug("object uploaded", zap.String("key", key), zap.Int64("size", info.Size))
	return Object{RemotePath: key, FileName: filepath.Base(key)}, nil
}

func (m *Minio) Delete(ctx context.Context, remotePath string) (bool, error) {
	ok, err := m.Exists(ctx, remotePath)
	if err != nil || !ok {
		return false, err
	}
	key, _ := cleanKey(remotePath)
	if err := m.Client.RemoveObject(ctx, m.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, goerr.Wrap(err, "remove object", goerr.V("bucket", m.Bucket), goerr.V("key", key))
	}
	return true, nil
}

func (m *Minio) Exists(ctx context.Context, remotePath string) (bool, error) {
	key, err := cleanKey(remotePath)
	if err != nil {
		return false, err
	}
	_, err = m.Client.StatObject(ctx, m.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, goerr.Wrap(err, "stat object", goerr.V("bucket", m.Bucket), goerr.V("key", key))
}

// Publish returns PublicURL/key when the bucket is public, a presigned link otherwise.
func (m *Minio) Publish(ctx context.Context, remotePath string) (string, error) {
	key, err := cleanKey(remotePath)
	if err != nil {
		return "", err
	}
	if m.PublicURL != "" {
		return m.PublicURL + "/" + key, nil
	}
	u, err := m.Client.PresignedGetObject(ctx, m.Bucket, key, presignTTL, nil)
	if err != nil {
		return "", goerr.Wrap(err, "presign object", goerr.V("bucket", m.Bucket), goerr.V("key", key))
	}
	return u.String(), nil
}
