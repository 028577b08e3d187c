package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"go.uber.org/zap"
)

// Mirror copies a finished artifact somewhere outside the local store.
type Mirror interface {
	Put(ctx context.Context, jobID, localPath string) (string, error)
}

// NopMirror keeps artifacts local only.
type NopMirror struct{}

// Put implements Mirror.
func (NopMirror) Put(_ context.Context, _, localPath string) (string, error) { return localPath, nil }

// S3Config selects the mirror bucket.
type S3Config struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Region   string `yaml:"region" env:"REGION"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// S3Mirror uploads artifacts with the s3manager multipart uploader.
type S3Mirror struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Mirror builds a mirror from an AWS session using the default
// credential chain.
func NewS3Mirror(cfg S3Config, logger *zap.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 mirror needs a bucket")
	}
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: aws session: %w", err)
	}
	return NewS3MirrorWithUploader(s3manager.NewUploader(sess), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3MirrorWithUploader wraps an existing uploader.
func NewS3MirrorWithUploader(u s3manageriface.UploaderAPI, bucket, prefix string, logger *zap.Logger) *S3Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Mirror{
		uploader: u,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger.With(zap.String("component", "s3mirror")),
	}
}

// Key returns the object key of an artifact.
func (m *S3Mirror) Key(jobID, localPath string) string {
	return path.Join(m.prefix, jobID, filepath.Base(localPath))
}

var contentTypes = map[string]string{
	".zip": "application/zip",
	".stl": "model/stl",
	".3mf": "model/3mf",
	".pgm": "image/x-portable-graymap",
}

func contentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

// Put uploads localPath and returns its s3:// URL.
func (m *S3Mirror) Put(ctx context.Context, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	defer f.Close()

	key := m.Key(jobID, localPath)
	in := &s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := contentType(localPath); ct != "" {
		in.ContentType = aws.String(ct)
	}
	out, err := m.uploader.UploadWithContext(ctx, in)
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	m.logger.Debug("mirrored", zap.String("job_id", jobID), zap.String("key", key), zap.String("location", out.Location))
	return "s3://" + m.bucket + "/" + key, nil
}
