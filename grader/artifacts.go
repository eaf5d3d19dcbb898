package grader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/omegaup/autotest/common"
)

type atomicFile struct {
	filename string
	f        *os.File
}

// newAtomicFile creates a temporary file that can be eventually renamed to the
// provided file.
func newAtomicFile(filename string) (*atomicFile, error) {
	dir := path.Dir(filename)
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf(".%s~", path.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	f.Chmod(0o644)
	return &atomicFile{
		filename: filename,
		f:        f,
	}, nil
}

// cleanup closes the atomic file (if it wasn't before) and removes the
// temporary file that lingered.
func (f *atomicFile) cleanup() {
	if f.f == nil {
		return
	}
	f.f.Close()
	os.Remove(f.f.Name())
}

// commit renames the atomicFile into its intended path.
func (f *atomicFile) commit() error {
	released := f.f
	defer os.Remove(released.Name())
	f.f = nil
	err := released.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	err = os.Rename(released.Name(), f.filename)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}

// An ArtifactStore keeps the archives produced by grading runs.
type ArtifactStore interface {
	// Put stores the contents of localPath under key and returns a URL where
	// the artifact can be retrieved from.
	Put(ctx context.Context, key string, localPath string) (string, error)
}

// NewArtifactStore returns the ArtifactStore selected by the configuration.
// The local store keeps artifacts under localRoot.
func NewArtifactStore(config *common.ArtifactsConfig, localRoot string) (ArtifactStore, error) {
	switch config.Backend {
	case "", "local":
		return &LocalArtifactStore{Root: localRoot}, nil
	case "s3":
		awsConfig := aws.NewConfig().WithRegion(config.Region)
		if config.Endpoint != "" {
			awsConfig = awsConfig.WithEndpoint(config.Endpoint).WithS3ForcePathStyle(true)
		}
		if config.AccessKeyID != "" {
			awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
				config.AccessKeyID,
				config.SecretAccessKey,
				"",
			))
		}
		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, fmt.Errorf("aws session: %w", err)
		}
		return &S3ArtifactStore{
			s3c:       s3.New(sess),
			bucket:    config.Bucket,
			prefix:    config.Prefix,
			cacheRoot: localRoot,
		}, nil
	case "minio":
		client, err := minio.New(config.Endpoint, &minio.Options{
			Creds:  miniocredentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
			Secure: config.UseSSL,
			Region: config.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return &MinIOArtifactStore{
			client: client,
			bucket: config.Bucket,
			prefix: config.Prefix,
			region: config.Region,
		}, nil
	}
	return nil, fmt.Errorf("unknown artifacts backend %q", config.Backend)
}

// LocalArtifactStore copies the artifacts into a directory on the local
// filesystem.
type LocalArtifactStore struct {
	Root string
}

var _ ArtifactStore = &LocalArtifactStore{}

// Put copies localPath into the store.
func (s *LocalArtifactStore) Put(ctx context.Context, key string, localPath string) (string, error) {
	dest := path.Join(s.Root, path.Clean("/"+key))
	if dest == localPath {
		return (&url.URL{Scheme: "file", Path: dest}).String(), nil
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	if err := putArtifact(ctx, nil, "", "", dest, src); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return (&url.URL{Scheme: "file", Path: dest}).String(), nil
}

// S3ArtifactStore uploads the artifacts to S3, keeping a local copy.
type S3ArtifactStore struct {
	s3c       *s3.S3
	bucket    string
	prefix    string
	cacheRoot string
}

var _ ArtifactStore = &S3ArtifactStore{}

// Put uploads localPath to the bucket.
func (s *S3ArtifactStore) Put(ctx context.Context, key string, localPath string) (string, error) {
	bucketKey := path.Join(s.prefix, key)
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	err = putArtifact(
		ctx,
		s.s3c,
		s.bucket,
		bucketKey,
		path.Join(s.cacheRoot, path.Clean("/"+key)),
		src,
	)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, bucketKey), nil
}

func putArtifact(
	ctx context.Context,
	s3c *s3.S3,
	bucketName string,
	bucketKey string,
	localPath string,
	r io.Reader,
) error {
	f, err := newAtomicFile(localPath)
	if err != nil {
		return fmt.Errorf("new: %w", err)
	}
	defer f.cleanup()
	n, err := io.Copy(f.f, r)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	_, err = f.f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	if s3c != nil {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(bucketName),
			Key:           aws.String(bucketKey),
			Body:          f.f,
			ContentLength: aws.Int64(n),
		}
		_, err = s3c.PutObjectWithContext(aws.Context(ctx), input)
		if err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", *input.Bucket, *input.Key, err)
		}
	}

	err = f.commit()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// MinIOArtifactStore uploads the artifacts to a MinIO (or any S3-compatible)
// server.
type MinIOArtifactStore struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

var _ ArtifactStore = &MinIOArtifactStore{}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinIOArtifactStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

// Put uploads localPath to the bucket.
func (s *MinIOArtifactStore) Put(ctx context.Context, key string, localPath string) (string, error) {
	objectKey := path.Join(s.prefix, key)
	_, err := s.client.FPutObject(
		ctx,
		s.bucket,
		objectKey,
		localPath,
		minio.PutObjectOptions{ContentType: artifactContentType(localPath)},
	)
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", s.bucket, objectKey, err)
	}
	endpoint := *s.client.EndpointURL()
	endpoint.Path = "/" + path.Join(s.bucket, objectKey)
	return endpoint.String(), nil
}

func artifactContentType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	return "application/octet-stream"
}
