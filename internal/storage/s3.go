package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3 or S3-compatible bucket.
type S3Options struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint, for MinIO or LocalStack.
	Endpoint string

	// UsePathStyle is required by most S3-compatible servers.
	UsePathStyle bool

	Multipart  MultipartConfig
	MaxRetries int
}

// S3Storage stores snapshot archives in a bucket.
type S3Storage struct {
	client *s3.Client
	opts   S3Options
}

// NewS3Storage loads AWS credentials from the environment and creates a
// client for opts.Bucket.
func NewS3Storage(ctx context.Context, opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3StorageWithClient(client, opts), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client *s3.Client, opts S3Options) *S3Storage {
	if opts.Multipart.PartSize <= 0 {
		opts.Multipart = DefaultMultipartConfig()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &S3Storage{client: client, opts: opts}
}

// Upload puts the file with a single request, or as a multipart upload when
// it is larger than one part.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	var etag string
	err = s.retry(ctx, func() error {
		if stat.Size() > s.opts.Multipart.PartSize {
			var uploadErr error
			etag, uploadErr = s.multipartUpload(ctx, file, stat.Size(), objectPath)
			return uploadErr
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return etag, nil
}

func (s *S3Storage) multipartUpload(ctx context.Context, file *os.File, size int64, objectPath string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	partSize := s.opts.Multipart.PartSize
	var parts []s3types.CompletedPart
	for n, offset := int32(1), int64(0); offset < size; n, offset = n+1, offset+partSize {
		length := min(partSize, size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.opts.Bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(file, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			s.abort(ctx, objectPath, uploadID)
			return "", err
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.opts.Bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(ctx, objectPath, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

func (s *S3Storage) abort(ctx context.Context, objectPath string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.opts.Bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
}

// Download streams an object to localPath.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var out *s3.GetObjectOutput
	err := s.retry(ctx, func() error {
		var err error
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists issues a HEAD request for the object.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	err := s.retry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List pages through ListObjectsV2.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	sort.Strings(objects)
	return objects, nil
}

// retry runs op with exponential backoff. Missing objects are reported as
// ErrObjectNotFound and are not retried.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		if attempt == s.opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
