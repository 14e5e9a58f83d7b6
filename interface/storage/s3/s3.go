package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/satsync/stac-ingester/service"
	"github.com/satsync/stac-ingester/service/log"
)

// ObjectStore implements storage.ObjectStore against an S3-compatible service
type ObjectStore struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
}

// Config of the S3 connection. Endpoint is optional (default AWS resolution).
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// New creates a new S3 object store
func New(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3.New: missing bucket")
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("s3.New.LoadDefaultConfig: %w", err)
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Bucket implements storage.ObjectStore
func (os3 *ObjectStore) Bucket() string {
	return os3.bucket
}

// Exists implements storage.ObjectStore
func (os3 *ObjectStore) Exists(ctx context.Context, key string, expectedSize int64) (bool, error) {
	head, err := os3.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(os3.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, service.MakeTemporary(fmt.Errorf("Exists.HeadObject: %w", err))
	}

	if expectedSize > 0 && aws.ToInt64(head.ContentLength) != expectedSize {
		// stale partial upload: drop it and report absent so it is redone
		log.Logger(ctx).Sugar().Warnf("object %s length (%d) does not match expected length (%d), deleting",
			key, aws.ToInt64(head.ContentLength), expectedSize)
		if err := os3.Delete(ctx, key); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Upload implements storage.ObjectStore
func (os3 *ObjectStore) Upload(ctx context.Context, key, localFile string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("Upload.Open: %w", err)
	}
	defer f.Close()

	if _, err := os3.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(os3.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return service.MakeTemporary(fmt.Errorf("Upload[%s]: %w", key, err))
	}
	return nil
}

// Delete implements storage.ObjectStore
func (os3 *ObjectStore) Delete(ctx context.Context, key string) error {
	if _, err := os3.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(os3.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return service.MakeTemporary(fmt.Errorf("Delete[%s]: %w", key, err))
	}
	return nil
}

// SignedURL implements storage.ObjectStore
func (os3 *ObjectStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := os3.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(os3.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", service.MakeTemporary(fmt.Errorf("SignedURL[%s]: %w", key, err))
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
