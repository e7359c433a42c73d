package s3

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
)

const defaultCapacity = "1 PiB"

type s3Provider struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	capacity int64
}

var _ storagesystem.Provider = (*s3Provider)(nil)

// NewClient creates an s3 client from the storage system settings, falling back to the default credential chain.
func NewClient(ctx context.Context, settings *config.S3Settings) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if settings.Region != "" {
		opts = append(opts, awsconfig.WithRegion(settings.Region))
	}
	if settings.AccessKeyId.Value() != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(settings.AccessKeyId.Value(), settings.SecretAccessKey.Value(), "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = settings.UsePathStyle
		if settings.Endpoint != "" {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}
	}), nil
}

func New(client *s3.Client, bucket string, prefix string, capacity string) (storagesystem.Provider, error) {
	if capacity == "" {
		capacity = defaultCapacity
	}
	capacityBytes, err := humanize.ParseBytes(capacity)
	if err != nil {
		return nil, err
	}
	return &s3Provider{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		capacity: int64(capacityBytes),
	}, nil
}

func (p *s3Provider) key(objectPath string) (string, error) {
	objectPath, err := storagesystem.CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	if p.prefix == "" {
		return objectPath, nil
	}
	return path.Join(p.prefix, objectPath), nil
}

func isNotFound(err error) bool {
	var notFoundError *types.NotFound
	if errors.As(err, &notFoundError) {
		return true
	}
	var noSuchKeyError *types.NoSuchKey
	if errors.As(err, &noSuchKeyError) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound")
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "PreconditionFailed" || ae.ErrorCode() == "ConditionalRequestConflict")
}

func (p *s3Provider) Start(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	return err
}

func (p *s3Provider) Stop(ctx context.Context) error {
	return nil
}

func (p *s3Provider) exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *s3Provider) Put(ctx context.Context, objectPath string, reader io.Reader) error {
	key, err := p.key(objectPath)
	if err != nil {
		return err
	}
	exists, err := p.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return storagesystem.ErrObjectAlreadyExists
	}
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        reader,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && isPreconditionFailed(err) {
		return storagesystem.ErrObjectAlreadyExists
	}
	return err
}

// Move copies the object server side and removes the source afterwards.
func (p *s3Provider) Move(ctx context.Context, fromPath string, toPath string) error {
	fromKey, err := p.key(fromPath)
	if err != nil {
		return err
	}
	toKey, err := p.key(toPath)
	if err != nil {
		return err
	}
	exists, err := p.exists(ctx, toKey)
	if err != nil {
		return err
	}
	if exists {
		return storagesystem.ErrObjectAlreadyExists
	}
	_, err = p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(url.PathEscape(p.bucket + "/" + fromKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return storagesystem.ErrObjectNotFound
		}
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(fromKey),
	})
	return err
}

func (p *s3Provider) Delete(ctx context.Context, objectPath string) error {
	key, err := p.key(objectPath)
	if err != nil {
		return err
	}
	exists, err := p.exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return storagesystem.ErrObjectNotFound
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (p *s3Provider) OpenRead(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	key, err := p.key(objectPath)
	if err != nil {
		return nil, err
	}
	getObjectResult, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storagesystem.ErrObjectNotFound
		}
		return nil, err
	}
	return getObjectResult.Body, nil
}

func (p *s3Provider) usedSpace(ctx context.Context) (int64, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
	}
	if p.prefix != "" {
		input.Prefix = aws.String(p.prefix + "/")
	}
	var used int64
	paginator := s3.NewListObjectsV2Paginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		for _, object := range page.Contents {
			used += aws.ToInt64(object.Size)
		}
	}
	return used, nil
}

// UsableSpace is the configured capacity minus the bytes stored below the prefix.
func (p *s3Provider) UsableSpace(ctx context.Context) (int64, error) {
	used, err := p.usedSpace(ctx)
	if err != nil {
		return 0, err
	}
	return max(p.capacity-used, 0), nil
}

func (p *s3Provider) TotalSpace(ctx context.Context) (int64, error) {
	return p.capacity, nil
}
