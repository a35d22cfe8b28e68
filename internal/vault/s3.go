package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"rv-go/internal/rv"
)

// S3Config holds configuration for an S3 vault.
type S3Config struct {
	Bucket string

	// Prefix is prepended to every object key. A trailing "/" is added if missing.
	Prefix string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// PathStyle forces path-style addressing (required for MinIO and friends).
	PathStyle bool

	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// S3Vault stores remote volumes as objects under a key prefix in one bucket.
// Objects in the GLACIER and DEEP_ARCHIVE storage classes are listed as archived.
type S3Vault struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	endpoint string
	region   string
}

// NewS3Vault creates an S3 vault, building the client from cfg and the
// default AWS configuration sources.
func NewS3Vault(ctx context.Context, name string, cfg S3Config) (*S3Vault, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3VaultWithClient(name, s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewS3VaultWithClient creates an S3 vault using an existing client.
func NewS3VaultWithClient(name string, client *s3.Client, cfg S3Config) *S3Vault {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	region := cfg.Region
	if region == "" {
		region = client.Options().Region
	}
	return &S3Vault{
		name:     name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
		endpoint: cfg.Endpoint,
		region:   region,
	}
}

func (v *S3Vault) key(name string) string {
	return v.prefix + name
}

// List returns the objects directly under the prefix. Deeper keys are
// reported as folders.
func (v *S3Vault) List(ctx context.Context) ([]rv.FileEntry, error) {
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(v.bucket),
		Prefix:    aws.String(v.prefix),
		Delimiter: aws.String("/"),
	})

	var entries []rv.FileEntry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", mapS3Error(err, true))
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), v.prefix)
			if name == "" {
				continue
			}
			entries = append(entries, rv.FileEntry{
				Name:         name,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				IsArchived:   isArchivedClass(obj.StorageClass),
			})
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), v.prefix), "/")
			entries = append(entries, rv.FileEntry{Name: name, Size: -1, IsFolder: true})
		}
	}
	return entries, nil
}

func isArchivedClass(c types.ObjectStorageClass) bool {
	return c == types.ObjectStorageClassGlacier || c == types.ObjectStorageClassDeepArchive
}

// Get writes the object content to w.
func (v *S3Vault) Get(ctx context.Context, name string, w io.Writer) error {
	resp, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3 get object %s: %w", name, mapS3Error(err, false))
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read s3 object body: %w", err)
	}
	return nil
}

// Put streams r to the object. The uploader switches to multipart uploads
// for large volumes, so r does not need to be seekable.
func (v *S3Vault) Put(ctx context.Context, name string, r io.Reader) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", name, mapS3Error(err, true))
	}
	return nil
}

// Delete removes the object. S3 does not report missing keys on delete.
func (v *S3Vault) Delete(ctx context.Context, name string) error {
	_, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object %s: %w", name, mapS3Error(err, false))
	}
	return nil
}

// CreateFolder creates the bucket.
func (v *S3Vault) CreateFolder(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(v.bucket)}
	if v.region != "" && v.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(v.region),
		}
	}
	if _, err := v.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("s3 create bucket %s: %w", v.bucket, err)
	}
	return nil
}

// Test performs a HeadBucket call to check connectivity and permissions.
func (v *S3Vault) Test(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 head bucket %s: %w", v.bucket, mapS3Error(err, true))
	}
	return nil
}

// DNSNames returns the hosts the client talks to.
func (v *S3Vault) DNSNames(ctx context.Context) ([]string, error) {
	if v.endpoint != "" {
		u, err := url.Parse(v.endpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint %q: %w", v.endpoint, err)
		}
		return []string{u.Hostname()}, nil
	}
	region := v.region
	if region == "" {
		region = "us-east-1"
	}
	return []string{
		fmt.Sprintf("%s.s3.%s.amazonaws.com", v.bucket, region),
		fmt.Sprintf("s3.%s.amazonaws.com", region),
	}, nil
}

// mapS3Error maps not-found API errors to rv.ErrFileMissing or
// rv.ErrFolderMissing. A bare NotFound refers to the bucket when
// bucketLevel is set.
func mapS3Error(err error, bucketLevel bool) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %w", rv.ErrFolderMissing, err)
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %w", rv.ErrFileMissing, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", rv.ErrFolderMissing, err)
		case "NoSuchKey":
			return fmt.Errorf("%w: %w", rv.ErrFileMissing, err)
		case "NotFound":
			if bucketLevel {
				return fmt.Errorf("%w: %w", rv.ErrFolderMissing, err)
			}
			return fmt.Errorf("%w: %w", rv.ErrFileMissing, err)
		}
	}
	return err
}

// Compile-time check that S3Vault implements rv.Backend
var _ rv.Backend = (*S3Vault)(nil)
