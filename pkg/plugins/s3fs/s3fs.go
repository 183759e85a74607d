package s3fs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "s3fs"
	version    = "1.0.0"
)

// Config holds the S3 evidence source configuration.
type Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// S3FS is an evidence source backed by an S3 bucket. Evidence objects
// are fetched on first use and staged through the extraction cache, so
// repeated resolutions do not re-download them.
type S3FS struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an S3 evidence source.
func New(ctx context.Context, cfg Config) (*S3FS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	log.Infof("s3 evidence source on bucket %s (prefix %q)", cfg.Bucket, prefix)
	return &S3FS{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (fs *S3FS) Name() string {
	return PluginName
}

func (fs *S3FS) Version() string {
	return version
}

func (fs *S3FS) CanHandle(sig object.Signature) bool {
	return sig.IsDir
}

func (fs *S3FS) Root(ctx context.Context) (*object.Object, error) {
	return &object.Object{
		Sig:      object.DirSignature("/"),
		Producer: fs,
		Entry:    fs.prefix,
	}, nil
}

// Stamp heads successive prefixes of the path until one names an
// object; its ETag and size form the modification signature.
func (fs *S3FS) Stamp(ctx context.Context, p object.Path) (string, error) {
	key := fs.prefix
	for _, seg := range p {
		key += seg
		head, err := fs.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(fs.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return fmt.Sprintf("%s:%d", aws.ToString(head.ETag), aws.ToInt64(head.ContentLength)), nil
		}
		if !isNotFound(err) {
			return "", err
		}
		key += "/"
	}
	return "", nil
}

func (fs *S3FS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	prefix, _ := parent.Entry.(string)
	key := prefix + segment

	out, err := fs.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		size := aws.ToInt64(out.ContentLength)
		return &object.Object{
			Sig:    object.NewSignature(segment, size, nil),
			Stream: out.Body,
			Size:   -1,
		}, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", fs.bucket, key, err)
	}

	// Not an object; check for a common prefix (directory).
	list, err := fs.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(fs.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", fs.bucket, key, err)
	}
	if len(list.Contents) == 0 {
		return nil, object.NotFoundError(parent.Path, segment)
	}

	return &object.Object{
		Sig:      object.DirSignature(segment),
		Producer: fs,
		Entry:    key + "/",
	}, nil
}

func (fs *S3FS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	prefix, _ := parent.Entry.(string)

	listing := &object.Listing{Plugin: PluginName}
	var token *string
	for {
		out, err := fs.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(fs.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", fs.bucket, prefix, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			listing.Entries = append(listing.Entries, object.ListEntry{Name: name, IsDir: true})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			size := aws.ToInt64(obj.Size)
			le := object.ListEntry{
				Name:     name,
				Size:     size,
				MimeType: object.NewSignature(name, size, nil).MimeType,
			}
			if obj.LastModified != nil {
				le.ModTime = *obj.LastModified
			}
			listing.Entries = append(listing.Entries, le)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return listing, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	// HeadObject reports missing keys as a generic 404 API error.
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
