// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	gocontext "context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3API is the subset of the *s3.Client methods used by S3Storage.
type S3API interface {
	PutObject(ctx gocontext.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx gocontext.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx gocontext.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Config configures an S3Storage.
type S3Config struct {
	Bucket string `yaml:"bucket"`

	// Prefix prepended to all object keys, e.g. "runs/<run_id>/".
	Prefix string `yaml:"prefix,omitempty"`

	// Region defaults to "us-east-1".
	Region string `yaml:"region,omitempty"`

	// Endpoint for S3-compatible services (MinIO, etc.).
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`

	// AccessKeyID and SecretAccessKey are optional static credentials. If not set the default AWS
	// credential chain is used (environment, shared config, instance roles).
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// S3Storage stores checkpoint files as objects of an S3 bucket, under a prefix.
type S3Storage struct {
	client         S3API
	bucket, prefix string
}

var _ Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3 client from the configuration and returns a Storage using it.
func NewS3Storage(ctx gocontext.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("checkpoints: S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoints: failed to load AWS config")
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient returns a Storage using the given client.
func NewS3StorageWithClient(client S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Storage) String() string { return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix) }

func (s *S3Storage) key(name string) *string { return aws.String(s.prefix + name) }

// Put implements Storage.
func (s *S3Storage) Put(ctx gocontext.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "%s: failed to put %q", s, name)
	}
	return nil
}

// Get implements Storage.
func (s *S3Storage) Get(ctx gocontext.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to get %q", s, name)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read %q", s, name)
	}
	return data, nil
}

// Delete implements Storage.
func (s *S3Storage) Delete(ctx gocontext.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return errors.Wrapf(err, "%s: failed to delete %q", s, name)
	}
	return nil
}

// List implements Storage. Objects in "sub-directories" of the prefix are not listed.
func (s *S3Storage) List(ctx gocontext.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: failed to list objects", s)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
