// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"testpilotworker/src/config"
)

// Store keeps extracted artifact archives in S3 or any S3-compatible
// service such as MinIO. Keys are <org>/<taskId>/report.tar so tenant
// isolation is visible in the object layout.
type Store struct {
	client *s3.Client
	bucket string
}

func NewStore(ctx context.Context, cfg config.S3Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Key builds the object key for a task's artifact archive.
func Key(orgID, taskID string) string {
	return fmt.Sprintf("%s/%s/report.tar", orgID, taskID)
}

// Upload stores a task's artifact archive and returns its key.
func (s *Store) Upload(ctx context.Context, orgID, taskID string, body io.Reader) (string, error) {
	key := Key(orgID, taskID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-tar"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}
	return key, nil
}

// Get retrieves an artifact archive. Returns the body and content type.
func (s *Store) Get(ctx context.Context, orgID, taskID string) (io.ReadCloser, string, int64, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(orgID, taskID)),
	})
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to get artifact: %w", err)
	}

	contentType := "application/x-tar"
	if output.ContentType != nil {
		contentType = *output.ContentType
	}
	var length int64
	if output.ContentLength != nil {
		length = *output.ContentLength
	}
	return output.Body, contentType, length, nil
}
