package proofchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Archiver exports chain segments to long-term storage. Archives are
// write-once; re-archiving the same segment overwrites with identical
// content.
type Archiver interface {
	Archive(ctx context.Context, tenantID, entityID string, events []*contracts.ProofEvent) (location string, err error)
}

// encodeSegment renders events as JSON lines, oldest first.
func encodeSegment(events []*contracts.ProofEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// segmentKey names a segment by its chain head so each export is
// self-identifying: tenant/entity/<head hash>.jsonl.
func segmentKey(prefix, tenantID, entityID string, events []*contracts.ProofEvent) string {
	head := "empty"
	if len(events) > 0 {
		head = events[len(events)-1].Hash
	}
	return fmt.Sprintf("%s%s/%s/%s.jsonl", prefix, tenantID, entityID, head)
}

// S3Archiver exports chain segments to an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures an S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO or LocalStack
	Prefix   string
}

// NewS3Archiver creates an archiver using the default AWS credential
// chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, tenantID, entityID string, events []*contracts.ProofEvent) (string, error) {
	data, err := encodeSegment(events)
	if err != nil {
		return "", err
	}
	key := segmentKey(a.prefix, tenantID, entityID, events)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

// GCSArchiver exports chain segments to a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver creates an archiver using application default
// credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, tenantID, entityID string, events []*contracts.ProofEvent) (string, error) {
	data, err := encodeSegment(events)
	if err != nil {
		return "", err
	}
	key := segmentKey(a.prefix, tenantID, entityID, events)

	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", key, err)
	}
	return "gs://" + a.bucket + "/" + key, nil
}

// Close releases the GCS client.
func (a *GCSArchiver) Close() error { return a.client.Close() }
