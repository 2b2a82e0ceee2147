// Package archive stores finished battle replays in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pvp-battle/internal/models"
)

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for R2, MinIO and other S3-compatible stores
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Putter is the subset of *s3.Client the archiver uses.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client Putter
	bucket string
	prefix string
}

// NewS3 builds a client from static credentials when given, otherwise from
// the default AWS credential chain.
func NewS3(ctx context.Context, cfg Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

func New(client Putter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a battle replay.
func (a *S3Archiver) Key(battleID string) string {
	return path.Join(a.prefix, battleID+".json")
}

// ArchiveBattle uploads the final battle record with its move log.
func (a *S3Archiver) ArchiveBattle(ctx context.Context, b *models.Battle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode replay: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(b.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload replay %s: %w", b.ID, err)
	}
	return nil
}
