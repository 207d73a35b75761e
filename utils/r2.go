// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"squares-fundraiser/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/unidecode"
)

// R2Config points the audit archive at a Cloudflare R2 (S3-compatible) bucket.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Prefix          string
}

// R2ConfigFromEnv returns the archive config, or ok=false when the archive is disabled.
func R2ConfigFromEnv() (R2Config, bool) {
	cfg := R2Config{
		AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
		Bucket:          os.Getenv("R2_BUCKET_NAME"),
		Prefix:          os.Getenv("R2_AUDIT_PREFIX"),
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	ok := cfg.AccountID != "" && cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" && cfg.Bucket != ""
	return cfg, ok
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2AuditArchive mirrors audit entries as JSON objects for compliance review.
type R2AuditArchive struct {
	client objectPutter
	bucket string
	prefix string
}

func NewR2AuditArchive(ctx context.Context, cfg R2Config) (*R2AuditArchive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &R2AuditArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// AuditObjectKey lays entries out by day and event type, e.g.
// "audit/2026/10/18/donation_completed/<id>.json".
func AuditObjectKey(prefix string, entry models.AuditEntry) string {
	day := entry.CreatedAt.UTC().Format("2006/01/02")
	eventType := strings.ReplaceAll(unidecode.Unidecode(entry.EventType), "/", "_")
	return fmt.Sprintf("%s/%s/%s/%s.json", strings.TrimRight(prefix, "/"), day, eventType, entry.ID)
}

func (a *R2AuditArchive) ArchiveAuditEntry(ctx context.Context, entry models.AuditEntry, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(AuditObjectKey(a.prefix, entry)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}
