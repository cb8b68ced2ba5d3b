package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// KeyPrefix namespaces every object, so several deployments can share a
	// bucket.
	KeyPrefix string
}

// S3Store keeps JSON documents in one bucket, zstd-encoded once they are
// large enough to benefit. A custom endpoint switches to path-style
// addressing for MinIO and similar servers.
type S3Store struct {
	bucket string
	prefix string
	client *s3.Client
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrNotConfigured
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(cfg.Region),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{bucket: cfg.Bucket, prefix: cleanPrefix(cfg.KeyPrefix), client: client}, nil
}

func (s *S3Store) key(objectKey string) string {
	return joinKey(s.prefix, objectKey)
}

func (s *S3Store) StoreJSON(ctx context.Context, objectKey string, payload json.RawMessage) error {
	body, encoding, err := encodeDocument(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", objectKey, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(objectKey)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if encoding != "" {
		input.ContentEncoding = aws.String(encoding)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3Store) LoadJSON(ctx context.Context, objectKey string) (json.RawMessage, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(objectKey)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%s: %w", objectKey, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	payload, err := decodeDocument(body, aws.ToString(resp.ContentEncoding))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", objectKey, err)
	}
	return payload, nil
}

// EnsureLifecyclePolicy expires objects under each prefix after
// expirationDays. Prefixes are relative to the store's key prefix.
func (s *S3Store) EnsureLifecyclePolicy(
	ctx context.Context,
	expirationDays int,
	prefixes []string,
) error {
	rules, err := lifecycleRules(s.prefix, expirationDays, prefixes)
	if err != nil {
		return err
	}

	_, err = s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: rules,
		},
	})
	if err != nil {
		return fmt.Errorf("put bucket lifecycle configuration: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func lifecycleRules(storePrefix string, expirationDays int, prefixes []string) ([]types.LifecycleRule, error) {
	if expirationDays < 1 {
		return nil, fmt.Errorf("expirationDays must be >= 1")
	}

	abortDays := int32(min(expirationDays, 7))
	normalized := normalizeLifecyclePrefixes(storePrefix, prefixes)
	rules := make([]types.LifecycleRule, 0, len(normalized))
	for index, prefix := range normalized {
		filter := &types.LifecycleRuleFilter{}
		if prefix != "" {
			filter.Prefix = aws.String(prefix)
		}
		rules = append(rules, types.LifecycleRule{
			ID:     aws.String(fmt.Sprintf("smartlog-expire-%d", index+1)),
			Status: types.ExpirationStatusEnabled,
			Filter: filter,
			Expiration: &types.LifecycleExpiration{
				Days: aws.Int32(int32(expirationDays)),
			},
			AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
				DaysAfterInitiation: aws.Int32(abortDays),
			},
		})
	}
	return rules, nil
}

// normalizeLifecyclePrefixes resolves prefixes under the store prefix and
// drops duplicates. No prefixes means the whole store.
func normalizeLifecyclePrefixes(storePrefix string, prefixes []string) []string {
	seen := map[string]struct{}{}
	normalized := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		trimmed := strings.TrimSpace(prefix)
		if trimmed == "" {
			continue
		}
		full := joinKey(storePrefix, trimmed)
		if strings.HasSuffix(trimmed, "/") && !strings.HasSuffix(full, "/") {
			full += "/"
		}
		if _, exists := seen[full]; exists {
			continue
		}
		seen[full] = struct{}{}
		normalized = append(normalized, full)
	}

	if len(normalized) == 0 {
		whole := storePrefix
		if whole != "" {
			whole += "/"
		}
		return []string{whole}
	}
	return normalized
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinKey(prefix, objectKey string) string {
	objectKey = strings.TrimLeft(objectKey, "/")
	if prefix == "" {
		return objectKey
	}
	return path.Join(prefix, objectKey)
}
