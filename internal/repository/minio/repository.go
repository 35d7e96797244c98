package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// ErrNotFound is returned by Get for a missing object
var ErrNotFound = errors.New("payload object not found")

var _ event.PayloadStore = (*Repository)(nil)

// Config represents MinIO repository configuration
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
}

// Retention expires payload objects under Prefix once they outlive MaxAge
type Retention struct {
	ID     string
	Prefix string
	MaxAge time.Duration
}

// Repository stores offloaded event payloads in a single bucket
type Repository struct {
	client      *minio.Client
	config      *Config
	logger      *logger.Logger
	bucketReady bool
	bucketMu    sync.RWMutex
}

// NewRepository creates a new MinIO repository
func NewRepository(config *Config, log *logger.Logger) (*Repository, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Repository{
		client: minioClient,
		config: config,
		logger: log.Component("payload-store"),
	}, nil
}

// EnsureBucket creates the payload bucket if it doesn't exist
func (r *Repository) EnsureBucket(ctx context.Context) error {
	r.bucketMu.RLock()
	ready := r.bucketReady
	r.bucketMu.RUnlock()
	if ready {
		return nil
	}

	bucketName := r.config.BucketName
	exists, err := r.client.BucketExists(ctx, bucketName)
	if err != nil {
		r.logger.Error("Failed to check bucket existence",
			logger.String("bucket", bucketName),
			logger.Error(err),
		)
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		r.logger.Info("Creating bucket", logger.String("bucket", bucketName))
		if err := r.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			// another instance may have won the race
			if resp := minio.ToErrorResponse(err); resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
	}

	r.bucketMu.Lock()
	r.bucketReady = true
	r.bucketMu.Unlock()
	return nil
}

// Put uploads a payload body under key
func (r *Repository) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("refusing to store empty payload %s", key)
	}
	if err := r.EnsureBucket(ctx); err != nil {
		return err
	}

	_, err := r.client.PutObject(ctx, r.config.BucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		r.logger.Error("Failed to upload payload",
			logger.String("object", key),
			logger.Int("size", len(data)),
			logger.Error(err),
		)
		return fmt.Errorf("failed to upload object: %w", err)
	}

	r.logger.Debug("Payload offloaded",
		logger.String("object", key),
		logger.Int("size", len(data)),
	)
	return nil
}

// Get downloads the payload body stored under key
func (r *Repository) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, r.config.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, r.readError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, r.readError(key, err)
	}
	return data, nil
}

func (r *Repository) readError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("failed to download object %s: %w", key, err)
}

// Delete removes the payload stored under key
func (r *Repository) Delete(ctx context.Context, key string) error {
	if err := r.client.RemoveObject(ctx, r.config.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// SetupLifecycle installs expiration rules so payload objects do not outlive
// the stream messages referencing them
func (r *Repository) SetupLifecycle(ctx context.Context, retentions []Retention) error {
	cfg := lifecycleConfig(retentions)
	if len(cfg.Rules) == 0 {
		r.logger.Debug("No bounded retention, skipping bucket lifecycle")
		return nil
	}
	if err := r.EnsureBucket(ctx); err != nil {
		return err
	}

	if err := r.client.SetBucketLifecycle(ctx, r.config.BucketName, cfg); err != nil {
		return fmt.Errorf("failed to set bucket lifecycle: %w", err)
	}

	for _, rule := range cfg.Rules {
		r.logger.Info("Payload expiry configured",
			logger.String("rule", rule.ID),
			logger.String("prefix", rule.RuleFilter.Prefix),
			logger.Int("days", int(rule.Expiration.Days)),
		)
	}
	return nil
}

func lifecycleConfig(retentions []Retention) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	for i, ret := range retentions {
		days := expirationDays(ret.MaxAge)
		if days == 0 {
			continue
		}
		id := ret.ID
		if id == "" {
			id = fmt.Sprintf("payload-expiry-%d", i)
		}
		cfg.Rules = append(cfg.Rules, lifecycle.Rule{
			ID:         id,
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: ret.Prefix},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
		})
	}
	return cfg
}

// expirationDays rounds up to whole days so objects are never removed while
// a message may still reference them. Zero means unbounded.
func expirationDays(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	day := 24 * time.Hour
	return int((maxAge + day - 1) / day)
}

// SubjectPrefix is the object key prefix shared by every subject matching
// pattern: the literal tokens before the first wildcard.
func SubjectPrefix(pattern string) string {
	tokens := strings.Split(pattern, ".")
	var literal []string
	for _, tok := range tokens {
		if tok == "*" || tok == ">" {
			if len(literal) == 0 {
				return ""
			}
			return strings.Join(literal, ".") + "."
		}
		literal = append(literal, tok)
	}
	return pattern + "/"
}
