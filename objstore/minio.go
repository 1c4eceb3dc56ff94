// Package objstore stores cardholder avatar images in an S3-compatible
// object store.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound indicates no avatar has been uploaded for the card.
var ErrNotFound = errors.New("avatar not found")

const (
	defaultBucket = "card-avatars"
	defaultURLTTL = 15 * time.Minute

	metaCardID     = "Card_id"
	metaUploadedAt = "Uploaded_At"
)

// AvatarStore holds cardholder avatars in a single bucket, one object per
// card keyed by the normalized card id.
type AvatarStore struct {
	mc     *minio.Client
	bucket string
	urlTTL time.Duration
	logger *slog.Logger
}

// AvatarOption configures an AvatarStore.
type AvatarOption func(*AvatarStore)

// WithBucket overrides the bucket name.
func WithBucket(bucket string) AvatarOption {
	return func(s *AvatarStore) {
		s.bucket = bucket
	}
}

// WithURLTTL sets the lifetime of presigned download URLs.
func WithURLTTL(ttl time.Duration) AvatarOption {
	return func(s *AvatarStore) {
		s.urlTTL = ttl
	}
}

// WithLogger sets the structured logger. Defaults to a JSON logger on
// stderr.
func WithLogger(logger *slog.Logger) AvatarOption {
	return func(s *AvatarStore) {
		s.logger = logger
	}
}

// NewAvatarStore connects to the object store and ensures the avatar
// bucket exists.
func NewAvatarStore(ctx context.Context, endpoint, accessKey, secretKey string, useSSL bool, opts ...AvatarOption) (*AvatarStore, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	s := &AvatarStore{
		mc:     mc,
		bucket: defaultBucket,
		urlTTL: defaultURLTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "objstore")

	exists, err := mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", s.bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", s.bucket, err)
		}
		s.logger.Info("created avatar bucket", "bucket", s.bucket)
	}
	return s, nil
}

// Upload stores the avatar for cardID, replacing any previous one.
func (s *AvatarStore) Upload(ctx context.Context, cardID, contentType string, data []byte) error {
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			metaCardID:     cardID,
			metaUploadedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	_, err := s.mc.PutObject(ctx, s.bucket, objectKey(cardID), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("uploading avatar for card %s: %w", cardID, err)
	}
	s.logger.Info("avatar uploaded", "card_id", cardID, "size", len(data))
	return nil
}

// PresignedURL returns a time-limited download URL for the card's avatar.
func (s *AvatarStore) PresignedURL(ctx context.Context, cardID string) (string, error) {
	key := objectKey(cardID)
	if _, err := s.mc.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("checking avatar for card %s: %w", cardID, err)
	}
	u, err := s.mc.PresignedGetObject(ctx, s.bucket, key, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presigning avatar URL for card %s: %w", cardID, err)
	}
	return u.String(), nil
}

// Delete removes the card's avatar. Deleting an absent avatar is not an
// error.
func (s *AvatarStore) Delete(ctx context.Context, cardID string) error {
	if err := s.mc.RemoveObject(ctx, s.bucket, objectKey(cardID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting avatar for card %s: %w", cardID, err)
	}
	return nil
}

func objectKey(cardID string) string {
	return cardID + "/avatar"
}
