package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AvatarUpload is a short-lived direct-upload grant for a profile image.
// The client PUTs the bytes to UploadURL and then stores ObjectURL as its accountImage.
type AvatarUpload struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	ObjectURL string    `json:"objectUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AvatarStore hands out upload URLs and cleans up a user's objects.
type AvatarStore interface {
	PresignAvatarUpload(ctx context.Context, userID, contentType string) (AvatarUpload, error)
	DeleteUserObjects(ctx context.Context, userID string) (int, error)
}

var allowedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ErrUnsupportedContentType is returned for non-image uploads.
var ErrUnsupportedContentType = errors.New("unsupported image content type")

// MinioConfig configures a MinIO/S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicBaseURL is the prefix clients read objects from (CDN or public bucket).
	// Defaults to the endpoint URL plus bucket.
	PublicBaseURL string
	UploadExpiry  time.Duration
	// EnsureBucket creates the bucket at startup when missing.
	EnsureBucket bool
}

// MinioStore implements AvatarStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
	expiry     time.Duration
	newID      func() string
}

// NewMinioStore builds the client. With Region set, presigning needs no round trip.
func NewMinioStore(cfg MinioConfig, newID func() string) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	if newID == nil {
		return nil, errors.New("minio store requires an id generator")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	if cfg.EnsureBucket {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("create bucket: %w", err)
			}
		}
	}
	publicBase := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBase = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	expiry := cfg.UploadExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, publicBase: publicBase, expiry: expiry, newID: newID}, nil
}

// PresignAvatarUpload returns a presigned PUT for avatars/<userID>/<random><ext>.
func (m *MinioStore) PresignAvatarUpload(ctx context.Context, userID, contentType string) (AvatarUpload, error) {
	ext, ok := allowedImageTypes[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return AvatarUpload{}, ErrUnsupportedContentType
	}
	key := path.Join(userPrefix(userID), m.newID()+ext)
	signed, err := m.client.PresignedPutObject(ctx, m.bucket, key, m.expiry)
	if err != nil {
		return AvatarUpload{}, fmt.Errorf("presign put: %w", err)
	}
	objectURL, err := url.JoinPath(m.publicBase, key)
	if err != nil {
		return AvatarUpload{}, fmt.Errorf("object url: %w", err)
	}
	return AvatarUpload{
		Key:       key,
		UploadURL: signed.String(),
		ObjectURL: objectURL,
		ExpiresAt: time.Now().UTC().Add(m.expiry),
	}, nil
}

// DeleteUserObjects removes everything under the user's avatar prefix.
func (m *MinioStore) DeleteUserObjects(ctx context.Context, userID string) (int, error) {
	removed := 0
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: userPrefix(userID) + "/", Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("delete object: %w", err)
		}
		removed++
	}
	return removed, nil
}

func userPrefix(userID string) string {
	return path.Join("avatars", userID)
}
