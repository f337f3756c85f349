package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MaxPhotoBytes caps a single decoded photo
const MaxPhotoBytes = 15 << 20

// PhotoStore keeps photo evidence and hands back references to it
type PhotoStore interface {
	Store(ctx context.Context, confirmationID uuid.UUID, position int, photo models.PhotoCapture) (models.Photo, error)
	Open(ctx context.Context, objectKey string) ([]byte, error)
}

// MinioPhotoStore stores photos in an S3 compatible bucket
type MinioPhotoStore struct {
	client *minio.Client
	bucket string
}

// NewMinioPhotoStore connects to MinIO and creates the bucket if needed
func NewMinioPhotoStore(ctx context.Context, cfg config.MinioConfig) (*MinioPhotoStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MinIO client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check photo bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "failed to create photo bucket")
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("Created photo bucket")
	}

	return &MinioPhotoStore{client: client, bucket: cfg.Bucket}, nil
}

// Store implements PhotoStore
func (s *MinioPhotoStore) Store(ctx context.Context, confirmationID uuid.UUID, position int, photo models.PhotoCapture) (models.Photo, error) {
	data, err := DecodePhoto(photo.Data)
	if err != nil {
		return models.Photo{}, err
	}

	ref := NewPhotoRef(confirmationID, position, photo, data)
	_, err = s.client.PutObject(ctx, s.bucket, ref.ObjectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: photo.ContentType,
		UserMetadata: map[string]string{
			"confirmation-id": confirmationID.String(),
			"checksum":        ref.Checksum,
		},
	})
	if err != nil {
		return models.Photo{}, errors.Wrapf(err, "failed to upload photo %s", ref.ObjectKey)
	}
	return ref, nil
}

// Open implements PhotoStore
func (s *MinioPhotoStore) Open(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open photo %s", objectKey)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxPhotoBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read photo %s", objectKey)
	}
	return data, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewPhotoRef builds the stored reference of a decoded photo
func NewPhotoRef(confirmationID uuid.UUID, position int, photo models.PhotoCapture, data []byte) models.Photo {
	sum := sha256.Sum256(data)
	name := unsafeChars.ReplaceAllString(path.Base(photo.Filename), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "photo"
	}

	return models.Photo{
		ID:             uuid.New(),
		ConfirmationID: confirmationID,
		Position:       position,
		ObjectKey:      fmt.Sprintf("deliveries/%s/%02d-%s", confirmationID, position, name),
		Filename:       photo.Filename,
		ContentType:    photo.ContentType,
		SizeBytes:      int64(len(data)),
		Checksum:       hex.EncodeToString(sum[:]),
	}
}

// DecodePhoto decodes a base64 photo, with or without a data-URL header
func DecodePhoto(raw string) ([]byte, error) {
	data := strings.TrimSpace(raw)
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, errors.New("malformed photo data URL")
		}
		data = data[idx+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Wrap(err, "photo is not base64")
	}
	if len(decoded) == 0 {
		return nil, errors.New("photo is empty")
	}
	if len(decoded) > MaxPhotoBytes {
		return nil, errors.Errorf("photo exceeds %d bytes", MaxPhotoBytes)
	}
	return decoded, nil
}
