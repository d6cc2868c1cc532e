package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

// ObjectStore writes accepted reference photos. Put must refuse to overwrite
// an existing key; overwriting would silently replace a photo that already
// passed moderation.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3API is the slice of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ObjectStore stores photos under owner/timestamp/pose keys and returns the
// object's public URL. No-overwrite is enforced with a conditional write
// rather than a read-then-write race.
type S3ObjectStore struct {
	api    S3API
	bucket string
	region string
}

func NewS3ObjectStore(api S3API, bucket, region string) *S3ObjectStore {
	return &S3ObjectStore{api: api, bucket: bucket, region: region}
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return "", fmt.Errorf("object %q already exists: %w", key, sentinel.ErrConflict)
		}
		return "", fmt.Errorf("put object %q: %w", key, err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// PoseKey builds the storage key for one pose upload. The timestamp orders a
// subject's objects; the random segment keeps an immediate retry from landing
// on an orphan left behind by an earlier attempt in the same second.
func PoseKey(subjectID string, pose domain.Pose, at time.Time) string {
	return fmt.Sprintf("%s/%d_%s_%s.jpg", subjectID, at.Unix(), pose, uuid.NewString())
}
