package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
)

// ErrRestoreNeeded is returned when the archived object has transitioned to
// deep archive; the caller must Restore and retry later.
var ErrRestoreNeeded = errors.New("archive object needs restore from deep archive")

// ObjectStore is the cold-tier contract. The S3 implementation is the real
// one; tests use an in-memory store.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Restore(ctx context.Context, key string) error
}

// S3Store writes archive objects with server-side encryption as the second
// layer on top of the DEK ciphertext.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/gzip"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to put archive object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var invalidState *types.InvalidObjectState
		if errors.As(err, &invalidState) {
			return nil, ErrRestoreNeeded
		}
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive object %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object %s: %w", key, err)
	}
	return body, nil
}

// Restore initiates an async restore from deep archive. The object becomes
// readable again after the storage class finishes the retrieval.
func (s *S3Store) Restore(ctx context.Context, key string) error {
	_, err := s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(7),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.TierStandard,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to restore archive object %s: %w", key, err)
	}
	return nil
}

// ArchivePayload is the serialized session as stored in the cold tier,
// before encryption and compression.
type ArchivePayload struct {
	SessionID    uuid.UUID `json:"session_id"`
	UserID       uuid.UUID `json:"user_id"`
	ArchivedAt   time.Time `json:"archived_at"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages"`
}

// ArchiveKey builds the dated object key for a session.
func ArchiveKey(userID, sessionID uuid.UUID, archivedAt time.Time) string {
	return fmt.Sprintf("chat-archive/%s/%04d/%02d/session-%s.enc.gz",
		userID, archivedAt.Year(), archivedAt.Month(), sessionID)
}

// packArchive serializes, encrypts with the tenant DEK, then compresses.
// The order matters: ciphertext comes out of the object store still sealed
// even if the gzip layer is stripped.
func packArchive(dek []byte, payload ArchivePayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive payload: %w", err)
	}

	sealed, err := crypto.EncryptWithDEK(dek, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt archive payload: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(sealed)); err != nil {
		return nil, fmt.Errorf("failed to compress archive payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive compression: %w", err)
	}
	return buf.Bytes(), nil
}

// unpackArchive reverses packArchive.
func unpackArchive(dek []byte, body []byte) (*ArchivePayload, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive payload: %w", err)
	}
	sealed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive payload: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive reader: %w", err)
	}

	raw, err := crypto.DecryptWithDEK(dek, string(sealed))
	if err != nil {
		return nil, err
	}

	var payload ArchivePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive payload: %w", err)
	}
	return &payload, nil
}
