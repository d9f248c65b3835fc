// Package blob stores result envelopes in S3 under deterministic per-run
// keys. The actual cost and result hash ride along as object metadata so
// the reconciler can tell "upload succeeded, commit lost" apart from "never
// uploaded" with a HEAD request alone.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Metadata keys on uploaded result objects. S3 lowercases metadata keys, so
// these are defined lowercase to read back exactly as written.
const (
	MetaActualCost = "actual-cost"
	MetaRunID      = "run-id"
	MetaResultHash = "result-sha256"
)

// api is the slice of the S3 client this package uses.
type api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store reads and writes result envelopes in one bucket.
type Store struct {
	client  api
	presign presignAPI
	bucket  string
	log     zerolog.Logger
}

// New wires a Store over separate object and presign clients. Tests inject
// fakes here; production code uses NewFromClient.
func New(client api, presign presignAPI, bucket string, logger zerolog.Logger) *Store {
	return &Store{
		client:  client,
		presign: presign,
		bucket:  bucket,
		log:     logger.With().Str("component", "blob").Logger(),
	}
}

// NewFromClient wires a Store over a concrete S3 client.
func NewFromClient(client *s3.Client, bucket string, logger zerolog.Logger) *Store {
	return New(client, s3.NewPresignClient(client), bucket, logger)
}

// Bucket returns the bucket name, recorded on committed runs.
func (s *Store) Bucket() string { return s.bucket }

// PutResult uploads the envelope at the given key and returns its SHA-256.
// Re-uploads to the same key are idempotent: same body, same metadata. The
// actual cost, run id and hash are written as metadata tags.
func (s *Store) PutResult(ctx context.Context, key string, body []byte, runID string, actualMicros int64) (string, error) {
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			MetaActualCost: strconv.FormatInt(actualMicros, 10),
			MetaRunID:      runID,
			MetaResultHash: hash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put result: %w", err)
	}

	s.log.Debug().
		Str("run_id", runID).
		Str("key", key).
		Int("bytes", len(body)).
		Msg("result uploaded")
	return hash, nil
}

// ResultInfo is what a HEAD on a result key reveals.
type ResultInfo struct {
	ActualMicros int64
	HasCost      bool
	RunID        string
	Hash         string
}

// StatResult probes the deterministic key. Returns exists=false when no
// object is there; any other failure is an error.
func (s *Store) StatResult(ctx context.Context, key string) (*ResultInfo, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("head result: %w", err)
	}

	info := &ResultInfo{
		RunID: out.Metadata[MetaRunID],
		Hash:  out.Metadata[MetaResultHash],
	}
	if raw, ok := out.Metadata[MetaActualCost]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.ActualMicros = v
			info.HasCost = true
		}
	}
	return info, true, nil
}

// PresignGet mints a temporary download URL for a result object.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign result: %w", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchKey")
}
