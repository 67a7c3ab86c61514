package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/faults"
)

// S3Store implements Store over an S3 bucket. Original PDFs under uploads/
// are optionally encrypted at rest when a password is configured.
type S3Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	opTimeout time.Duration
	password  string
}

// Options configures the S3 store.
type Options struct {
	Bucket             string
	Region             string
	OpTimeout          time.Duration
	EncryptionPassword string
}

// NewS3 creates an S3-backed store. Static credentials from
// S3_ACCESS_KEY/S3_SECRET_KEY override the default chain when set.
func NewS3(ctx context.Context, opts Options) (*S3Store, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if ak, sk := os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_SECRET_KEY"); ak != "" && sk != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "load AWS config", err)
	}

	cli := s3.NewFromConfig(cfg)
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	return &S3Store{
		client:    cli,
		uploader:  manager.NewUploader(cli),
		bucket:    opts.Bucket,
		opTimeout: opts.OpTimeout,
		password:  opts.EncryptionPassword,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, faults.Newf(faults.KindNotFound, "blob %s", key)
		}
		return nil, faults.Wrap(faults.KindTransient, "get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "read "+key, err)
	}

	if s.encrypted(key) && hasGCMMagic(data) {
		plain, err := decryptGCM(data, s.password)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanent, "decrypt "+key, err)
		}
		return plain, nil
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	payload := data
	if s.encrypted(key) {
		enc, err := encryptGCM(data, s.password)
		if err != nil {
			return faults.Wrap(faults.KindPermanent, "encrypt "+key, err)
		}
		payload = enc
	}

	putCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if int64(len(payload)) > manager.DefaultUploadPartSize {
		_, err := s.uploader.Upload(putCtx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return faults.Wrap(faults.KindTransient, "upload "+key, err)
		}
	} else {
		_, err := s.client.PutObject(putCtx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return faults.Wrap(faults.KindTransient, "put "+key, err)
		}
	}

	// Fire-and-verify: read back and compare lengths. Truncated writes
	// surface here instead of as corrupt cache reads later.
	headCtx, cancel2 := context.WithTimeout(ctx, s.opTimeout)
	defer cancel2()
	head, err := s.client.HeadObject(headCtx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return faults.Wrap(faults.KindTransient, "verify head "+key, err)
	}
	if head.ContentLength == nil || *head.ContentLength != int64(len(payload)) {
		got := int64(-1)
		if head.ContentLength != nil {
			got = *head.ContentLength
		}
		log.Error().Str("key", key).Int("want", len(payload)).Int64("got", got).Msg("blob verify failed")
		return faults.Newf(faults.KindPermanent, "verify %s: wrote %d bytes, stored %d", key, len(payload), got)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, faults.Wrap(faults.KindTransient, "head "+key, err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, "list "+prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// encrypted reports whether this key is subject to at-rest encryption.
// Only original uploads are; cache artifacts stay plain JSON.
func (s *S3Store) encrypted(key string) bool {
	return s.password != "" && strings.HasPrefix(key, "uploads/")
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "StatusCode: 404") ||
		strings.Contains(err.Error(), "NoSuchKey")
}
