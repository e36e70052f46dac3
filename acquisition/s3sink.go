package acquisition

import (
	"bytes"
	"cmp"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	awsprovider "github.com/ruteri/cloud-evidence-backend/providers/aws"
	"github.com/samber/lo"
)

// S3 multipart constraints.
const (
	S3MinPartSize = 5 << 20
	S3MaxParts    = 10000
)

// S3Sink writes objects under a bucket prefix. Images use multipart uploads,
// so a failed part can be sent again without restarting the image.
type S3Sink struct {
	client s3iface.S3API
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Sink creates a sink writing under s3://bucket/prefix.
func NewS3Sink(client s3iface.S3API, bucket, prefix string, log *slog.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, log: log}
}

func (s *S3Sink) key(object string) string {
	if s.prefix == "" {
		return object
	}
	return path.Join(s.prefix, object)
}

func (s *S3Sink) CreateUpload(ctx context.Context, object string) (Upload, error) {
	out, err := s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(object)),
	})
	if err != nil {
		return nil, awsprovider.WrapError("CreateMultipartUpload", err)
	}
	s.log.Debug("Started multipart upload",
		slog.String("bucket", s.bucket),
		slog.String("key", s.key(object)),
		slog.String("uploadID", aws.StringValue(out.UploadId)))
	return &s3Upload{
		sink:     s,
		key:      s.key(object),
		uploadID: aws.StringValue(out.UploadId),
		parts:    make(map[int64]*s3.CompletedPart),
	}, nil
}

func (s *S3Sink) PutObject(ctx context.Context, object string, data []byte) error {
	start := time.Now()
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(object)),
		Body:       bytes.NewReader(data),
		ContentMD5: aws.String(contentMD5(data)),
	})
	if err != nil {
		s.log.Error("Failed to put object to S3",
			slog.String("bucket", s.bucket),
			slog.String("key", s.key(object)),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return awsprovider.WrapError("PutObject", err)
	}
	return nil
}

func (s *S3Sink) Open(ctx context.Context, object string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(object)),
	})
	if err != nil {
		return nil, awsprovider.WrapError("GetObject", err)
	}
	return out.Body, nil
}

func (s *S3Sink) Delete(ctx context.Context, object string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(object)),
	})
	return awsprovider.WrapError("DeleteObject", err)
}

func (s *S3Sink) Location(object string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(object))
}

func (s *S3Sink) Limits() PartLimits {
	return PartLimits{MinSize: S3MinPartSize, MaxParts: S3MaxParts}
}

type s3Upload struct {
	sink     *S3Sink
	key      string
	uploadID string

	mu    sync.Mutex
	parts map[int64]*s3.CompletedPart
}

// WritePart uploads one part. Writing the same part number again replaces it.
func (u *s3Upload) WritePart(ctx context.Context, number int, _ int64, data []byte) error {
	out, err := u.sink.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.sink.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int64(int64(number)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(contentMD5(data)),
	})
	if err != nil {
		return awsprovider.WrapError("UploadPart", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.parts[int64(number)] = &s3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(int64(number))}
	return nil
}

func (u *s3Upload) Complete(ctx context.Context) error {
	u.mu.Lock()
	parts := lo.Values(u.parts)
	u.mu.Unlock()
	slices.SortFunc(parts, func(a, b *s3.CompletedPart) int {
		return cmp.Compare(aws.Int64Value(a.PartNumber), aws.Int64Value(b.PartNumber))
	})

	_, err := u.sink.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.sink.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return awsprovider.WrapError("CompleteMultipartUpload", err)
	}
	u.sink.log.Debug("Completed multipart upload",
		slog.String("bucket", u.sink.bucket),
		slog.String("key", u.key),
		slog.Int("parts", len(parts)))
	return nil
}

func (u *s3Upload) Abort(ctx context.Context) error {
	_, err := u.sink.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.sink.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	return awsprovider.WrapError("AbortMultipartUpload", err)
}

func (u *s3Upload) Resumable() bool {
	return true
}

func contentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
