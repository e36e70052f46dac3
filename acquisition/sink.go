package acquisition

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	awsprovider "github.com/ruteri/cloud-evidence-backend/providers/aws"
)

// Object names written under the destination prefix.
const (
	ImageObject    = "image.bin"
	ManifestObject = "manifest.json"
)

// LogObject returns the hash log object name for alg.
func LogObject(alg interfaces.DigestAlgorithm) string {
	return string(alg) + ".log"
}

// PartLimits constrains how an image is split into parts.
type PartLimits struct {
	// MinSize is the smallest allowed part, except for the last one.
	MinSize int64
	// MaxParts is the largest number of parts per upload. Zero means unbounded.
	MaxParts int
}

// Sink is a destination prefix in object storage. Object names are relative
// to the prefix.
type Sink interface {
	// CreateUpload starts a multi-part upload of object.
	CreateUpload(ctx context.Context, object string) (Upload, error)
	// PutObject writes a small object in one request.
	PutObject(ctx context.Context, object string, data []byte) error
	Open(ctx context.Context, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, object string) error
	// Location returns the URI of object, as recorded in manifests.
	Location(object string) string
	Limits() PartLimits
}

// Upload receives an image part by part. Parts arrive in order and are
// numbered from 1; offset is relative to the start of the image.
type Upload interface {
	WritePart(ctx context.Context, number int, offset int64, data []byte) error
	Complete(ctx context.Context) error
	Abort(ctx context.Context) error
	// Resumable reports whether a failed part can be written again without
	// restarting the upload.
	Resumable() bool
}

// OpenSink creates a sink from a destination URI.
//
// Supported schemes:
//   - file:///absolute/dir
//   - s3://bucket/prefix?region=eu-west-1&profile=forensics&endpoint=http://minio:9000
func OpenSink(ctx context.Context, destination string, log *slog.Logger) (Sink, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, fmt.Errorf("%w: destination %q: %w", interfaces.ErrInvalidRequest, destination, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + "/" + strings.TrimPrefix(dir, "/")
		}
		if dir == "" {
			return nil, fmt.Errorf("%w: empty path in destination %q", interfaces.ErrInvalidRequest, destination)
		}
		return NewFileSink(dir, log)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing bucket in destination %q", interfaces.ErrInvalidRequest, destination)
		}
		query := u.Query()
		region := query.Get("region")
		if region == "" {
			region = "us-east-1"
		}
		sess, err := awsprovider.NewSession(awsprovider.SessionOptions{
			Profile:  query.Get("profile"),
			Region:   region,
			Endpoint: query.Get("endpoint"),
		})
		if err != nil {
			return nil, err
		}
		return NewS3Sink(s3.New(sess), u.Host, strings.Trim(u.Path, "/"), log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported destination scheme %q", interfaces.ErrInvalidRequest, u.Scheme)
	}
}
