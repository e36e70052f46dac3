package acquisition

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockS3 mocks the multipart calls used by S3Sink.
type MockS3 struct {
	s3iface.S3API
	mock.Mock
}

func (m *MockS3) CreateMultipartUploadWithContext(ctx aws.Context, in *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *MockS3) UploadPartWithContext(ctx aws.Context, in *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *MockS3) CompleteMultipartUploadWithContext(ctx aws.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *MockS3) AbortMultipartUploadWithContext(ctx aws.Context, in *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

// MockUpload is a testify mock of Upload.
type MockUpload struct {
	mock.Mock
}

func (m *MockUpload) WritePart(ctx context.Context, number int, offset int64, data []byte) error {
	return m.Called(ctx, number, offset, data).Error(0)
}

func (m *MockUpload) Complete(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockUpload) Abort(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockUpload) Resumable() bool {
	return m.Called().Bool(0)
}

// flakySink wraps a sink and fails selected part writes once.
type flakySink struct {
	Sink
	upload Upload
	limits *PartLimits

	mu       sync.Mutex
	failPart map[int]int
	attempts map[int]int
}

func (s *flakySink) CreateUpload(ctx context.Context, object string) (Upload, error) {
	if s.upload != nil {
		return s.upload, nil
	}
	u, err := s.Sink.CreateUpload(ctx, object)
	if err != nil {
		return nil, err
	}
	return &flakyUpload{Upload: u, sink: s}, nil
}

func (s *flakySink) Limits() PartLimits {
	if s.limits != nil {
		return *s.limits
	}
	return s.Sink.Limits()
}

type flakyUpload struct {
	Upload
	sink *flakySink
}

func (u *flakyUpload) WritePart(ctx context.Context, number int, offset int64, data []byte) error {
	u.sink.mu.Lock()
	u.sink.attempts[number]++
	fail := u.sink.failPart[number] > 0
	if fail {
		u.sink.failPart[number]--
	}
	u.sink.mu.Unlock()
	if fail {
		return &interfaces.ProviderError{Provider: interfaces.ProviderAWS, Op: "UploadPart", Code: "SlowDown", Retryable: true, Err: interfaces.ErrThrottled}
	}
	return u.Upload.WritePart(ctx, number, offset, data)
}

// memDevice serves bytes from memory and can fail reads past a limit.
type memDevice struct {
	data   []byte
	failAt int64
	closed bool
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.failAt > 0 && off+int64(len(p)) > d.failAt {
		n := max(0, int(d.failAt-off))
		copy(p, d.data[off:off+int64(n)])
		return n, fmt.Errorf("input/output error")
	}
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) Close() error {
	d.closed = true
	return nil
}

func (d *memDevice) Size() int64 {
	return int64(len(d.data))
}
