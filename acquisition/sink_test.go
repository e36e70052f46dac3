package acquisition

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := OpenSink(context.Background(), "file://"+dir+"/case-42", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "case-42", ImageObject), sink.Location(ImageObject))

	for _, uri := range []string{"ftp://host/path", "s3:///prefix", "file://", "://bad"} {
		_, err := OpenSink(context.Background(), uri, testLogger())
		assert.ErrorIs(t, err, interfaces.ErrInvalidRequest, uri)
	}
}

func TestFileSinkObjects(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, sink.PutObject(ctx, "note.txt", []byte("hello")))
	r, err := sink.Open(ctx, "note.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, sink.Delete(ctx, "note.txt"))
	require.NoError(t, sink.Delete(ctx, "note.txt"))
	_, err = sink.Open(ctx, "note.txt")
	assert.ErrorIs(t, err, interfaces.ErrResourceNotFound)
}

func TestFileUploadWritesAtOffsets(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir, testLogger())
	require.NoError(t, err)

	upload, err := sink.CreateUpload(ctx, ImageObject)
	require.NoError(t, err)
	require.NoError(t, upload.WritePart(ctx, 1, 0, []byte("abc")))
	require.NoError(t, upload.WritePart(ctx, 2, 3, []byte("xyz")))
	require.NoError(t, upload.WritePart(ctx, 2, 3, []byte("def")))
	require.NoError(t, upload.Complete(ctx))

	data, err := os.ReadFile(filepath.Join(dir, ImageObject))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	aborted, err := sink.CreateUpload(ctx, "other.bin")
	require.NoError(t, err)
	require.NoError(t, aborted.Abort(ctx))
	_, err = os.Stat(filepath.Join(dir, "other.bin.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestS3UploadCompletesPartsInOrder(t *testing.T) {
	ctx := context.Background()
	client := &MockS3{}
	sink := NewS3Sink(client, "evidence", "case-42", testLogger())
	assert.Equal(t, "s3://evidence/case-42/image.bin", sink.Location(ImageObject))
	assert.Equal(t, PartLimits{MinSize: S3MinPartSize, MaxParts: S3MaxParts}, sink.Limits())

	client.On("CreateMultipartUploadWithContext", ctx, mock.MatchedBy(func(in *s3.CreateMultipartUploadInput) bool {
		return aws.StringValue(in.Bucket) == "evidence" && aws.StringValue(in.Key) == "case-42/image.bin"
	})).Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("up-1")}, nil)

	client.On("UploadPartWithContext", ctx, mock.MatchedBy(func(in *s3.UploadPartInput) bool {
		return aws.Int64Value(in.PartNumber) == 2
	})).Return(nil, awserr.New("SlowDown", "reduce your request rate", nil)).Once()
	client.On("UploadPartWithContext", ctx, mock.MatchedBy(func(in *s3.UploadPartInput) bool {
		return aws.StringValue(in.UploadId) == "up-1" && aws.StringValue(in.ContentMD5) != ""
	})).Return(&s3.UploadPartOutput{ETag: aws.String("etag")}, nil)

	var completed *s3.CompleteMultipartUploadInput
	client.On("CompleteMultipartUploadWithContext", ctx, mock.Anything).Run(func(args mock.Arguments) {
		completed = args.Get(1).(*s3.CompleteMultipartUploadInput)
	}).Return(&s3.CompleteMultipartUploadOutput{}, nil)

	upload, err := sink.CreateUpload(ctx, ImageObject)
	require.NoError(t, err)
	assert.True(t, upload.Resumable())

	require.NoError(t, upload.WritePart(ctx, 1, 0, []byte("aaaa")))
	err = upload.WritePart(ctx, 2, 4, []byte("bbbb"))
	require.ErrorIs(t, err, interfaces.ErrThrottled)
	assert.True(t, interfaces.IsRetryable(err))
	require.NoError(t, upload.WritePart(ctx, 2, 4, []byte("bbbb")))
	require.NoError(t, upload.WritePart(ctx, 3, 8, []byte("cc")))
	require.NoError(t, upload.Complete(ctx))

	require.NotNil(t, completed)
	assert.Equal(t, "up-1", aws.StringValue(completed.UploadId))
	require.Len(t, completed.MultipartUpload.Parts, 3)
	for i, part := range completed.MultipartUpload.Parts {
		assert.Equal(t, int64(i+1), aws.Int64Value(part.PartNumber))
	}
}

func TestS3UploadAbort(t *testing.T) {
	ctx := context.Background()
	client := &MockS3{}
	sink := NewS3Sink(client, "evidence", "", testLogger())

	client.On("CreateMultipartUploadWithContext", ctx, mock.Anything).Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("up-2")}, nil)
	client.On("AbortMultipartUploadWithContext", ctx, mock.MatchedBy(func(in *s3.AbortMultipartUploadInput) bool {
		return aws.StringValue(in.Key) == ImageObject && aws.StringValue(in.UploadId) == "up-2"
	})).Return(&s3.AbortMultipartUploadOutput{}, nil)

	upload, err := sink.CreateUpload(ctx, ImageObject)
	require.NoError(t, err)
	require.NoError(t, upload.Abort(ctx))
	client.AssertExpectations(t)
}

func TestResolveDevice(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "nvme-Amazon_Elastic_Block_Store_vol0abc")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	got, err := ResolveDevice(filepath.Join(dir, "nvme-*vol0abc*"))
	require.NoError(t, err)
	assert.Equal(t, device, got)

	got, err = ResolveDevice("/dev/xvdf")
	require.NoError(t, err)
	assert.Equal(t, "/dev/xvdf", got)

	_, err = ResolveDevice(filepath.Join(dir, "missing-*"))
	assert.ErrorIs(t, err, interfaces.ErrResourceNotFound)
}

func TestSignalCompletion(t *testing.T) {
	require.NoError(t, SignalCompletion(context.Background(), nil, testLogger()))
	require.NoError(t, SignalCompletion(context.Background(), []string{"true"}, testLogger()))
	assert.Error(t, SignalCompletion(context.Background(), []string{"false"}, testLogger()))
}
