package aws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

type objectStore struct {
	s3     s3iface.S3API
	region string
	log    *slog.Logger
}

func (o *objectStore) CreateContainer(ctx context.Context, name string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if o.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{LocationConstraint: aws.String(o.region)}
	}
	_, err := o.s3.CreateBucketWithContext(ctx, input)
	if errorCode(err) == s3.ErrCodeBucketAlreadyOwnedByYou {
		return nil
	}
	if err != nil {
		return WrapError("CreateBucket", err)
	}
	_, err = o.s3.PutPublicAccessBlockWithContext(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(name),
		PublicAccessBlockConfiguration: &s3.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	return WrapError("PutPublicAccessBlock", err)
}

// DeleteContainer empties and removes the bucket.
func (o *objectStore) DeleteContainer(ctx context.Context, name string) error {
	var deleteErr error
	err := o.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(name)},
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
			}
			_, deleteErr = o.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(name),
				Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return deleteErr == nil
		})
	if err != nil {
		return WrapError("ListObjectsV2", err)
	}
	if deleteErr != nil {
		return WrapError("DeleteObjects", deleteErr)
	}
	_, err = o.s3.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	return WrapError("DeleteBucket", err)
}

// IssueToken presigns a download of the object valid for ttl.
func (o *objectStore) IssueToken(_ context.Context, container, object string, ttl time.Duration) (string, time.Time, error) {
	req, _ := o.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(object),
	})
	expires := time.Now().Add(ttl)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", time.Time{}, WrapError("PresignGetObject", err)
	}
	return url, expires, nil
}

// RevokeToken deletes the object; a presigned URL cannot be withdrawn, so
// removing its target is the only way to end access early.
func (o *objectStore) RevokeToken(ctx context.Context, container, object string) error {
	_, err := o.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(object),
	})
	err = WrapError("DeleteObject", err)
	if errors.Is(err, interfaces.ErrResourceNotFound) {
		return nil
	}
	return err
}
