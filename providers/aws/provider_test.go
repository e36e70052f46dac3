package aws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestProvider() (*interfaces.Provider, *MockEC2, *MockKMS, *MockSTS) {
	ec2Mock, kmsMock, stsMock := &MockEC2{}, &MockKMS{}, &MockSTS{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProvider("us-east-1", Clients{EC2: ec2Mock, KMS: kmsMock, STS: stsMock}, log)
	return p, ec2Mock, kmsMock, stsMock
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		code      string
		want      error
		retryable bool
	}{
		{"InvalidVolume.NotFound", interfaces.ErrResourceNotFound, false},
		{"RequestLimitExceeded", interfaces.ErrThrottled, true},
		{"InsufficientInstanceCapacity", interfaces.ErrCapacity, false},
		{"UnauthorizedOperation", interfaces.ErrUnauthorized, false},
		{"VolumeInUse", interfaces.ErrAttachmentConflict, false},
		{"IdempotentParameterMismatch", interfaces.ErrConflict, false},
		{"InternalError", interfaces.ErrTransient, true},
		{"SomethingNew", interfaces.ErrProvider, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := WrapError("Op", awserr.New(tt.code, "message", nil))
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, interfaces.ErrProvider)
			assert.Equal(t, tt.retryable, interfaces.IsRetryable(err))

			var perr *interfaces.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, "Op", perr.Op)
		})
	}

	assert.NoError(t, WrapError("Op", nil))
	plain := errors.New("plain")
	assert.Equal(t, plain, WrapError("Op", plain))
	assert.ErrorIs(t, WrapError("Op", awserr.New("RequestCanceled", "canceled", nil)), context.Canceled)
}

func TestGetVolume(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	ec2Mock.On("DescribeVolumesWithContext", ctx, mock.MatchedBy(func(in *ec2.DescribeVolumesInput) bool {
		return aws.StringValue(in.VolumeIds[0]) == "vol-1"
	})).Return(&ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{{
		VolumeId:         aws.String("vol-1"),
		AvailabilityZone: aws.String("us-east-1a"),
		Size:             aws.Int64(100),
		State:            aws.String("in-use"),
		Encrypted:        aws.Bool(true),
		KmsKeyId:         aws.String("arn:aws:kms:us-east-1:111:key/abc"),
		Tags:             []*ec2.Tag{{Key: aws.String("case"), Value: aws.String("IR-1")}},
	}}}, nil)
	ec2Mock.On("DescribeVolumesWithContext", ctx, mock.Anything).
		Return(nil, awserr.New("InvalidVolume.NotFound", "The volume 'vol-2' does not exist.", nil))

	v, err := p.Storage.GetVolume(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.VolumeInUse, v.State)
	assert.True(t, v.State.Stable())
	assert.Equal(t, int64(100), v.SizeGB)
	assert.Equal(t, "IR-1", v.Tags["case"])

	_, err = p.Storage.GetVolume(ctx, "vol-2")
	assert.ErrorIs(t, err, interfaces.ErrResourceNotFound)
}

func TestCreateSnapshotWaitsAndTags(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	ec2Mock.On("CreateSnapshotWithContext", ctx, mock.MatchedBy(func(in *ec2.CreateSnapshotInput) bool {
		tags := tagMap(in.TagSpecifications[0].Tags)
		return aws.StringValue(in.VolumeId) == "vol-1" && tags[interfaces.TagToken] == "tok"
	})).Return(&ec2.Snapshot{SnapshotId: aws.String("snap-1"), VolumeId: aws.String("vol-1"), Encrypted: aws.Bool(false)}, nil)
	ec2Mock.On("WaitUntilSnapshotCompletedWithContext", ctx, mock.Anything).Return(nil)

	snap, err := p.Storage.CreateSnapshot(ctx, "vol-1", map[string]string{interfaces.TagToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "snap-1", snap.ID)
	assert.Equal(t, "us-east-1", snap.Region)
	ec2Mock.AssertExpectations(t)
}

func TestCreateVolumePassesClientToken(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	ec2Mock.On("CreateVolumeWithContext", ctx, mock.MatchedBy(func(in *ec2.CreateVolumeInput) bool {
		return aws.StringValue(in.ClientToken) == "token-1" && aws.StringValue(in.SnapshotId) == "snap-1" && aws.BoolValue(in.Encrypted)
	})).Return(&ec2.Volume{VolumeId: aws.String("vol-9"), AvailabilityZone: aws.String("us-east-1b"), State: aws.String("creating")}, nil)
	ec2Mock.On("WaitUntilVolumeAvailableWithContext", ctx, mock.Anything).Return(nil)

	v, err := p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: "snap-1", Zone: "us-east-1b", Encrypted: true, ClientToken: "token-1"})
	require.NoError(t, err)
	assert.Equal(t, "vol-9", v.ID)
	assert.Equal(t, interfaces.VolumeAvailable, v.State)
}

func TestKeyShareable(t *testing.T) {
	ctx := context.Background()

	t.Run("aws managed", func(t *testing.T) {
		p, _, kmsMock, _ := newTestProvider()
		kmsMock.On("DescribeKeyWithContext", ctx, mock.Anything).Return(&kms.DescribeKeyOutput{KeyMetadata: &kms.KeyMetadata{
			KeyId: aws.String("k1"), KeyManager: aws.String(kms.KeyManagerTypeAws),
		}}, nil)
		ok, err := p.Storage.KeyShareable(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	for _, tt := range []struct {
		name string
		tags []*kms.Tag
		want bool
	}{
		{"customer without tag", nil, false},
		{"customer opted in", []*kms.Tag{{TagKey: aws.String(ShareableKeyTag), TagValue: aws.String("true")}}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			p, _, kmsMock, _ := newTestProvider()
			kmsMock.On("DescribeKeyWithContext", ctx, mock.Anything).Return(&kms.DescribeKeyOutput{KeyMetadata: &kms.KeyMetadata{
				KeyId: aws.String("k1"), KeyManager: aws.String(kms.KeyManagerTypeCustomer),
			}}, nil)
			kmsMock.On("ListResourceTagsWithContext", ctx, mock.Anything).Return(&kms.ListResourceTagsOutput{Tags: tt.tags}, nil)
			ok, err := p.Storage.KeyShareable(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGrantAndRevokeKey(t *testing.T) {
	p, _, kmsMock, stsMock := newTestProvider()
	ctx := context.Background()

	stsMock.On("GetCallerIdentityWithContext", ctx, mock.Anything).Return(&sts.GetCallerIdentityOutput{Account: aws.String("111111111111")}, nil).Once()
	kmsMock.On("CreateKeyWithContext", ctx, mock.MatchedBy(func(in *kms.CreateKeyInput) bool {
		return strings.Contains(aws.StringValue(in.Policy), "arn:aws:iam::111111111111:root")
	})).Return(&kms.CreateKeyOutput{KeyMetadata: &kms.KeyMetadata{KeyId: aws.String("key-1")}}, nil)

	keyID, err := p.Keys.CreateKey(ctx, "ephemeral", map[string]string{"evidence-ephemeral": "true"})
	require.NoError(t, err)
	assert.Equal(t, "key-1", keyID)

	owner, err := json.Marshal(ownerPolicy("111111111111"))
	require.NoError(t, err)
	kmsMock.On("GetKeyPolicyWithContext", ctx, mock.Anything).Return(&kms.GetKeyPolicyOutput{Policy: aws.String(string(owner))}, nil).Once()

	var granted policyDocument
	kmsMock.On("PutKeyPolicyWithContext", ctx, mock.Anything).Run(func(args mock.Arguments) {
		in := args.Get(1).(*kms.PutKeyPolicyInput)
		require.NoError(t, json.Unmarshal([]byte(aws.StringValue(in.Policy)), &granted))
	}).Return(&kms.PutKeyPolicyOutput{}, nil).Once()

	require.NoError(t, p.Keys.GrantKey(ctx, "key-1", "222222222222"))
	require.Len(t, granted.Statement, 2)
	assert.Equal(t, "arn:aws:iam::222222222222:root", granted.Statement[1].Principal["AWS"])
	assert.Contains(t, granted.Statement[1].Action, "kms:Decrypt")

	grantedJSON, err := json.Marshal(granted)
	require.NoError(t, err)
	kmsMock.On("GetKeyPolicyWithContext", ctx, mock.Anything).Return(&kms.GetKeyPolicyOutput{Policy: aws.String(string(grantedJSON))}, nil).Once()

	var revoked policyDocument
	kmsMock.On("PutKeyPolicyWithContext", ctx, mock.Anything).Run(func(args mock.Arguments) {
		in := args.Get(1).(*kms.PutKeyPolicyInput)
		require.NoError(t, json.Unmarshal([]byte(aws.StringValue(in.Policy)), &revoked))
	}).Return(&kms.PutKeyPolicyOutput{}, nil).Once()

	require.NoError(t, p.Keys.RevokeKey(ctx, "key-1", "222222222222"))
	require.Len(t, revoked.Statement, 1)
	assert.Equal(t, "EvidenceKeyOwner", revoked.Statement[0].Sid)
	kmsMock.AssertExpectations(t)
}

func TestDeleteKeyPendingDeletion(t *testing.T) {
	p, _, kmsMock, _ := newTestProvider()
	ctx := context.Background()

	kmsMock.On("DescribeKeyWithContext", ctx, mock.Anything).Return(&kms.DescribeKeyOutput{KeyMetadata: &kms.KeyMetadata{
		KeyId: aws.String("key-1"), KeyState: aws.String(kms.KeyStatePendingDeletion),
	}}, nil)

	require.NoError(t, p.Keys.DeleteKey(ctx, "key-1"))
	kmsMock.AssertNotCalled(t, "ScheduleKeyDeletionWithContext", mock.Anything, mock.Anything)
}

func TestRunInstance(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	_, err := p.Compute.RunInstance(ctx, interfaces.InstanceSpec{CPUCores: 3, ImageID: "ami-1"})
	assert.ErrorIs(t, err, interfaces.ErrCapacity)

	ec2Mock.On("DescribeImagesWithContext", ctx, mock.Anything).Return(&ec2.DescribeImagesOutput{Images: []*ec2.Image{{
		ImageId: aws.String("ami-1"), RootDeviceName: aws.String("/dev/sda1"),
	}}}, nil)
	ec2Mock.On("RunInstancesWithContext", ctx, mock.MatchedBy(func(in *ec2.RunInstancesInput) bool {
		userData, _ := base64.StdEncoding.DecodeString(aws.StringValue(in.UserData))
		return aws.StringValue(in.InstanceType) == "m4.xlarge" &&
			aws.StringValue(in.BlockDeviceMappings[0].DeviceName) == "/dev/sda1" &&
			aws.Int64Value(in.BlockDeviceMappings[0].Ebs.VolumeSize) == 50 &&
			aws.StringValue(in.ClientToken) == "launch-1" &&
			string(userData) == "#!/bin/bash\n"
	})).Return(&ec2.Reservation{Instances: []*ec2.Instance{{
		InstanceId:     aws.String("i-1"),
		Placement:      &ec2.Placement{AvailabilityZone: aws.String("us-east-1a")},
		State:          &ec2.InstanceState{Name: aws.String("pending")},
		RootDeviceName: aws.String("/dev/sda1"),
	}}}, nil)

	inst, err := p.Compute.RunInstance(ctx, interfaces.InstanceSpec{
		Name: "analysis", Zone: "us-east-1a", ImageID: "ami-1", CPUCores: 4, BootDiskSizeGB: 50,
		UserData: "#!/bin/bash\n", ClientToken: "launch-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-1", inst.ID)
	assert.Equal(t, "analysis", inst.Name)
	assert.Equal(t, interfaces.InstancePending, inst.State)
}

func TestAttachVolumeDeviceInUse(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	ec2Mock.On("WaitUntilInstanceRunningWithContext", ctx, mock.Anything).Return(nil)
	ec2Mock.On("AttachVolumeWithContext", ctx, mock.Anything).
		Return(nil, awserr.New("InvalidParameterValue", "Attachment point /dev/sdf is already in use", nil))

	err := p.Compute.AttachVolume(ctx, "i-1", "vol-1", "/dev/sdf")
	assert.ErrorIs(t, err, interfaces.ErrAttachmentConflict)
}

func TestConsoleOutput(t *testing.T) {
	p, ec2Mock, _, _ := newTestProvider()
	ctx := context.Background()

	ec2Mock.On("GetConsoleOutputWithContext", ctx, mock.Anything).Return(&ec2.GetConsoleOutputOutput{
		Output: aws.String(base64.StdEncoding.EncodeToString([]byte("EVIDENCE-BOOTSTRAP-READY\n"))),
	}, nil)

	out, err := p.Compute.ConsoleOutput(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "EVIDENCE-BOOTSTRAP-READY\n", out)
}

func TestConnectorRejectsOtherProviders(t *testing.T) {
	c := NewConnector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.Connect(context.Background(), interfaces.Account{Provider: interfaces.ProviderMemory}, "us-east-1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}
