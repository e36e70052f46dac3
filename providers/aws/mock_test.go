package aws

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/stretchr/testify/mock"
)

// MockEC2 mocks the EC2 calls exercised by the tests. Calls to methods that
// are not overridden panic through the nil embedded interface.
type MockEC2 struct {
	ec2iface.EC2API
	mock.Mock
}

func (m *MockEC2) DescribeVolumesWithContext(ctx aws.Context, in *ec2.DescribeVolumesInput, _ ...request.Option) (*ec2.DescribeVolumesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.DescribeVolumesOutput)
	return out, args.Error(1)
}

func (m *MockEC2) CreateSnapshotWithContext(ctx aws.Context, in *ec2.CreateSnapshotInput, _ ...request.Option) (*ec2.Snapshot, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.Snapshot)
	return out, args.Error(1)
}

func (m *MockEC2) WaitUntilSnapshotCompletedWithContext(ctx aws.Context, in *ec2.DescribeSnapshotsInput, _ ...request.WaiterOption) error {
	return m.Called(ctx, in).Error(0)
}

func (m *MockEC2) CreateVolumeWithContext(ctx aws.Context, in *ec2.CreateVolumeInput, _ ...request.Option) (*ec2.Volume, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.Volume)
	return out, args.Error(1)
}

func (m *MockEC2) WaitUntilVolumeAvailableWithContext(ctx aws.Context, in *ec2.DescribeVolumesInput, _ ...request.WaiterOption) error {
	return m.Called(ctx, in).Error(0)
}

func (m *MockEC2) DescribeImagesWithContext(ctx aws.Context, in *ec2.DescribeImagesInput, _ ...request.Option) (*ec2.DescribeImagesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.DescribeImagesOutput)
	return out, args.Error(1)
}

func (m *MockEC2) RunInstancesWithContext(ctx aws.Context, in *ec2.RunInstancesInput, _ ...request.Option) (*ec2.Reservation, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.Reservation)
	return out, args.Error(1)
}

func (m *MockEC2) GetConsoleOutputWithContext(ctx aws.Context, in *ec2.GetConsoleOutputInput, _ ...request.Option) (*ec2.GetConsoleOutputOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.GetConsoleOutputOutput)
	return out, args.Error(1)
}

func (m *MockEC2) WaitUntilInstanceRunningWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, _ ...request.WaiterOption) error {
	return m.Called(ctx, in).Error(0)
}

func (m *MockEC2) AttachVolumeWithContext(ctx aws.Context, in *ec2.AttachVolumeInput, _ ...request.Option) (*ec2.VolumeAttachment, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.VolumeAttachment)
	return out, args.Error(1)
}

// MockKMS mocks the KMS calls exercised by the tests.
type MockKMS struct {
	kmsiface.KMSAPI
	mock.Mock
}

func (m *MockKMS) DescribeKeyWithContext(ctx aws.Context, in *kms.DescribeKeyInput, _ ...request.Option) (*kms.DescribeKeyOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.DescribeKeyOutput)
	return out, args.Error(1)
}

func (m *MockKMS) ListResourceTagsWithContext(ctx aws.Context, in *kms.ListResourceTagsInput, _ ...request.Option) (*kms.ListResourceTagsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.ListResourceTagsOutput)
	return out, args.Error(1)
}

func (m *MockKMS) CreateKeyWithContext(ctx aws.Context, in *kms.CreateKeyInput, _ ...request.Option) (*kms.CreateKeyOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.CreateKeyOutput)
	return out, args.Error(1)
}

func (m *MockKMS) GetKeyPolicyWithContext(ctx aws.Context, in *kms.GetKeyPolicyInput, _ ...request.Option) (*kms.GetKeyPolicyOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.GetKeyPolicyOutput)
	return out, args.Error(1)
}

func (m *MockKMS) PutKeyPolicyWithContext(ctx aws.Context, in *kms.PutKeyPolicyInput, _ ...request.Option) (*kms.PutKeyPolicyOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.PutKeyPolicyOutput)
	return out, args.Error(1)
}

func (m *MockKMS) ScheduleKeyDeletionWithContext(ctx aws.Context, in *kms.ScheduleKeyDeletionInput, _ ...request.Option) (*kms.ScheduleKeyDeletionOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*kms.ScheduleKeyDeletionOutput)
	return out, args.Error(1)
}

// MockSTS mocks GetCallerIdentity.
type MockSTS struct {
	stsiface.STSAPI
	mock.Mock
}

func (m *MockSTS) GetCallerIdentityWithContext(ctx aws.Context, in *sts.GetCallerIdentityInput, _ ...request.Option) (*sts.GetCallerIdentityOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sts.GetCallerIdentityOutput)
	return out, args.Error(1)
}
