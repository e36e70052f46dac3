package aws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

type blockStorage struct {
	ec2      ec2iface.EC2API
	kms      kmsiface.KMSAPI
	region   string
	identity *callerIdentity
	log      *slog.Logger
}

func (b *blockStorage) AccountID(ctx context.Context) (string, error) {
	return b.identity.AccountID(ctx)
}

func (b *blockStorage) GetVolume(ctx context.Context, volumeID string) (*interfaces.Volume, error) {
	out, err := b.ec2.DescribeVolumesWithContext(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: aws.StringSlice([]string{volumeID}),
	})
	if err != nil {
		return nil, WrapError("DescribeVolumes", err)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("%w: volume %s", interfaces.ErrResourceNotFound, volumeID)
	}
	return volumeFrom(out.Volumes[0]), nil
}

func volumeFrom(v *ec2.Volume) *interfaces.Volume {
	return &interfaces.Volume{
		ID:        aws.StringValue(v.VolumeId),
		Zone:      aws.StringValue(v.AvailabilityZone),
		SizeGB:    aws.Int64Value(v.Size),
		State:     interfaces.VolumeState(aws.StringValue(v.State)),
		Encrypted: aws.BoolValue(v.Encrypted),
		KeyID:     aws.StringValue(v.KmsKeyId),
		Tags:      tagMap(v.Tags),
	}
}

func snapshotFrom(s *ec2.Snapshot, region string) *interfaces.Snapshot {
	return &interfaces.Snapshot{
		ID:        aws.StringValue(s.SnapshotId),
		Region:    region,
		VolumeID:  aws.StringValue(s.VolumeId),
		Encrypted: aws.BoolValue(s.Encrypted),
		KeyID:     aws.StringValue(s.KmsKeyId),
		Tags:      tagMap(s.Tags),
	}
}

func (b *blockStorage) FindSnapshot(ctx context.Context, token string) (*interfaces.Snapshot, error) {
	out, err := b.ec2.DescribeSnapshotsWithContext(ctx, &ec2.DescribeSnapshotsInput{
		OwnerIds: aws.StringSlice([]string{"self"}),
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:" + interfaces.TagToken), Values: aws.StringSlice([]string{token})},
			{Name: aws.String("status"), Values: aws.StringSlice([]string{ec2.SnapshotStatePending, ec2.SnapshotStateCompleted})},
		},
	})
	if err != nil {
		return nil, WrapError("DescribeSnapshots", err)
	}
	if len(out.Snapshots) == 0 {
		return nil, nil
	}
	snap := out.Snapshots[0]
	if err := b.waitSnapshot(ctx, aws.StringValue(snap.SnapshotId)); err != nil {
		return nil, err
	}
	return snapshotFrom(snap, b.region), nil
}

func (b *blockStorage) waitSnapshot(ctx context.Context, snapshotID string) error {
	err := b.ec2.WaitUntilSnapshotCompletedWithContext(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: aws.StringSlice([]string{snapshotID}),
	})
	return WrapError("WaitUntilSnapshotCompleted", err)
}

func (b *blockStorage) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*interfaces.Snapshot, error) {
	out, err := b.ec2.CreateSnapshotWithContext(ctx, &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(volumeID),
		Description:       aws.String("evidence snapshot of " + volumeID),
		TagSpecifications: tagSpecification(ec2.ResourceTypeSnapshot, tags),
	})
	if err != nil {
		return nil, WrapError("CreateSnapshot", err)
	}
	b.log.Debug("Waiting for snapshot", slog.String("snapshotID", aws.StringValue(out.SnapshotId)))
	if err := b.waitSnapshot(ctx, aws.StringValue(out.SnapshotId)); err != nil {
		return nil, err
	}
	return snapshotFrom(out, b.region), nil
}

func (b *blockStorage) CopySnapshot(ctx context.Context, in interfaces.CopySnapshotInput) (*interfaces.Snapshot, error) {
	input := &ec2.CopySnapshotInput{
		SourceSnapshotId:  aws.String(in.SnapshotID),
		SourceRegion:      aws.String(in.SourceRegion),
		Description:       aws.String("evidence copy of " + in.SnapshotID),
		TagSpecifications: tagSpecification(ec2.ResourceTypeSnapshot, in.Tags),
	}
	if in.KeyID != "" {
		input.Encrypted = aws.Bool(true)
		input.KmsKeyId = aws.String(in.KeyID)
	}
	out, err := b.ec2.CopySnapshotWithContext(ctx, input)
	if err != nil {
		return nil, WrapError("CopySnapshot", err)
	}
	snapshotID := aws.StringValue(out.SnapshotId)
	if err := b.waitSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}

	described, err := b.ec2.DescribeSnapshotsWithContext(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: aws.StringSlice([]string{snapshotID}),
	})
	if err != nil {
		return nil, WrapError("DescribeSnapshots", err)
	}
	if len(described.Snapshots) == 0 {
		return nil, fmt.Errorf("%w: snapshot %s", interfaces.ErrResourceNotFound, snapshotID)
	}
	return snapshotFrom(described.Snapshots[0], b.region), nil
}

func (b *blockStorage) ShareSnapshot(ctx context.Context, snapshotID, accountID string) error {
	_, err := b.ec2.ModifySnapshotAttributeWithContext(ctx, &ec2.ModifySnapshotAttributeInput{
		SnapshotId:    aws.String(snapshotID),
		Attribute:     aws.String(ec2.SnapshotAttributeNameCreateVolumePermission),
		OperationType: aws.String(ec2.OperationTypeAdd),
		UserIds:       aws.StringSlice([]string{accountID}),
	})
	return WrapError("ModifySnapshotAttribute", err)
}

func (b *blockStorage) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := b.ec2.DeleteSnapshotWithContext(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	return WrapError("DeleteSnapshot", err)
}

func (b *blockStorage) CreateVolume(ctx context.Context, in interfaces.CreateVolumeInput) (*interfaces.Volume, error) {
	input := &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(in.Zone),
		SnapshotId:        aws.String(in.SnapshotID),
		TagSpecifications: tagSpecification(ec2.ResourceTypeVolume, in.Tags),
	}
	if in.ClientToken != "" {
		input.ClientToken = aws.String(in.ClientToken)
	}
	if in.Encrypted {
		input.Encrypted = aws.Bool(true)
	}
	if in.KeyID != "" {
		input.KmsKeyId = aws.String(in.KeyID)
	}
	out, err := b.ec2.CreateVolumeWithContext(ctx, input)
	if err != nil {
		return nil, WrapError("CreateVolume", err)
	}

	volumeID := aws.StringValue(out.VolumeId)
	err = b.ec2.WaitUntilVolumeAvailableWithContext(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: aws.StringSlice([]string{volumeID}),
	})
	if err != nil {
		return nil, WrapError("WaitUntilVolumeAvailable", err)
	}
	volume := volumeFrom(out)
	volume.State = interfaces.VolumeAvailable
	return volume, nil
}

func (b *blockStorage) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := b.ec2.DeleteVolumeWithContext(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
	return WrapError("DeleteVolume", err)
}

// ShareableKeyTag marks a customer managed key whose policy already lets
// destination accounts use it.
const ShareableKeyTag = "evidence-shareable"

// KeyShareable reports whether snapshots under the key can be shared as is.
// AWS managed keys never can; customer managed keys must opt in with
// ShareableKeyTag.
func (b *blockStorage) KeyShareable(ctx context.Context, keyID string) (bool, error) {
	out, err := b.kms.DescribeKeyWithContext(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return false, WrapError("DescribeKey", err)
	}
	if aws.StringValue(out.KeyMetadata.KeyManager) != kms.KeyManagerTypeCustomer {
		return false, nil
	}
	tags, err := b.kms.ListResourceTagsWithContext(ctx, &kms.ListResourceTagsInput{KeyId: out.KeyMetadata.KeyId})
	if err != nil {
		return false, WrapError("ListResourceTags", err)
	}
	for _, t := range tags.Tags {
		if aws.StringValue(t.TagKey) == ShareableKeyTag {
			return aws.StringValue(t.TagValue) == "true", nil
		}
	}
	return false, nil
}
