package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// instanceTypes maps core counts to the instance type used for analysis.
var instanceTypes = map[int]string{
	1:   "t2.small",
	2:   "m4.large",
	4:   "m4.xlarge",
	8:   "m4.2xlarge",
	16:  "m4.4xlarge",
	32:  "m5.8xlarge",
	40:  "m4.10xlarge",
	48:  "m5.12xlarge",
	64:  "m4.16xlarge",
	96:  "m5.24xlarge",
	128: "x1.32xlarge",
}

// InstanceTypeForCores returns the instance type with the given core count.
func InstanceTypeForCores(cores int) (string, error) {
	t, ok := instanceTypes[cores]
	if !ok {
		return "", fmt.Errorf("%w: no instance type with %d cores", interfaces.ErrCapacity, cores)
	}
	return t, nil
}

type compute struct {
	ec2 ec2iface.EC2API
	log *slog.Logger
}

var liveInstanceStates = []string{
	ec2.InstanceStateNamePending,
	ec2.InstanceStateNameRunning,
	ec2.InstanceStateNameStopping,
	ec2.InstanceStateNameStopped,
}

func instanceFrom(i *ec2.Instance) *interfaces.Instance {
	inst := &interfaces.Instance{
		ID:      aws.StringValue(i.InstanceId),
		Devices: make(map[string]string, len(i.BlockDeviceMappings)),
	}
	if i.Placement != nil {
		inst.Zone = aws.StringValue(i.Placement.AvailabilityZone)
	}
	if i.State != nil {
		inst.State = interfaces.InstanceState(aws.StringValue(i.State.Name))
	}
	for _, t := range i.Tags {
		if aws.StringValue(t.Key) == "Name" {
			inst.Name = aws.StringValue(t.Value)
		}
	}
	root := aws.StringValue(i.RootDeviceName)
	for _, m := range i.BlockDeviceMappings {
		if m.Ebs == nil {
			continue
		}
		device := aws.StringValue(m.DeviceName)
		inst.Devices[device] = aws.StringValue(m.Ebs.VolumeId)
		if device == root {
			inst.BootVolumeID = aws.StringValue(m.Ebs.VolumeId)
		}
	}
	return inst
}

func (c *compute) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]*ec2.Instance, error) {
	var out []*ec2.Instance
	err := c.ec2.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2.DescribeInstancesOutput, _ bool) bool {
		for _, r := range page.Reservations {
			out = append(out, r.Instances...)
		}
		return true
	})
	if err != nil {
		return nil, WrapError("DescribeInstances", err)
	}
	return out, nil
}

func (c *compute) GetInstance(ctx context.Context, instanceID string) (*interfaces.Instance, error) {
	instances, err := c.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: aws.StringSlice([]string{instanceID})})
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: instance %s", interfaces.ErrResourceNotFound, instanceID)
	}
	return instanceFrom(instances[0]), nil
}

func (c *compute) FindInstance(ctx context.Context, name string) (*interfaces.Instance, error) {
	instances, err := c.describe(ctx, &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:Name"), Values: aws.StringSlice([]string{name})},
			{Name: aws.String("instance-state-name"), Values: aws.StringSlice(liveInstanceStates)},
		},
	})
	if err != nil || len(instances) == 0 {
		return nil, err
	}
	return instanceFrom(instances[0]), nil
}

func (c *compute) rootDevice(ctx context.Context, imageID string) (string, error) {
	out, err := c.ec2.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{ImageIds: aws.StringSlice([]string{imageID})})
	if err != nil {
		return "", WrapError("DescribeImages", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: image %s", interfaces.ErrResourceNotFound, imageID)
	}
	return aws.StringValue(out.Images[0].RootDeviceName), nil
}

func (c *compute) RunInstance(ctx context.Context, spec interfaces.InstanceSpec) (*interfaces.Instance, error) {
	instanceType, err := InstanceTypeForCores(spec.CPUCores)
	if err != nil {
		return nil, err
	}
	root, err := c.rootDevice(ctx, spec.ImageID)
	if err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: aws.String(instanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		Placement:    &ec2.Placement{AvailabilityZone: aws.String(spec.Zone)},
		BlockDeviceMappings: []*ec2.BlockDeviceMapping{{
			DeviceName: aws.String(root),
			Ebs: &ec2.EbsBlockDevice{
				VolumeSize:          aws.Int64(spec.BootDiskSizeGB),
				VolumeType:          aws.String(ec2.VolumeTypeGp3),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		TagSpecifications: tagSpecification(ec2.ResourceTypeInstance, spec.Tags),
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.ClientToken != "" {
		input.ClientToken = aws.String(spec.ClientToken)
	}

	out, err := c.ec2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, WrapError("RunInstances", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("%w: RunInstances returned no instance", interfaces.ErrProvider)
	}
	inst := instanceFrom(out.Instances[0])
	inst.Name = spec.Name
	c.log.Info("Launched instance", slog.String("instanceID", inst.ID), slog.String("instanceType", instanceType))
	return inst, nil
}

// AttachVolume waits for the instance to run, attaches the volume and waits
// for the attachment to settle.
func (c *compute) AttachVolume(ctx context.Context, instanceID, volumeID, device string) error {
	err := c.ec2.WaitUntilInstanceRunningWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	if err != nil {
		return WrapError("WaitUntilInstanceRunning", err)
	}

	_, err = c.ec2.AttachVolumeWithContext(ctx, &ec2.AttachVolumeInput{
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
		Device:     aws.String(device),
	})
	if err != nil {
		err = WrapError("AttachVolume", err)
		if errorCode(err) == "InvalidParameterValue" {
			return fmt.Errorf("%w: %w", interfaces.ErrAttachmentConflict, err)
		}
		return err
	}

	err = c.ec2.WaitUntilVolumeInUseWithContext(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: aws.StringSlice([]string{volumeID}),
	})
	return WrapError("WaitUntilVolumeInUse", err)
}

func (c *compute) ConsoleOutput(ctx context.Context, instanceID string) (string, error) {
	out, err := c.ec2.GetConsoleOutputWithContext(ctx, &ec2.GetConsoleOutputInput{
		InstanceId: aws.String(instanceID),
		Latest:     aws.Bool(true),
	})
	if err != nil {
		return "", WrapError("GetConsoleOutput", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(aws.StringValue(out.Output))
	if err != nil {
		return "", fmt.Errorf("%w: decoding console output: %w", interfaces.ErrProvider, err)
	}
	return string(decoded), nil
}

func (c *compute) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	return WrapError("TerminateInstances", err)
}
