package memory

import (
	"context"
	"maps"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// BootDevice is the device path of instance boot volumes.
const BootDevice = "/dev/sda1"

func (h *handle) ownedInstance(op, instanceID string) (*instanceRecord, error) {
	inst, ok := h.cloud.instances[instanceID]
	if !ok || inst.account != h.account || interfaces.RegionOf(inst.Zone) != h.region || inst.State == interfaces.InstanceTerminated {
		return nil, notFound(op, "instance", instanceID)
	}
	return inst, nil
}

func copyInstance(inst *instanceRecord) *interfaces.Instance {
	out := inst.Instance
	out.Devices = maps.Clone(inst.Devices)
	return &out
}

func (h *handle) GetInstance(ctx context.Context, instanceID string) (*interfaces.Instance, error) {
	if err := h.cloud.enter(ctx, "GetInstance"); err != nil {
		return nil, err
	}
	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()

	inst, err := h.ownedInstance("GetInstance", instanceID)
	if err != nil {
		return nil, err
	}
	return copyInstance(inst), nil
}

func (h *handle) FindInstance(ctx context.Context, name string) (*interfaces.Instance, error) {
	if err := h.cloud.enter(ctx, "FindInstance"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inst := range c.instances {
		if inst.Name == name && inst.account == h.account && interfaces.RegionOf(inst.Zone) == h.region && inst.State != interfaces.InstanceTerminated {
			return copyInstance(inst), nil
		}
	}
	return nil, nil
}

func (h *handle) RunInstance(ctx context.Context, spec interfaces.InstanceSpec) (*interfaces.Instance, error) {
	if err := h.cloud.enter(ctx, "RunInstance"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if spec.ClientToken != "" {
		for _, inst := range c.instances {
			if inst.account == h.account && inst.token == spec.ClientToken {
				return copyInstance(inst), nil
			}
		}
	}
	if interfaces.RegionOf(spec.Zone) != h.region {
		return nil, providerErr("RunInstance", "InvalidZone", interfaces.ErrInvalidRequest, "zone %s is not in region %s", spec.Zone, h.region)
	}
	if _, ok := c.images[spec.ImageID]; !ok {
		return nil, notFound("RunInstance", "image", spec.ImageID)
	}
	if spec.CPUCores > c.maxCores {
		return nil, providerErr("RunInstance", "InsufficientInstanceCapacity", interfaces.ErrCapacity, "no capacity for %d cores", spec.CPUCores)
	}

	boot := &volumeRecord{
		Volume: interfaces.Volume{
			ID:     c.nextID("vol"),
			Zone:   spec.Zone,
			SizeGB: spec.BootDiskSizeGB,
			State:  interfaces.VolumeInUse,
		},
		account: h.account,
	}
	c.volumes[boot.ID] = boot

	inst := &instanceRecord{
		Instance: interfaces.Instance{
			ID:           c.nextID("i"),
			Name:         spec.Name,
			Zone:         spec.Zone,
			State:        interfaces.InstancePending,
			BootVolumeID: boot.ID,
			Devices:      map[string]string{BootDevice: boot.ID},
		},
		account: h.account,
		token:   spec.ClientToken,
	}
	c.instances[inst.ID] = inst
	return copyInstance(inst), nil
}

func (h *handle) AttachVolume(ctx context.Context, instanceID, volumeID, device string) error {
	if err := h.cloud.enter(ctx, "AttachVolume"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, err := h.ownedInstance("AttachVolume", instanceID)
	if err != nil {
		return err
	}
	v, ok := c.volumes[volumeID]
	if !ok || v.deleted || v.account != h.account {
		return notFound("AttachVolume", "volume", volumeID)
	}
	if attached, used := inst.Devices[device]; used {
		if attached == volumeID {
			return nil
		}
		return providerErr("AttachVolume", "InvalidParameterValue", interfaces.ErrAttachmentConflict, "device %s is already in use", device)
	}
	if v.State == interfaces.VolumeInUse {
		return providerErr("AttachVolume", "VolumeInUse", interfaces.ErrAttachmentConflict, "volume %s is already attached", volumeID)
	}
	if v.Zone != inst.Zone {
		return providerErr("AttachVolume", "InvalidVolume.ZoneMismatch", interfaces.ErrInvalidRequest, "volume %s is in %s, instance in %s", volumeID, v.Zone, inst.Zone)
	}
	inst.Devices[device] = volumeID
	v.State = interfaces.VolumeInUse
	return nil
}

func (h *handle) ConsoleOutput(ctx context.Context, instanceID string) (string, error) {
	if err := h.cloud.enter(ctx, "ConsoleOutput"); err != nil {
		return "", err
	}
	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()

	inst, err := h.ownedInstance("ConsoleOutput", instanceID)
	if err != nil {
		return "", err
	}
	return inst.console, nil
}

func (h *handle) TerminateInstance(ctx context.Context, instanceID string) error {
	if err := h.cloud.enter(ctx, "TerminateInstance"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, err := h.ownedInstance("TerminateInstance", instanceID)
	if err != nil {
		return err
	}
	inst.State = interfaces.InstanceTerminated
	for _, volumeID := range inst.Devices {
		if v, ok := c.volumes[volumeID]; ok {
			if volumeID == inst.BootVolumeID {
				v.deleted = true
				v.State = interfaces.VolumeDeleted
			} else {
				v.State = interfaces.VolumeAvailable
			}
		}
	}
	return nil
}
