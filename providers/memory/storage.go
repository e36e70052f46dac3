package memory

import (
	"context"
	"maps"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

type handle struct {
	cloud   *Cloud
	account string
	region  string
}

func (h *handle) AccountID(ctx context.Context) (string, error) {
	if err := h.cloud.enter(ctx, "AccountID"); err != nil {
		return "", err
	}
	return h.account, nil
}

func (h *handle) GetVolume(ctx context.Context, volumeID string) (*interfaces.Volume, error) {
	if err := h.cloud.enter(ctx, "GetVolume"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[volumeID]
	if !ok || v.deleted || v.account != h.account || interfaces.RegionOf(v.Zone) != h.region {
		return nil, notFound("GetVolume", "volume", volumeID)
	}
	out := v.Volume
	out.Tags = maps.Clone(v.Tags)
	return &out, nil
}

func (h *handle) FindSnapshot(ctx context.Context, token string) (*interfaces.Snapshot, error) {
	if err := h.cloud.enter(ctx, "FindSnapshot"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.snapshots {
		if !s.deleted && s.account == h.account && s.Region == h.region && s.Tags[interfaces.TagToken] == token {
			out := s.Snapshot
			return &out, nil
		}
	}
	return nil, nil
}

func (h *handle) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*interfaces.Snapshot, error) {
	if err := h.cloud.enter(ctx, "CreateSnapshot"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[volumeID]
	if !ok || v.deleted || v.account != h.account {
		return nil, notFound("CreateSnapshot", "volume", volumeID)
	}
	s := &snapshotRecord{
		Snapshot: interfaces.Snapshot{
			ID:        c.nextID("snap"),
			Region:    h.region,
			VolumeID:  volumeID,
			Encrypted: v.Encrypted,
			KeyID:     v.KeyID,
			Tags:      maps.Clone(tags),
		},
		account:    h.account,
		sharedWith: map[string]bool{},
		sizeGB:     v.SizeGB,
	}
	c.snapshots[s.ID] = s
	out := s.Snapshot
	return &out, nil
}

// canUseKey reports whether account may decrypt data under keyID. Provider
// managed default keys are usable by their owner only.
func (c *Cloud) canUseKey(account, keyID string) bool {
	k, ok := c.keys[keyID]
	if !ok {
		return keyID == DefaultKeyID(account)
	}
	if k.deleted {
		return false
	}
	return k.account == account || k.grants[account]
}

// visibleSnapshot returns a snapshot the account owns or that is shared with it.
func (c *Cloud) visibleSnapshot(account, snapshotID string) (*snapshotRecord, bool) {
	s, ok := c.snapshots[snapshotID]
	if !ok || s.deleted {
		return nil, false
	}
	if s.account != account && !s.sharedWith[account] {
		return nil, false
	}
	return s, true
}

func (h *handle) CopySnapshot(ctx context.Context, in interfaces.CopySnapshotInput) (*interfaces.Snapshot, error) {
	if err := h.cloud.enter(ctx, "CopySnapshot"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.visibleSnapshot(h.account, in.SnapshotID)
	if !ok || src.Region != in.SourceRegion {
		return nil, notFound("CopySnapshot", "snapshot", in.SnapshotID)
	}
	if (src.Region != h.region || src.account != h.account) && !c.opts.NativeCopy {
		return nil, providerErr("CopySnapshot", "UnsupportedOperation", interfaces.ErrInvalidRequest, "cross-boundary copy is not supported")
	}
	if src.Encrypted && !c.canUseKey(h.account, src.KeyID) {
		return nil, providerErr("CopySnapshot", "AccessDenied", interfaces.ErrUnauthorized, "no access to key %s", src.KeyID)
	}

	copied := &snapshotRecord{
		Snapshot: interfaces.Snapshot{
			ID:        c.nextID("snap"),
			Region:    h.region,
			VolumeID:  src.VolumeID,
			Encrypted: src.Encrypted,
			KeyID:     src.KeyID,
			Tags:      maps.Clone(in.Tags),
		},
		account:    h.account,
		sharedWith: map[string]bool{},
		sizeGB:     src.sizeGB,
	}
	switch {
	case in.KeyID != "":
		if !c.canUseKey(h.account, in.KeyID) {
			return nil, providerErr("CopySnapshot", "AccessDenied", interfaces.ErrUnauthorized, "no access to key %s", in.KeyID)
		}
		copied.Encrypted = true
		copied.KeyID = in.KeyID
	case src.Encrypted && src.account != h.account:
		copied.KeyID = DefaultKeyID(h.account)
	}
	c.snapshots[copied.ID] = copied
	out := copied.Snapshot
	return &out, nil
}

func (h *handle) ShareSnapshot(ctx context.Context, snapshotID, accountID string) error {
	if err := h.cloud.enter(ctx, "ShareSnapshot"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[snapshotID]
	if !ok || s.deleted || s.account != h.account {
		return notFound("ShareSnapshot", "snapshot", snapshotID)
	}
	if !c.opts.NativeCopy {
		return providerErr("ShareSnapshot", "UnsupportedOperation", interfaces.ErrInvalidRequest, "snapshot sharing is not supported")
	}
	if s.Encrypted && s.KeyID == DefaultKeyID(h.account) {
		return providerErr("ShareSnapshot", "InvalidParameter", interfaces.ErrInvalidRequest, "snapshots encrypted with the default key cannot be shared")
	}
	s.sharedWith[accountID] = true
	return nil
}

func (h *handle) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := h.cloud.enter(ctx, "DeleteSnapshot"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[snapshotID]
	if !ok || s.deleted || s.account != h.account {
		return notFound("DeleteSnapshot", "snapshot", snapshotID)
	}
	s.deleted = true
	return nil
}

func (h *handle) CreateVolume(ctx context.Context, in interfaces.CreateVolumeInput) (*interfaces.Volume, error) {
	if err := h.cloud.enter(ctx, "CreateVolume"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if in.ClientToken != "" {
		for _, v := range c.volumes {
			if v.account != h.account || v.token != in.ClientToken {
				continue
			}
			if v.Zone != in.Zone || v.snapshot != in.SnapshotID {
				return nil, providerErr("CreateVolume", "IdempotentParameterMismatch", interfaces.ErrConflict, "client token %s reused with different parameters", in.ClientToken)
			}
			out := v.Volume
			out.Tags = maps.Clone(v.Tags)
			return &out, nil
		}
	}

	if interfaces.RegionOf(in.Zone) != h.region {
		return nil, providerErr("CreateVolume", "InvalidZone", interfaces.ErrInvalidRequest, "zone %s is not in region %s", in.Zone, h.region)
	}
	s, ok := c.visibleSnapshot(h.account, in.SnapshotID)
	if !ok || s.Region != h.region {
		return nil, notFound("CreateVolume", "snapshot", in.SnapshotID)
	}
	if s.Encrypted && !c.canUseKey(h.account, s.KeyID) {
		return nil, providerErr("CreateVolume", "AccessDenied", interfaces.ErrUnauthorized, "no access to key %s", s.KeyID)
	}

	v := &volumeRecord{
		Volume: interfaces.Volume{
			ID:        c.nextID("vol"),
			Zone:      in.Zone,
			SizeGB:    s.sizeGB,
			State:     interfaces.VolumeAvailable,
			Encrypted: s.Encrypted || in.Encrypted,
			Tags:      maps.Clone(in.Tags),
		},
		account:  h.account,
		token:    in.ClientToken,
		snapshot: in.SnapshotID,
	}
	switch {
	case in.KeyID != "":
		if !c.canUseKey(h.account, in.KeyID) {
			return nil, providerErr("CreateVolume", "AccessDenied", interfaces.ErrUnauthorized, "no access to key %s", in.KeyID)
		}
		v.KeyID = in.KeyID
		v.Encrypted = true
	case s.Encrypted && s.account == h.account:
		v.KeyID = s.KeyID
	case v.Encrypted:
		v.KeyID = DefaultKeyID(h.account)
	}
	c.volumes[v.ID] = v
	out := v.Volume
	out.Tags = maps.Clone(v.Tags)
	return &out, nil
}

func (h *handle) DeleteVolume(ctx context.Context, volumeID string) error {
	if err := h.cloud.enter(ctx, "DeleteVolume"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[volumeID]
	if !ok || v.deleted || v.account != h.account {
		return notFound("DeleteVolume", "volume", volumeID)
	}
	v.deleted = true
	v.State = interfaces.VolumeDeleted
	return nil
}

// KeyShareable reports true for customer managed keys; their policy can be
// extended to other accounts. Default keys are never shareable.
func (h *handle) KeyShareable(ctx context.Context, keyID string) (bool, error) {
	if err := h.cloud.enter(ctx, "KeyShareable"); err != nil {
		return false, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if keyID == DefaultKeyID(h.account) {
		return false, nil
	}
	k, ok := c.keys[keyID]
	if !ok || k.deleted {
		return false, notFound("KeyShareable", "key", keyID)
	}
	return true, nil
}
