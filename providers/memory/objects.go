package memory

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

func (h *handle) CreateContainer(ctx context.Context, name string) error {
	if err := h.cloud.enter(ctx, "CreateContainer"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.containers[name]; ok {
		if existing.account == h.account {
			return nil
		}
		return providerErr("CreateContainer", "BucketAlreadyExists", interfaces.ErrConflict, "container %s exists", name)
	}
	c.containers[name] = &containerRecord{account: h.account, objects: map[string]*objectRecord{}}
	return nil
}

func (h *handle) DeleteContainer(ctx context.Context, name string) error {
	if err := h.cloud.enter(ctx, "DeleteContainer"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.containers[name]
	if !ok || ct.account != h.account {
		return notFound("DeleteContainer", "container", name)
	}
	delete(c.containers, name)
	return nil
}

func (h *handle) IssueToken(ctx context.Context, container, object string, ttl time.Duration) (string, time.Time, error) {
	if err := h.cloud.enter(ctx, "IssueToken"); err != nil {
		return "", time.Time{}, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.containers[container]
	if !ok || ct.account != h.account {
		return "", time.Time{}, notFound("IssueToken", "container", container)
	}
	obj, ok := ct.objects[object]
	if !ok {
		obj = &objectRecord{}
		ct.objects[object] = obj
	}
	obj.url = fmt.Sprintf("memory://%s/%s?sig=%s", container, object, uuid.New().String())
	obj.expires = c.now().Add(ttl)
	obj.revoked = false
	return obj.url, obj.expires, nil
}

func (h *handle) RevokeToken(ctx context.Context, container, object string) error {
	if err := h.cloud.enter(ctx, "RevokeToken"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.containers[container]
	if !ok || ct.account != h.account {
		return notFound("RevokeToken", "container", container)
	}
	if obj, ok := ct.objects[object]; ok {
		obj.revoked = true
	}
	return nil
}

// tokenObject resolves a share token to its staged object.
func (c *Cloud) tokenObject(op string, token interfaces.ShareToken) (*objectRecord, error) {
	ct, ok := c.containers[token.Container]
	if !ok {
		return nil, notFound(op, "container", token.Container)
	}
	obj, ok := ct.objects[token.Object]
	if !ok || obj.url == "" || obj.url != token.URL || obj.revoked {
		return nil, providerErr(op, "AccessDenied", interfaces.ErrUnauthorized, "share token is not valid")
	}
	if c.now().After(obj.expires) {
		return nil, providerErr(op, "ExpiredToken", interfaces.ErrTokenExpired, "share token expired")
	}
	return obj, nil
}

func (h *handle) ExportSnapshot(ctx context.Context, snapshotID string, token interfaces.ShareToken) error {
	if err := h.cloud.enter(ctx, "ExportSnapshot"); err != nil {
		return err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[snapshotID]
	if !ok || s.deleted || s.account != h.account {
		return notFound("ExportSnapshot", "snapshot", snapshotID)
	}
	obj, err := c.tokenObject("ExportSnapshot", token)
	if err != nil {
		return err
	}
	obj.snapshot = *s
	obj.snapshot.Tags = maps.Clone(s.Tags)
	return nil
}

// ImportSnapshot creates a snapshot from staged data. Encrypted data is
// re-encrypted under the importing account default key.
func (h *handle) ImportSnapshot(ctx context.Context, token interfaces.ShareToken, tags map[string]string) (*interfaces.Snapshot, error) {
	if err := h.cloud.enter(ctx, "ImportSnapshot"); err != nil {
		return nil, err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, err := c.tokenObject("ImportSnapshot", token)
	if err != nil {
		return nil, err
	}
	if obj.snapshot.ID == "" {
		return nil, notFound("ImportSnapshot", "object", token.Object)
	}

	s := &snapshotRecord{
		Snapshot: interfaces.Snapshot{
			ID:        c.nextID("snap"),
			Region:    h.region,
			VolumeID:  obj.snapshot.VolumeID,
			Encrypted: obj.snapshot.Encrypted,
			Tags:      maps.Clone(tags),
		},
		account:    h.account,
		sharedWith: map[string]bool{},
		sizeGB:     obj.snapshot.sizeGB,
	}
	if s.Encrypted {
		s.KeyID = DefaultKeyID(h.account)
	}
	c.snapshots[s.ID] = s
	out := s.Snapshot
	return &out, nil
}
