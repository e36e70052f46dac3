package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, c *Cloud, profile, region string) *interfaces.Provider {
	t.Helper()
	p, err := c.Connect(context.Background(), interfaces.Account{Provider: interfaces.ProviderMemory, Profile: profile}, region)
	require.NoError(t, err)
	return p
}

func TestConnect(t *testing.T) {
	c := NewCloud(Options{NativeCopy: true})
	p := connect(t, c, "", "us-east-1")
	assert.True(t, p.Capabilities.NativeCrossBoundaryCopy)
	assert.Nil(t, p.Transfer)

	id, err := p.Storage.AccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultAccountID, id)

	_, err = c.Connect(context.Background(), interfaces.Account{Provider: interfaces.ProviderAWS}, "us-east-1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	staged := NewCloud(Options{})
	assert.NotNil(t, connect(t, staged, "", "us-east-1").Transfer)
}

func TestDefaultKeySnapshotCannotBeShared(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{NativeCopy: true})
	c.AddVolume("111", interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 10, Encrypted: true})
	p := connect(t, c, "111", "us-east-1")

	snap, err := p.Storage.CreateSnapshot(ctx, "vol-a", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyID("111"), snap.KeyID)

	err = p.Storage.ShareSnapshot(ctx, snap.ID, "222")
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
	assert.ErrorIs(t, err, interfaces.ErrProvider)

	shareable, err := p.Storage.KeyShareable(ctx, snap.KeyID)
	require.NoError(t, err)
	assert.False(t, shareable)
}

func TestCreateVolumeClientToken(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{NativeCopy: true})
	c.AddVolume("111", interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 10})
	p := connect(t, c, "111", "us-east-1")

	snap, err := p.Storage.CreateSnapshot(ctx, "vol-a", map[string]string{interfaces.TagToken: "tok"})
	require.NoError(t, err)

	found, err := p.Storage.FindSnapshot(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, found.ID)

	v1, err := p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: snap.ID, Zone: "us-east-1b", ClientToken: "tok"})
	require.NoError(t, err)
	v2, err := p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: snap.ID, Zone: "us-east-1b", ClientToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)

	_, err = p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: snap.ID, Zone: "us-east-1c", ClientToken: "tok"})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestCreateVolumeClientTokenDifferentSnapshot(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{NativeCopy: true})
	c.AddVolume("111", interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 10})
	p := connect(t, c, "111", "us-east-1")

	first, err := p.Storage.CreateSnapshot(ctx, "vol-a", nil)
	require.NoError(t, err)
	second, err := p.Storage.CreateSnapshot(ctx, "vol-a", nil)
	require.NoError(t, err)

	v, err := p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: first.ID, Zone: "us-east-1b", ClientToken: "tok"})
	require.NoError(t, err)

	_, err = p.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{SnapshotID: second.ID, Zone: "us-east-1b", ClientToken: "tok"})
	require.ErrorIs(t, err, interfaces.ErrConflict)
	var perr *interfaces.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "IdempotentParameterMismatch", perr.Code)

	assert.Len(t, c.Volumes("111"), 2)
	_, err = p.Storage.GetVolume(ctx, v.ID)
	require.NoError(t, err)
}

func TestStagedTransfer(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{})
	c.AddVolume("111", interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 10, Encrypted: true})
	src := connect(t, c, "111", "us-east-1")
	dst := connect(t, c, "222", "eu-west-1")

	snap, err := src.Storage.CreateSnapshot(ctx, "vol-a", nil)
	require.NoError(t, err)

	require.NoError(t, src.Objects.CreateContainer(ctx, "bucket"))
	url, _, err := src.Objects.IssueToken(ctx, "bucket", "snapshot.img", time.Hour)
	require.NoError(t, err)
	token := interfaces.ShareToken{Container: "bucket", Object: "snapshot.img", URL: url}

	require.NoError(t, src.Transfer.ExportSnapshot(ctx, snap.ID, token))
	imported, err := dst.Transfer.ImportSnapshot(ctx, token, nil)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", imported.Region)
	assert.Equal(t, DefaultKeyID("222"), imported.KeyID)

	require.NoError(t, src.Objects.RevokeToken(ctx, "bucket", "snapshot.img"))
	_, err = dst.Transfer.ImportSnapshot(ctx, token, nil)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	require.NoError(t, src.Objects.DeleteContainer(ctx, "bucket"))
	assert.Empty(t, c.Containers())
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{})
	p := connect(t, c, "111", "us-east-1")

	c.Fail("CreateKey", interfaces.ErrThrottled, 1)
	_, err := p.Keys.CreateKey(ctx, "", nil)
	require.Error(t, err)
	var pe *interfaces.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)

	id, err := p.Keys.CreateKey(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, c.LiveKeys())
	assert.Equal(t, 2, c.Calls("CreateKey"))
}

func TestAttachVolumeConflicts(t *testing.T) {
	ctx := context.Background()
	c := NewCloud(Options{})
	c.AddVolume("111", interfaces.Volume{ID: "vol-a", Zone: "us-east-1a"})
	c.AddVolume("111", interfaces.Volume{ID: "vol-b", Zone: "us-east-1a"})
	p := connect(t, c, "111", "us-east-1")

	inst, err := p.Compute.RunInstance(ctx, interfaces.InstanceSpec{Name: "analysis", Zone: "us-east-1a", ImageID: AnalysisImage, CPUCores: 4})
	require.NoError(t, err)

	require.NoError(t, p.Compute.AttachVolume(ctx, inst.ID, "vol-a", "/dev/sdf"))
	require.NoError(t, p.Compute.AttachVolume(ctx, inst.ID, "vol-a", "/dev/sdf"))
	assert.ErrorIs(t, p.Compute.AttachVolume(ctx, inst.ID, "vol-b", "/dev/sdf"), interfaces.ErrAttachmentConflict)
	assert.ErrorIs(t, p.Compute.AttachVolume(ctx, inst.ID, "vol-b", BootDevice), interfaces.ErrAttachmentConflict)

	c.SetMaxCores(8)
	_, err = p.Compute.RunInstance(ctx, interfaces.InstanceSpec{Name: "big", Zone: "us-east-1a", ImageID: AnalysisImage, CPUCores: 16})
	assert.ErrorIs(t, err, interfaces.ErrCapacity)
}
