package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/kms"
	"github.com/ruteri/cloud-evidence-backend/providers/memory"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	accountA = "111111111111"
	accountB = "222222222222"
)

func account(id string) interfaces.Account {
	return interfaces.Account{Provider: interfaces.ProviderMemory, Profile: id}
}

func newTestOrchestrator(cloud *memory.Cloud, cfg Config) (*Orchestrator, *kms.MemoryLedger) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Policy{Name: "test", MaxAttempts: 2, BaseDelay: time.Millisecond, Idempotent: true}
	}
	ledger := kms.NewMemoryLedger()
	return New(cfg, cloud, retry.NewExecutor(log), ledger, log), ledger
}

// assertNoLeftovers checks that no intermediate resource survived the copy.
func assertNoLeftovers(t *testing.T, cloud *memory.Cloud, ledger *kms.MemoryLedger) {
	t.Helper()
	assert.Empty(t, cloud.Snapshots(), "snapshots")
	assert.Empty(t, cloud.LiveKeys(), "keys")
	assert.Empty(t, cloud.Containers(), "containers")

	outstanding, err := ledger.Outstanding(context.Background(), "memory/"+accountA+"/us-east-1")
	require.NoError(t, err)
	for _, key := range outstanding {
		assert.NotEqual(t, interfaces.KeyCreated, key.State)
		assert.NotEqual(t, interfaces.KeyGranted, key.State)
	}
}

func TestCopyVolumeCrossAccountDefaultKey(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
		Tags:        map[string]string{"case": "IR-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, accountB, result.AccountID)
	assert.Equal(t, "us-east-1a", result.Zone)
	assert.Equal(t, interfaces.EncryptionReEncrypted, result.Encryption)
	assert.Equal(t, memory.DefaultKeyID(accountB), result.KeyID)
	assert.Equal(t, "vol-a", result.SourceRef)

	volumes := cloud.Volumes(accountB)
	require.Len(t, volumes, 1)
	assert.Equal(t, result.VolumeID, volumes[0].ID)
	assert.Equal(t, int64(20), volumes[0].SizeGB)
	assert.Equal(t, "IR-1", volumes[0].Tags["case"])
	assert.Equal(t, result.Token, volumes[0].Tags[interfaces.TagToken])

	assert.Equal(t, 1, cloud.Calls("CreateKey"))
	assert.Equal(t, 1, cloud.Calls("DeleteKey"))
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeCrossAccountShareableKey(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddCustomerKey(accountA, "key-cmk", accountB)
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true, KeyID: "key-cmk"})
	o, _ := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.EncryptionInherited, result.Encryption)
	assert.Equal(t, 0, cloud.Calls("CreateKey"))
	assert.Empty(t, cloud.Snapshots())
}

func TestCopyVolumeCrossZoneOnly(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:          account(accountA),
		SourceZone:      "us-east-1a",
		DestinationZone: "us-east-1b",
		VolumeID:        "vol-a",
	})
	require.NoError(t, err)
	assert.Equal(t, accountA, result.AccountID)
	assert.Equal(t, "us-east-1b", result.Zone)
	assert.Equal(t, interfaces.EncryptionInherited, result.Encryption)
	assert.Equal(t, memory.DefaultKeyID(accountA), result.KeyID)

	assert.Equal(t, 1, cloud.Calls("CreateSnapshot"))
	assert.Equal(t, 0, cloud.Calls("CreateKey"))
	assert.Equal(t, 0, cloud.Calls("ShareSnapshot"))
	assert.Equal(t, 0, cloud.Calls("CopySnapshot"))
	assert.Equal(t, 0, cloud.Calls("CreateContainer"))
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeCrossRegionCrossAccount(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:          account(accountA),
		Destination:     account(accountB),
		SourceZone:      "us-east-1a",
		DestinationZone: "eu-west-1b",
		VolumeID:        "vol-a",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1b", result.Zone)
	assert.Equal(t, interfaces.EncryptionReEncrypted, result.Encryption)
	assert.Equal(t, 2, cloud.Calls("CopySnapshot"))
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeInstanceBootVolume(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-boot", Zone: "us-east-1a", SizeGB: 8, State: interfaces.VolumeInUse})
	cloud.AddInstance(accountA, interfaces.Instance{ID: "i-1", Zone: "us-east-1a", BootVolumeID: "vol-boot"})
	o, _ := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:     account(accountA),
		SourceZone: "us-east-1a",
		InstanceID: "i-1",
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.EncryptionUnencrypted, result.Encryption)
	assert.Equal(t, "i-1", result.SourceRef)
	assert.Len(t, cloud.Volumes(accountA), 2)
}

func TestCopyVolumeInvalidRequests(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-busy", Zone: "us-east-1a", State: interfaces.VolumeCreating})
	o, _ := newTestOrchestrator(cloud, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  interfaces.VolumeCopyRequest
		want error
	}{
		{"neither reference", interfaces.VolumeCopyRequest{Source: account(accountA), SourceZone: "us-east-1a"}, interfaces.ErrInvalidRequest},
		{"both references", interfaces.VolumeCopyRequest{Source: account(accountA), SourceZone: "us-east-1a", VolumeID: "vol-a", InstanceID: "i-1"}, interfaces.ErrInvalidRequest},
		{"cross provider", interfaces.VolumeCopyRequest{Source: account(accountA), Destination: interfaces.Account{Provider: interfaces.ProviderAWS}, SourceZone: "us-east-1a", VolumeID: "vol-a"}, interfaces.ErrInvalidRequest},
		{"missing volume", interfaces.VolumeCopyRequest{Source: account(accountA), SourceZone: "us-east-1a", VolumeID: "vol-missing"}, interfaces.ErrResourceNotFound},
		{"missing instance", interfaces.VolumeCopyRequest{Source: account(accountA), SourceZone: "us-east-1a", InstanceID: "i-missing"}, interfaces.ErrResourceNotFound},
		{"unstable volume", interfaces.VolumeCopyRequest{Source: account(accountA), SourceZone: "us-east-1a", VolumeID: "vol-busy"}, interfaces.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CopyVolume(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var copyErr *CopyError
			require.ErrorAs(t, err, &copyErr)
			assert.Equal(t, StepResolve, copyErr.Step)
		})
	}
	assert.Equal(t, 0, cloud.Calls("CreateSnapshot"))
}

func TestCopyVolumeCleanupOnFailure(t *testing.T) {
	tests := []struct {
		op   string
		step Step
	}{
		{"CreateSnapshot", StepSnapshot},
		{"KeyShareable", StepReEncrypt},
		{"CreateKey", StepReEncrypt},
		{"GrantKey", StepReEncrypt},
		{"ShareSnapshot", StepShare},
		{"CopySnapshot", StepReEncrypt},
		{"CreateVolume", StepMaterialize},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			cloud := memory.NewCloud(memory.Options{NativeCopy: true})
			cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
			o, ledger := newTestOrchestrator(cloud, Config{})

			injected := errors.New("injected " + tt.op + " failure")
			cloud.Fail(tt.op, injected, 0)

			_, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
				Source:          account(accountA),
				Destination:     account(accountB),
				SourceZone:      "us-east-1a",
				DestinationZone: "eu-west-1a",
				VolumeID:        "vol-a",
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrProvider)
			assert.ErrorIs(t, err, injected)

			var copyErr *CopyError
			require.ErrorAs(t, err, &copyErr)
			assert.Equal(t, tt.step, copyErr.Step)
			assert.NoError(t, copyErr.Cleanup)

			assert.Empty(t, cloud.Volumes(accountB))
			assertNoLeftovers(t, cloud, ledger)
		})
	}
}

func TestCopyVolumeTransferFailureCleansUp(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20})
	o, ledger := newTestOrchestrator(cloud, Config{})

	cloud.Fail("CopySnapshot", errors.New("region unavailable"), 0)
	_, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:          account(accountA),
		SourceZone:      "us-east-1a",
		DestinationZone: "eu-west-1a",
		VolumeID:        "vol-a",
	})
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, StepTransfer, copyErr.Step)
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeCleanupFailureIsSecondary(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20})
	o, _ := newTestOrchestrator(cloud, Config{})

	materializeErr := errors.New("volume limit exceeded")
	cloud.Fail("CreateVolume", materializeErr, 1)
	cloud.Fail("DeleteSnapshot", errors.New("snapshot locked"), 1)

	req := interfaces.VolumeCopyRequest{
		Source:          account(accountA),
		SourceZone:      "us-east-1a",
		DestinationZone: "us-east-1b",
		VolumeID:        "vol-a",
	}
	_, err := o.CopyVolume(context.Background(), req)
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, StepMaterialize, copyErr.Step)
	assert.ErrorIs(t, err, materializeErr)
	require.Error(t, copyErr.Cleanup)
	assert.Contains(t, copyErr.Cleanup.Error(), "snapshot locked")
	require.Len(t, cloud.Snapshots(), 1)

	// A retried request converges on the snapshot left behind.
	result, err := o.CopyVolume(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, cloud.Calls("CreateSnapshot"))
	assert.Equal(t, "us-east-1b", result.Zone)
	assert.Empty(t, cloud.Snapshots())
}

func TestCopyVolumeKeyReleasedBeforeDeletion(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	// The re-encrypted snapshot cannot be deleted, so the key it depends on
	// must not be deleted either; its grant is still revoked.
	cloud.Fail("CreateVolume", errors.New("boom"), 1)
	cloud.Fail("DeleteSnapshot", errors.New("snapshot locked"), 1)

	_, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	})
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.ErrorIs(t, copyErr.Cleanup, interfaces.ErrKeyInUse)

	keys := cloud.LiveKeys()
	require.Len(t, keys, 1)
	assert.Empty(t, cloud.KeyGrants(keys[0]))

	outstanding, err := ledger.Outstanding(context.Background(), "memory/"+accountA+"/us-east-1")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, interfaces.KeyRevoked, outstanding[0].State)
	assert.Len(t, outstanding[0].Dependents, 1, "the undeleted snapshot still needs the key")
}

func TestCopyVolumeStaged(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	result, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:          account(accountA),
		Destination:     account(accountB),
		SourceZone:      "us-east-1a",
		DestinationZone: "eu-west-1a",
		VolumeID:        "vol-a",
	})
	require.NoError(t, err)
	assert.Equal(t, accountB, result.AccountID)
	assert.Equal(t, memory.DefaultKeyID(accountB), result.KeyID)

	assert.Equal(t, 1, cloud.Calls("ExportSnapshot"))
	assert.Equal(t, 1, cloud.Calls("ImportSnapshot"))
	assert.Equal(t, 1, cloud.Calls("DeleteContainer"))
	assert.Equal(t, 0, cloud.Calls("ShareSnapshot"))
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeStagedFailureClosesChannel(t *testing.T) {
	for _, op := range []string{"ExportSnapshot", "ImportSnapshot", "IssueToken"} {
		t.Run(op, func(t *testing.T) {
			cloud := memory.NewCloud(memory.Options{})
			cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20})
			o, ledger := newTestOrchestrator(cloud, Config{})
			cloud.Fail(op, errors.New("staging failed"), 0)

			_, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
				Source:      account(accountA),
				Destination: account(accountB),
				SourceZone:  "us-east-1a",
				VolumeID:    "vol-a",
			})
			var copyErr *CopyError
			require.ErrorAs(t, err, &copyErr)
			assert.Equal(t, StepTransfer, copyErr.Step)
			assertNoLeftovers(t, cloud, ledger)
		})
	}
}

func TestCopyVolumeConcurrentIdenticalRequests(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 5 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	req := interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	}

	var wg sync.WaitGroup
	results := make([]interfaces.VolumeCopyResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.CopyVolume(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].VolumeID, results[i].VolumeID)
	}
	assert.Len(t, cloud.Volumes(accountB), 1)
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeConflictingConcurrentRequest(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 10 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20})
	o, _ := newTestOrchestrator(cloud, Config{})

	req := interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
		Tags:        map[string]string{"case": "1"},
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.CopyVolume(context.Background(), req)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)

	other := req
	other.Tags = map[string]string{"case": "2"}
	_, err := o.CopyVolume(context.Background(), other)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	require.NoError(t, <-done)
	assert.Len(t, cloud.Volumes(accountB), 1)
}

// callers returns the number of callers waiting on the copy with token.
func callers(o *Orchestrator, token string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.inflight[token]; ok {
		return c.refs
	}
	return 0
}

func TestCopyVolumeFollowerOutlivesCancelledLeader(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 10 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	req := interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	}
	token := IdempotencyToken(req.WithDefaults().SourceRef(), accountB, "us-east-1a")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := o.CopyVolume(leaderCtx, req)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return callers(o, token) == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		result interfaces.VolumeCopyResult
		err    error
	}
	follower := make(chan outcome, 1)
	go func() {
		result, err := o.CopyVolume(context.Background(), req)
		follower <- outcome{result, err}
	}()
	require.Eventually(t, func() bool { return callers(o, token) == 2 }, time.Second, time.Millisecond)

	cancelLeader()
	err := <-leaderErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)

	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, accountB, got.result.AccountID)
	assert.Len(t, cloud.Volumes(accountB), 1)
	assert.Equal(t, 1, cloud.Calls("CreateSnapshot"))
	assertNoLeftovers(t, cloud, ledger)
	assert.Zero(t, callers(o, token))
}

func TestCopyVolumeSurvivesConcurrentKeySweep(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 10 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	sweeper := &kms.AccountSweeper{
		Connector: cloud,
		Ledger:    ledger,
		Executor:  retry.NewExecutor(log),
		Policy:    retry.Policy{Name: "test", MaxAttempts: 2, BaseDelay: time.Millisecond, Idempotent: true},
		Accounts:  []interfaces.Account{account(accountA)},
		Regions:   []string{"us-east-1"},
		Log:       log,
		Live:      o.LiveKeys(),
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.CopyVolume(ctx, interfaces.VolumeCopyRequest{
			Source:      account(accountA),
			Destination: account(accountB),
			SourceZone:  "us-east-1a",
			VolumeID:    "vol-a",
		})
		done <- err
	}()

	scope := kms.Scope(interfaces.ProviderMemory, accountA, "us-east-1")
	require.Eventually(t, func() bool {
		outstanding, err := ledger.Outstanding(ctx, scope)
		return err == nil && len(outstanding) == 1 && outstanding[0].State == interfaces.KeyGranted
	}, time.Second, time.Millisecond)

	n, err := sweeper.SweepOutstanding(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, <-done)
	assert.Len(t, cloud.Volumes(accountB), 1)
	assertNoLeftovers(t, cloud, ledger)
	assert.Zero(t, o.LiveKeys().Len())
}

func TestCopyVolumeDeadline(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 10 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{Deadline: 75 * time.Millisecond})

	_, err := o.CopyVolume(context.Background(), interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTimeout)
	assert.Empty(t, cloud.Volumes(accountB))
	assertNoLeftovers(t, cloud, ledger)
}

func TestCopyVolumeCancelled(t *testing.T) {
	cloud := memory.NewCloud(memory.Options{NativeCopy: true, Latency: 10 * time.Millisecond})
	cloud.AddVolume(accountA, interfaces.Volume{ID: "vol-a", Zone: "us-east-1a", SizeGB: 20, Encrypted: true})
	o, ledger := newTestOrchestrator(cloud, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(65 * time.Millisecond)
		cancel()
	}()

	_, err := o.CopyVolume(ctx, interfaces.VolumeCopyRequest{
		Source:      account(accountA),
		Destination: account(accountB),
		SourceZone:  "us-east-1a",
		VolumeID:    "vol-a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assertNoLeftovers(t, cloud, ledger)
}

func TestIdempotencyToken(t *testing.T) {
	a := IdempotencyToken("vol-a", accountB, "us-east-1a")
	assert.Len(t, a, 32)
	assert.Equal(t, a, IdempotencyToken("vol-a", accountB, "us-east-1a"))
	assert.NotEqual(t, a, IdempotencyToken("vol-a", accountB, "us-east-1b"))
	assert.NotEqual(t, a, IdempotencyToken("vol-a", accountA, "us-east-1a"))
}
