package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/kms"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"golang.org/x/sync/singleflight"
)

// Config tunes an Orchestrator.
type Config struct {
	// Deadline bounds a whole copy. Zero leaves it to the caller context.
	Deadline time.Duration
	// CleanupTimeout bounds the cleanup phase. Defaults to DefaultCleanupTimeout.
	CleanupTimeout time.Duration
	// ShareTTL is the validity of share tokens issued by staged copies.
	ShareTTL time.Duration
	// Policy is applied to every provider call. Defaults to retry.APICall.
	Policy retry.Policy
}

// DefaultCleanupTimeout is the cleanup budget used when Config leaves it unset.
const DefaultCleanupTimeout = 5 * time.Minute

// Orchestrator runs volume copies. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	connector interfaces.Connector
	retry     *retry.Executor
	ledger    kms.KeyLedger
	live      *kms.LiveKeys
	log       *slog.Logger

	group      singleflight.Group
	mu         sync.Mutex
	inflight   map[string]*inflightCopy
	generation uint64
}

// inflightCopy is one execution of a logical copy shared by every caller
// with the same token. The execution runs on its own context and is only
// cancelled when the last caller gives up.
type inflightCopy struct {
	token       string
	key         string
	fingerprint string
	refs        int
	step        Step
	abandoned   bool
	finished    bool
	result      interfaces.VolumeCopyResult
	err         error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// prev is closed when an abandoned execution of the same token has
	// finished its cleanup.
	prev <-chan struct{}
}

// New creates an Orchestrator. Ephemeral key transitions are written to ledger.
func New(cfg Config, connector interfaces.Connector, executor *retry.Executor, ledger kms.KeyLedger, log *slog.Logger) *Orchestrator {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.APICall
	}
	if ledger == nil {
		ledger = kms.NewMemoryLedger()
	}
	return &Orchestrator{
		cfg:       cfg,
		connector: connector,
		retry:     executor,
		ledger:    ledger,
		live:      kms.NewLiveKeys(),
		log:       log,
		inflight:  make(map[string]*inflightCopy),
	}
}

// LiveKeys returns the ephemeral keys held by running copies. Key sweeps in
// this process must skip them.
func (o *Orchestrator) LiveKeys() *kms.LiveKeys {
	return o.live
}

// IdempotencyToken derives the token identifying a logical copy.
func IdempotencyToken(sourceRef, destinationAccountID, destinationZone string) string {
	h := sha256.New()
	for _, part := range []string{sourceRef, destinationAccountID, destinationZone} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CopyVolume copies the requested volume into the destination account and zone.
//
// On failure the returned error is a *CopyError; every resource created
// before the failure has been released, or the release failure is attached.
// A successful copy whose cleanup failed returns both the result and a
// *CopyError for StepCleanup.
func (o *Orchestrator) CopyVolume(ctx context.Context, req interfaces.VolumeCopyRequest) (interfaces.VolumeCopyResult, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return interfaces.VolumeCopyResult{}, &CopyError{Step: StepResolve, Err: err}
	}

	var deadline time.Time
	prepareCtx := ctx
	if o.cfg.Deadline > 0 {
		deadline = time.Now().Add(o.cfg.Deadline)
		var cancel context.CancelFunc
		prepareCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	r, err := o.prepare(prepareCtx, req)
	if err != nil {
		return interfaces.VolumeCopyResult{}, &CopyError{Step: StepResolve, Err: classify(prepareCtx, err)}
	}

	fingerprint, err := json.Marshal(req)
	if err != nil {
		return interfaces.VolumeCopyResult{}, &CopyError{Step: StepResolve, Err: err}
	}
	flight, err := o.join(ctx, r.token, string(fingerprint), deadline)
	if err != nil {
		return interfaces.VolumeCopyResult{}, &CopyError{Step: StepResolve, Err: err}
	}
	r.flight = flight

	ch := o.group.DoChan(flight.key, func() (any, error) {
		return o.execute(r, flight)
	})

	select {
	case res := <-ch:
		o.leave(flight)
		if res.Shared {
			r.log.Info("Copy shared with a concurrent identical request")
		}
		result, _ := res.Val.(interfaces.VolumeCopyResult)
		return result, res.Err
	case <-ctx.Done():
	}

	if !o.leave(flight) {
		step := o.stepOf(flight)
		r.log.Info("Caller left a shared copy", slog.String("step", string(step)), "err", ctx.Err())
		return interfaces.VolumeCopyResult{}, &CopyError{Step: step, Err: classify(ctx, ctx.Err())}
	}

	// The last caller is gone and the copy was cancelled. Wait for its cleanup.
	res := <-ch
	if copyErr, ok := res.Err.(*CopyError); ok {
		copyErr.Err = classify(ctx, copyErr.Err)
	}
	result, _ := res.Val.(interfaces.VolumeCopyResult)
	return result, res.Err
}

// join registers a caller for token and returns the execution it shares.
// Callers with a different request for the same token are rejected while
// the first one is in flight. The execution context keeps the values of
// ctx but not its cancellation.
func (o *Orchestrator) join(ctx context.Context, token, fingerprint string, deadline time.Time) (*inflightCopy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.inflight[token]
	if ok && !c.abandoned {
		if c.fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: a different copy request with token %s is in progress", interfaces.ErrConflict, token)
		}
		c.refs++
		return c, nil
	}

	o.generation++
	next := &inflightCopy{
		token:       token,
		key:         fmt.Sprintf("%s/%d", token, o.generation),
		fingerprint: fingerprint,
		refs:        1,
		step:        StepResolve,
		done:        make(chan struct{}),
	}
	if ok {
		next.prev = c.done
	}
	if deadline.IsZero() {
		next.ctx, next.cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		next.ctx, next.cancel = context.WithDeadline(context.WithoutCancel(ctx), deadline)
	}
	o.inflight[token] = next
	return next, nil
}

// leave drops a caller and reports whether it was the last one. The
// execution is cancelled once nobody waits for it.
func (o *Orchestrator) leave(c *inflightCopy) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return false
	}
	c.abandoned = true
	c.cancel()
	return true
}

// execute runs the copy once per execution. A caller that reaches the
// group after the run completed gets the recorded outcome.
func (o *Orchestrator) execute(r *copyRun, c *inflightCopy) (interfaces.VolumeCopyResult, error) {
	o.mu.Lock()
	if c.finished {
		o.mu.Unlock()
		return c.result, c.err
	}
	o.mu.Unlock()

	var (
		result interfaces.VolumeCopyResult
		err    error
	)
	if c.prev != nil {
		select {
		case <-c.prev:
		case <-c.ctx.Done():
			err = &CopyError{Step: StepResolve, Err: classify(c.ctx, c.ctx.Err())}
		}
	}
	if err == nil {
		result, err = r.run(c.ctx)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	c.result, c.err, c.finished = result, err, true
	if o.inflight[c.token] == c {
		delete(o.inflight, c.token)
	}
	close(c.done)
	return result, err
}

func (o *Orchestrator) stepOf(c *inflightCopy) Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.step
}

// prepare connects to both sides and derives the idempotency token.
func (o *Orchestrator) prepare(ctx context.Context, req interfaces.VolumeCopyRequest) (*copyRun, error) {
	srcRegion := interfaces.RegionOf(req.SourceZone)
	dstRegion := interfaces.RegionOf(req.DestinationZone)

	src, err := o.connector.Connect(ctx, req.Source, srcRegion)
	if err != nil {
		return nil, fmt.Errorf("connecting to source account %s: %w", req.Source, err)
	}
	dst, err := o.connector.Connect(ctx, req.Destination, dstRegion)
	if err != nil {
		return nil, fmt.Errorf("connecting to destination account %s: %w", req.Destination, err)
	}

	srcAccount, err := retry.Do(ctx, o.retry, o.cfg.Policy, src.Storage.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolving source account id: %w", err)
	}
	dstAccount, err := retry.Do(ctx, o.retry, o.cfg.Policy, dst.Storage.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolving destination account id: %w", err)
	}

	token := IdempotencyToken(req.SourceRef(), dstAccount, req.DestinationZone)
	r := &copyRun{
		o:          o,
		req:        req,
		token:      token,
		src:        src,
		dst:        dst,
		srcAccount: srcAccount,
		dstAccount: dstAccount,
		srcRegion:  srcRegion,
		dstRegion:  dstRegion,
		policy:     o.cfg.Policy,
		cleanup:    &cleanupStack{},
		keys:       kms.NewManager(src.Keys, o.ledger, o.retry, kms.Scope(src.Kind, srcAccount, srcRegion), o.log).WithLiveKeys(o.live),
		variant:    variantFor(src.Capabilities),
		step:       StepResolve,
	}
	r.log = o.log.With(
		slog.String("token", token),
		slog.String("source", req.SourceRef()),
		slog.String("sourceAccount", srcAccount),
		slog.String("destinationAccount", dstAccount),
		slog.String("destinationZone", req.DestinationZone),
	)
	return r, nil
}

// classify turns a deadline expiry into interfaces.ErrTimeout.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, interfaces.ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", interfaces.ErrTimeout, err)
	}
	return err
}

// copyRun holds the state of one copy execution.
type copyRun struct {
	o       *Orchestrator
	req     interfaces.VolumeCopyRequest
	token   string
	log     *slog.Logger
	policy  retry.Policy
	cleanup *cleanupStack
	keys    *kms.Manager
	variant stepVariant
	flight  *inflightCopy

	src, dst               *interfaces.Provider
	srcAccount, dstAccount string
	srcRegion, dstRegion   string

	step       Step
	encryption interfaces.EncryptionState
}

func (r *copyRun) crossAccount() bool {
	return r.srcAccount != r.dstAccount
}

func (r *copyRun) crossRegion() bool {
	return r.srcRegion != r.dstRegion
}

func (r *copyRun) enter(step Step) {
	r.step = step
	if r.flight != nil {
		r.o.mu.Lock()
		r.flight.step = step
		r.o.mu.Unlock()
	}
	r.log.Info("Copy step", slog.String("step", string(step)))
}

// tags builds the tag set for a resource created by the copy.
func (r *copyRun) tags(tokenTag string) map[string]string {
	tags := maps.Clone(r.req.Tags)
	if tags == nil {
		tags = make(map[string]string)
	}
	tags[interfaces.TagSource] = r.req.SourceRef()
	tags[tokenTag] = r.token
	return tags
}

func (r *copyRun) run(ctx context.Context) (result interfaces.VolumeCopyResult, err error) {
	start := time.Now()
	defer func() {
		cleanupErr := r.cleanup.run(ctx, r.o.cfg.CleanupTimeout, r.log)
		r.keys.Close()
		switch {
		case err != nil:
			err = &CopyError{Step: r.step, Err: classify(ctx, err), Cleanup: cleanupErr}
			r.log.Error("Volume copy failed", slog.String("step", string(r.step)), "err", err)
		case cleanupErr != nil:
			err = &CopyError{Step: StepCleanup, Err: cleanupErr}
			r.log.Error("Volume copy cleanup failed", "err", cleanupErr)
		default:
			r.log.Info("Volume copy completed",
				slog.String("volumeID", result.VolumeID),
				slog.String("encryption", string(result.Encryption)),
				slog.Duration("duration", time.Since(start)))
		}
	}()

	r.enter(StepResolve)
	source, err := r.resolve(ctx)
	if err != nil {
		return result, err
	}

	r.enter(StepSnapshot)
	snap, err := r.snapshot(ctx, source)
	if err != nil {
		return result, err
	}

	r.encryption = interfaces.EncryptionUnencrypted
	if snap.Encrypted {
		r.encryption = interfaces.EncryptionInherited
	}

	current := snap
	if r.crossAccount() || r.crossRegion() {
		current, err = r.variant.crossBoundary(ctx, r, snap)
		if err != nil {
			return result, err
		}
	}

	r.enter(StepMaterialize)
	volume, err := r.materialize(ctx, current)
	if err != nil {
		return result, err
	}

	return interfaces.VolumeCopyResult{
		VolumeID:   volume.ID,
		AccountID:  r.dstAccount,
		Zone:       volume.Zone,
		Encryption: r.encryption,
		KeyID:      volume.KeyID,
		SourceRef:  r.req.SourceRef(),
		Token:      r.token,
	}, nil
}

// resolve returns the source volume, following an instance to its boot volume.
func (r *copyRun) resolve(ctx context.Context) (*interfaces.Volume, error) {
	volumeID := r.req.VolumeID
	if r.req.InstanceID != "" {
		inst, err := retry.Do(ctx, r.o.retry, r.policy, func(ctx context.Context) (*interfaces.Instance, error) {
			return r.src.Compute.GetInstance(ctx, r.req.InstanceID)
		})
		if err != nil {
			return nil, fmt.Errorf("resolving instance %s: %w", r.req.InstanceID, err)
		}
		if inst.BootVolumeID == "" {
			return nil, fmt.Errorf("%w: instance %s has no boot volume", interfaces.ErrResourceNotFound, inst.ID)
		}
		volumeID = inst.BootVolumeID
	}

	volume, err := retry.Do(ctx, r.o.retry, r.policy, func(ctx context.Context) (*interfaces.Volume, error) {
		return r.src.Storage.GetVolume(ctx, volumeID)
	})
	if err != nil {
		return nil, fmt.Errorf("resolving volume %s: %w", volumeID, err)
	}
	if !volume.State.Stable() {
		return nil, fmt.Errorf("%w: volume %s is %s", interfaces.ErrInvalidRequest, volume.ID, volume.State)
	}
	return volume, nil
}

// snapshot reuses the snapshot left by an earlier attempt with the same
// token, or creates a new one.
func (r *copyRun) snapshot(ctx context.Context, volume *interfaces.Volume) (*interfaces.Snapshot, error) {
	existing, err := retry.Do(ctx, r.o.retry, r.policy, func(ctx context.Context) (*interfaces.Snapshot, error) {
		return r.src.Storage.FindSnapshot(ctx, r.token)
	})
	if err != nil {
		return nil, fmt.Errorf("looking up snapshot: %w", err)
	}

	snap := existing
	if snap != nil {
		r.log.Info("Reusing snapshot from earlier attempt", slog.String("snapshotID", snap.ID))
	} else {
		snap, err = retry.Do(ctx, r.o.retry, r.policy.Once(), func(ctx context.Context) (*interfaces.Snapshot, error) {
			return r.src.Storage.CreateSnapshot(ctx, volume.ID, r.tags(interfaces.TagToken))
		})
		if err != nil {
			return nil, fmt.Errorf("snapshotting volume %s: %w", volume.ID, err)
		}
		r.log.Info("Created snapshot", slog.String("snapshotID", snap.ID))
	}

	r.deleteLater(r.src, snap.ID, nil)
	return snap, nil
}

// deleteLater registers deletion of an intermediate snapshot. When key is
// set the snapshot is released from it once deleted.
func (r *copyRun) deleteLater(p *interfaces.Provider, snapshotID string, key *interfaces.EphemeralKey) {
	r.cleanup.push("snapshot "+snapshotID, func(ctx context.Context) error {
		err := r.o.retry.Execute(ctx, r.policy, func(ctx context.Context) error {
			return p.Storage.DeleteSnapshot(ctx, snapshotID)
		})
		if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
			return err
		}
		if key != nil {
			r.keys.Release(key, snapshotID)
		}
		return nil
	})
}

// materialize creates the destination volume. The idempotency token is the
// provider client token so a retried call returns the same volume.
func (r *copyRun) materialize(ctx context.Context, snap *interfaces.Snapshot) (*interfaces.Volume, error) {
	volume, err := retry.Do(ctx, r.o.retry, r.policy, func(ctx context.Context) (*interfaces.Volume, error) {
		return r.dst.Storage.CreateVolume(ctx, interfaces.CreateVolumeInput{
			SnapshotID:  snap.ID,
			Zone:        r.req.DestinationZone,
			Encrypted:   snap.Encrypted,
			ClientToken: r.token,
			Tags:        r.tags(interfaces.TagToken),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating volume from snapshot %s: %w", snap.ID, err)
	}
	r.log.Info("Created destination volume", slog.String("volumeID", volume.ID))
	return volume, nil
}
