package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/ruteri/cloud-evidence-backend/sharebroker"
)

// stepVariant moves a source snapshot across an account or region boundary
// and returns a snapshot the destination can create a volume from.
type stepVariant interface {
	crossBoundary(ctx context.Context, r *copyRun, snap *interfaces.Snapshot) (*interfaces.Snapshot, error)
}

func variantFor(c interfaces.Capabilities) stepVariant {
	if c.NativeCrossBoundaryCopy {
		return nativeSteps{}
	}
	return stagedSteps{}
}

// nativeSteps relies on provider snapshot sharing and cross-region copy.
type nativeSteps struct{}

func (nativeSteps) crossBoundary(ctx context.Context, r *copyRun, snap *interfaces.Snapshot) (*interfaces.Snapshot, error) {
	current := snap

	if r.crossAccount() {
		if snap.Encrypted {
			// Deciding whether to re-encrypt is part of the re-encrypt step.
			r.enter(StepReEncrypt)
			shareable, err := retry.Do(ctx, r.o.retry, r.policy, func(ctx context.Context) (bool, error) {
				return r.src.Storage.KeyShareable(ctx, snap.KeyID)
			})
			if err != nil {
				return nil, fmt.Errorf("inspecting key %s: %w", snap.KeyID, err)
			}
			if !shareable {
				current, err = reencrypt(ctx, r, snap)
				if err != nil {
					return nil, err
				}
			}
		}

		r.enter(StepShare)
		err := r.o.retry.Execute(ctx, r.policy, func(ctx context.Context) error {
			return r.src.Storage.ShareSnapshot(ctx, current.ID, r.dstAccount)
		})
		if err != nil {
			return nil, fmt.Errorf("sharing snapshot %s with %s: %w", current.ID, r.dstAccount, err)
		}
	}

	if r.crossRegion() {
		r.enter(StepTransfer)
		copied, err := retry.Do(ctx, r.o.retry, r.policy.Once(), func(ctx context.Context) (*interfaces.Snapshot, error) {
			return r.dst.Storage.CopySnapshot(ctx, interfaces.CopySnapshotInput{
				SnapshotID:   current.ID,
				SourceRegion: r.srcRegion,
				Tags:         r.tags(interfaces.TagParentToken),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("copying snapshot %s to %s: %w", current.ID, r.dstRegion, err)
		}
		r.deleteLater(r.dst, copied.ID, nil)
		r.log.Info("Copied snapshot across regions", slog.String("snapshotID", copied.ID), slog.String("region", r.dstRegion))
		current = copied
	}

	return current, nil
}

// reencrypt copies snap under a new ephemeral key granted to the destination
// account. The destination volume is encrypted under its own default key, so
// the ephemeral key is released once the re-encrypted copy is deleted.
func reencrypt(ctx context.Context, r *copyRun, snap *interfaces.Snapshot) (*interfaces.Snapshot, error) {
	key, err := r.keys.CreateAndGrant(ctx, r.srcAccount, r.dstAccount)
	if err != nil {
		return nil, err
	}
	r.cleanup.push("key "+key.ID, func(ctx context.Context) error {
		return r.keys.Dispose(ctx, key)
	})

	copied, err := retry.Do(ctx, r.o.retry, r.policy.Once(), func(ctx context.Context) (*interfaces.Snapshot, error) {
		return r.src.Storage.CopySnapshot(ctx, interfaces.CopySnapshotInput{
			SnapshotID:   snap.ID,
			SourceRegion: r.srcRegion,
			KeyID:        key.ID,
			Tags:         r.tags(interfaces.TagParentToken),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("re-encrypting snapshot %s: %w", snap.ID, err)
	}
	r.keys.Track(key, copied.ID)
	r.deleteLater(r.src, copied.ID, key)

	r.encryption = interfaces.EncryptionReEncrypted
	r.log.Info("Re-encrypted snapshot", slog.String("snapshotID", copied.ID), slog.String("keyID", key.ID))
	return copied, nil
}

// stagedSteps exports snapshot data to a share channel opened in the source
// account and imports it on the destination side.
type stagedSteps struct{}

func (stagedSteps) crossBoundary(ctx context.Context, r *copyRun, snap *interfaces.Snapshot) (*interfaces.Snapshot, error) {
	r.enter(StepTransfer)
	if r.src.Transfer == nil || r.dst.Transfer == nil {
		return nil, fmt.Errorf("%w: %s provider cannot transfer snapshots", interfaces.ErrInvalidRequest, r.src.Kind)
	}

	broker := sharebroker.New(r.src.Objects, r.o.retry, r.o.cfg.ShareTTL, r.log)
	token, err := broker.OpenChannel(ctx, r.srcAccount, r.dstAccount, r.srcRegion)
	if err != nil {
		return nil, err
	}
	r.cleanup.push("share token "+token.ID, func(ctx context.Context) error {
		return broker.CloseChannel(ctx, token)
	})

	err = r.o.retry.Execute(ctx, r.policy, func(ctx context.Context) error {
		return r.src.Transfer.ExportSnapshot(ctx, snap.ID, *token)
	})
	if err != nil {
		return nil, fmt.Errorf("exporting snapshot %s: %w", snap.ID, err)
	}

	if err := broker.Consume(token); err != nil {
		return nil, err
	}
	imported, err := retry.Do(ctx, r.o.retry, r.policy.Once(), func(ctx context.Context) (*interfaces.Snapshot, error) {
		return r.dst.Transfer.ImportSnapshot(ctx, *token, r.tags(interfaces.TagParentToken))
	})
	if err != nil {
		return nil, fmt.Errorf("importing snapshot into %s: %w", r.dstAccount, err)
	}
	r.deleteLater(r.dst, imported.ID, nil)

	r.log.Info("Transferred snapshot through share channel", slog.String("snapshotID", imported.ID), slog.String("tokenID", token.ID))
	return imported, nil
}
