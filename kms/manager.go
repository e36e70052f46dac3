package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
)

// DisposeTimeout bounds the revoke and delete calls issued by WithEphemeralKey.
const DisposeTimeout = 2 * time.Minute

// Manager implements the ephemeral key lifecycle on top of a provider KeyService.
type Manager struct {
	keys   interfaces.KeyService
	ledger KeyLedger
	retry  *retry.Executor
	log    *slog.Logger
	// scope identifies the account and region the KeyService operates in.
	scope string
	now   func() time.Time

	mu         sync.Mutex
	dependents map[string]map[string]struct{}
	live       *LiveKeys
	held       []string
}

// NewManager creates a Manager. Ledger entries are written under scope so
// that SweepOutstanding only touches keys owned by the same account and region.
func NewManager(keys interfaces.KeyService, ledger KeyLedger, executor *retry.Executor, scope string, log *slog.Logger) *Manager {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Manager{
		keys:       keys,
		ledger:     ledger,
		retry:      executor,
		log:        log,
		scope:      scope,
		now:        time.Now,
		dependents: make(map[string]map[string]struct{}),
	}
}

// WithLiveKeys registers every key this manager creates in live until Close.
func (m *Manager) WithLiveKeys(live *LiveKeys) *Manager {
	m.live = live
	return m
}

// Close removes the keys created by this manager from its live set. Keys that
// were not disposed stay in the ledger for a later sweep.
func (m *Manager) Close() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	m.live.remove(held...)
}

// CreateAndGrant creates a new key owned by ownerAccount and grants its use
// to granteePrincipal. If the grant fails the key is deleted before returning.
func (m *Manager) CreateAndGrant(ctx context.Context, ownerAccount, granteePrincipal string) (*interfaces.EphemeralKey, error) {
	if ownerAccount == "" || granteePrincipal == "" {
		return nil, fmt.Errorf("%w: owner and grantee are required", interfaces.ErrInvalidRequest)
	}

	description := fmt.Sprintf("ephemeral evidence transfer key %s -> %s", ownerAccount, granteePrincipal)
	tags := map[string]string{"evidence-ephemeral": "true", "evidence-grantee": granteePrincipal}

	// Creating a key is not idempotent; a retried create would leak the first key.
	keyID, err := retry.Do(ctx, m.retry, retry.APICall.Once(), func(ctx context.Context) (string, error) {
		return m.keys.CreateKey(ctx, description, tags)
	})
	if err != nil {
		return nil, fmt.Errorf("creating ephemeral key: %w", err)
	}
	m.live.add(keyID)
	m.mu.Lock()
	m.held = append(m.held, keyID)
	m.mu.Unlock()

	key := &interfaces.EphemeralKey{
		ID:           keyID,
		OwnerAccount: ownerAccount,
		CreatedAt:    m.now().UTC(),
		State:        interfaces.KeyCreated,
	}
	log := m.log.With(slog.String("keyID", keyID))
	log.Info("Created ephemeral key", slog.String("owner", ownerAccount))

	if err := m.ledger.Record(ctx, m.scope, key, nil); err != nil {
		return nil, m.abandon(ctx, key, fmt.Errorf("recording ephemeral key: %w", err))
	}

	if granteePrincipal != ownerAccount {
		err := m.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
			return m.keys.GrantKey(ctx, keyID, granteePrincipal)
		})
		if err != nil {
			return nil, m.abandon(ctx, key, fmt.Errorf("granting ephemeral key to %s: %w", granteePrincipal, err))
		}
	}

	m.mu.Lock()
	key.Grants = append(key.Grants, granteePrincipal)
	key.State = interfaces.KeyGranted
	m.mu.Unlock()
	m.record(ctx, key)

	log.Info("Granted ephemeral key", slog.String("grantee", granteePrincipal))
	return key, nil
}

// abandon deletes a key that could not be fully set up and returns cause
// with any cleanup failure attached.
func (m *Manager) abandon(ctx context.Context, key *interfaces.EphemeralKey, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DisposeTimeout)
	defer cancel()
	if err := m.Delete(cleanupCtx, key); err != nil {
		m.log.Error("Failed to delete abandoned ephemeral key", slog.String("keyID", key.ID), "err", err)
		return multierror.Append(cause, err)
	}
	return cause
}

// Revoke removes every grant of the key. Revoking a revoked or deleted key is a no-op.
func (m *Manager) Revoke(ctx context.Context, key *interfaces.EphemeralKey) error {
	m.mu.Lock()
	if key.State == interfaces.KeyRevoked || key.State == interfaces.KeyDeleted {
		m.mu.Unlock()
		return nil
	}
	grants := slices.Clone(key.Grants)
	m.mu.Unlock()

	for _, principal := range grants {
		if principal == key.OwnerAccount {
			continue
		}
		err := m.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
			return m.keys.RevokeKey(ctx, key.ID, principal)
		})
		if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
			return fmt.Errorf("revoking ephemeral key %s from %s: %w", key.ID, principal, err)
		}
	}

	m.mu.Lock()
	key.Grants = nil
	key.State = interfaces.KeyRevoked
	m.mu.Unlock()
	m.record(ctx, key)

	m.log.Info("Revoked ephemeral key", slog.String("keyID", key.ID))
	return nil
}

// Delete destroys the key. It fails with interfaces.ErrKeyInUse while
// tracked resources reference the key. Deleting a deleted key is a no-op.
func (m *Manager) Delete(ctx context.Context, key *interfaces.EphemeralKey) error {
	m.mu.Lock()
	if key.State == interfaces.KeyDeleted {
		m.mu.Unlock()
		return nil
	}
	if n := len(m.dependents[key.ID]); n > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: key %s protects %d resources", interfaces.ErrKeyInUse, key.ID, n)
	}
	m.mu.Unlock()

	err := m.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
		return m.keys.DeleteKey(ctx, key.ID)
	})
	if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
		return fmt.Errorf("deleting ephemeral key %s: %w", key.ID, err)
	}

	m.mu.Lock()
	key.Grants = nil
	key.State = interfaces.KeyDeleted
	delete(m.dependents, key.ID)
	m.mu.Unlock()
	m.record(ctx, key)

	m.log.Info("Deleted ephemeral key", slog.String("keyID", key.ID))
	return nil
}

// Dispose revokes and deletes the key.
func (m *Manager) Dispose(ctx context.Context, key *interfaces.EphemeralKey) error {
	if err := m.Revoke(ctx, key); err != nil {
		return err
	}
	return m.Delete(ctx, key)
}

// Track records that resourceID is encrypted under key. The dependency is
// written to the ledger so that a sweep in another process keeps the key.
func (m *Manager) Track(key *interfaces.EphemeralKey, resourceID string) {
	m.mu.Lock()
	deps, ok := m.dependents[key.ID]
	if !ok {
		deps = make(map[string]struct{})
		m.dependents[key.ID] = deps
	}
	deps[resourceID] = struct{}{}
	m.mu.Unlock()
	m.record(context.Background(), key)
}

// Release records that resourceID no longer depends on key, either because
// it was re-encrypted downstream or because it was deleted.
func (m *Manager) Release(key *interfaces.EphemeralKey, resourceID string) {
	m.mu.Lock()
	delete(m.dependents[key.ID], resourceID)
	m.mu.Unlock()
	m.record(context.Background(), key)
}

// Dependents returns the resources still tracked against key.
func (m *Manager) Dependents(key *interfaces.EphemeralKey) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dependentsLocked(key.ID)
}

func (m *Manager) dependentsLocked(keyID string) []string {
	deps := make([]string, 0, len(m.dependents[keyID]))
	for id := range m.dependents[keyID] {
		deps = append(deps, id)
	}
	slices.Sort(deps)
	return deps
}

// WithEphemeralKey creates and grants a key, runs fn, and disposes of the key
// on every exit path. Disposal uses a fresh context so it also runs when ctx
// is cancelled. A disposal failure is attached to the error returned by fn.
func (m *Manager) WithEphemeralKey(ctx context.Context, ownerAccount, granteePrincipal string, fn func(ctx context.Context, key *interfaces.EphemeralKey) error) (err error) {
	key, err := m.CreateAndGrant(ctx, ownerAccount, granteePrincipal)
	if err != nil {
		return err
	}

	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DisposeTimeout)
		defer cancel()
		if derr := m.Dispose(disposeCtx, key); derr != nil {
			m.log.Error("Failed to dispose ephemeral key", slog.String("keyID", key.ID), "err", derr)
			if err == nil {
				err = derr
			} else {
				err = multierror.Append(err, derr)
			}
		}
	}()

	return fn(ctx, key)
}

// SweepOutstanding revokes and deletes the keys in this manager's scope that
// the ledger still lists as created, granted or revoked. Keys in the live set
// and keys created after a non-zero cutoff are left alone. A key whose ledger
// entry lists dependents is revoked but kept, and reported as
// interfaces.ErrKeyInUse. It returns the number of keys deleted.
func (m *Manager) SweepOutstanding(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := m.ledger.Outstanding(ctx, m.scope)
	if err != nil {
		return 0, fmt.Errorf("listing outstanding keys: %w", err)
	}

	var result *multierror.Error
	deleted := 0
	for _, entry := range entries {
		key := entry.EphemeralKey
		log := m.log.With(slog.String("keyID", key.ID))
		if m.live.Contains(key.ID) {
			log.Debug("Skipping ephemeral key held by a running copy")
			continue
		}
		if !cutoff.IsZero() && key.CreatedAt.After(cutoff) {
			log.Debug("Skipping recent ephemeral key", slog.Time("createdAt", key.CreatedAt))
			continue
		}

		log.Warn("Sweeping outstanding ephemeral key",
			slog.String("state", string(key.State)),
			slog.Time("createdAt", key.CreatedAt),
			slog.Int("dependents", len(entry.Dependents)))
		if len(entry.Dependents) > 0 {
			m.mu.Lock()
			deps := make(map[string]struct{}, len(entry.Dependents))
			for _, id := range entry.Dependents {
				deps[id] = struct{}{}
			}
			m.dependents[key.ID] = deps
			m.mu.Unlock()
		}
		if err := m.Dispose(ctx, key); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted++
	}
	return deleted, result.ErrorOrNil()
}

// record writes the key state to the ledger. The provider is the source of
// truth; a stale ledger entry only causes a redundant sweep.
func (m *Manager) record(ctx context.Context, key *interfaces.EphemeralKey) {
	m.mu.Lock()
	snapshot := *key
	snapshot.Grants = slices.Clone(key.Grants)
	deps := m.dependentsLocked(key.ID)
	m.mu.Unlock()

	if err := m.ledger.Record(context.WithoutCancel(ctx), m.scope, &snapshot, deps); err != nil {
		m.log.Warn("Failed to record key state", slog.String("keyID", snapshot.ID), slog.String("state", string(snapshot.State)), "err", err)
	}
}
