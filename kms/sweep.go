package kms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
)

// Scope names the ledger partition of an account in a region.
func Scope(kind interfaces.ProviderKind, accountID, region string) string {
	return fmt.Sprintf("%s/%s/%s", kind, accountID, region)
}

// DefaultSweepMinAge is the age below which a standalone sweep assumes a key
// may still belong to a copy running elsewhere.
const DefaultSweepMinAge = 24 * time.Hour

// AccountSweeper releases leaked ephemeral keys of every account in every
// region it is configured with.
type AccountSweeper struct {
	Connector interfaces.Connector
	Ledger    KeyLedger
	Executor  *retry.Executor
	Policy    retry.Policy
	Accounts  []interfaces.Account
	Regions   []string
	Log       *slog.Logger

	// Live holds the keys of copies running in this process.
	Live *LiveKeys
	// MinAge spares keys created less than MinAge ago. Zero sweeps every key.
	MinAge time.Duration
	Now    func() time.Time
}

// SweepOutstanding sweeps each account and region in turn. Failures in one
// scope do not stop the others; they are returned together.
func (s *AccountSweeper) SweepOutstanding(ctx context.Context) (int, error) {
	policy := s.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.APICall
	}

	var cutoff time.Time
	if s.MinAge > 0 {
		now := s.Now
		if now == nil {
			now = time.Now
		}
		cutoff = now().UTC().Add(-s.MinAge)
	}

	var result *multierror.Error
	total := 0
	for _, account := range s.Accounts {
		for _, region := range s.Regions {
			provider, err := s.Connector.Connect(ctx, account, region)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("connecting to %s in %s: %w", account, region, err))
				continue
			}
			accountID, err := retry.Do(ctx, s.Executor, policy, provider.Storage.AccountID)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("resolving account id of %s: %w", account, err))
				continue
			}

			scope := Scope(provider.Kind, accountID, region)
			n, err := NewManager(provider.Keys, s.Ledger, s.Executor, scope, s.Log).
				WithLiveKeys(s.Live).
				SweepOutstanding(ctx, cutoff)
			total += n
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", scope, err))
			}
			if n > 0 {
				s.Log.Info("Swept leaked ephemeral keys", slog.String("scope", scope), slog.Int("count", n))
			}
		}
	}
	return total, result.ErrorOrNil()
}
