package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

type cleanupFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack struct {
	mu    sync.Mutex
	funcs []cleanupFunc
}

func (s *cleanupStack) push(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, cleanupFunc{name: name, fn: fn})
}

// run pops and runs every registered function on a context detached from
// parent cancellation. A resource that is already gone counts as released.
func (s *cleanupStack) run(parent context.Context, timeout time.Duration, log *slog.Logger) error {
	s.mu.Lock()
	funcs := s.funcs
	s.funcs = nil
	s.mu.Unlock()

	if len(funcs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	var result *multierror.Error
	for i := len(funcs) - 1; i >= 0; i-- {
		c := funcs[i]
		err := c.fn(ctx)
		if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
			log.Error("Cleanup failed", slog.String("resource", c.name), "err", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		log.Debug("Released", slog.String("resource", c.name))
	}
	return result.ErrorOrNil()
}
