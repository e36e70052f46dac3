// Package sharebroker stages data through transient storage containers when
// a provider cannot share a resource across an account or region boundary.
package sharebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
)

const (
	// DefaultTTL is the validity window of an issued token.
	DefaultTTL = time.Hour

	// StagedObject is the object name every channel stages data under.
	StagedObject = "snapshot.img"

	// CloseTimeout bounds the revoke and delete calls of CloseChannel when it
	// runs on a cancelled context.
	CloseTimeout = 2 * time.Minute

	containerPrefix = "evidence-transfer-"
)

type channelState int

const (
	channelOpen channelState = iota
	channelConsumed
	channelClosed
)

type channel struct {
	token interfaces.ShareToken
	state channelState
	// closing is non-nil while a close is in flight and is closed with
	// closeErr set once it finishes.
	closing  chan struct{}
	closeErr error
}

// Broker issues and revokes share tokens on top of an ObjectStore.
// It is safe for concurrent use by unrelated requests.
type Broker struct {
	objects interfaces.ObjectStore
	retry   *retry.Executor
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	channels map[string]*channel
}

// New creates a Broker. A zero ttl selects DefaultTTL.
func New(objects interfaces.ObjectStore, executor *retry.Executor, ttl time.Duration, log *slog.Logger) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broker{
		objects:  objects,
		retry:    executor,
		log:      log,
		ttl:      ttl,
		now:      time.Now,
		channels: make(map[string]*channel),
	}
}

// OpenChannel provisions a uniquely named container and issues a token
// scoped to a single object in it. If issuing the token fails the container
// is deleted before returning.
func (b *Broker) OpenChannel(ctx context.Context, sourceAccount, destAccount, region string) (*interfaces.ShareToken, error) {
	if sourceAccount == "" || destAccount == "" || region == "" {
		return nil, fmt.Errorf("%w: source account, destination account and region are required", interfaces.ErrInvalidRequest)
	}

	id := uuid.New().String()
	token := interfaces.ShareToken{
		ID:                 id,
		Container:          containerPrefix + id,
		Object:             StagedObject,
		SourceAccount:      sourceAccount,
		DestinationAccount: destAccount,
		Region:             region,
	}
	log := b.log.With(slog.String("tokenID", id), slog.String("container", token.Container))

	err := b.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
		return b.objects.CreateContainer(ctx, token.Container)
	})
	if err != nil {
		return nil, fmt.Errorf("creating transfer container: %w", err)
	}

	err = b.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
		url, expiresAt, err := b.objects.IssueToken(ctx, token.Container, token.Object, b.ttl)
		if err != nil {
			return err
		}
		token.URL, token.ExpiresAt = url, expiresAt
		return nil
	})
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CloseTimeout)
		defer cancel()
		if derr := b.objects.DeleteContainer(cleanupCtx, token.Container); derr != nil && !errors.Is(derr, interfaces.ErrResourceNotFound) {
			log.Error("Failed to delete transfer container", "err", derr)
			return nil, fmt.Errorf("issuing share token: %w (cleanup: %v)", err, derr)
		}
		return nil, fmt.Errorf("issuing share token: %w", err)
	}

	b.mu.Lock()
	b.channels[id] = &channel{token: token}
	b.mu.Unlock()

	log.Info("Opened share channel",
		slog.String("source", sourceAccount),
		slog.String("destination", destAccount),
		slog.Time("expiresAt", token.ExpiresAt))
	return &token, nil
}

// Consume marks the token as used by the destination side. A token can be
// consumed once, and only within its validity window.
func (b *Broker) Consume(token *interfaces.ShareToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[token.ID]
	if !ok {
		return fmt.Errorf("%w: unknown share token %s", interfaces.ErrResourceNotFound, token.ID)
	}
	switch {
	case ch.state != channelOpen || ch.closing != nil:
		return fmt.Errorf("%w: %s", interfaces.ErrTokenConsumed, token.ID)
	case ch.token.Expired(b.now()):
		return fmt.Errorf("%w: %s expired at %s", interfaces.ErrTokenExpired, token.ID, ch.token.ExpiresAt.Format(time.RFC3339))
	}
	ch.state = channelConsumed
	return nil
}

// CloseChannel revokes the token and deletes the container with its contents.
// Closing an unknown or already closed token is a no-op. A call made while
// another close of the same token is in flight waits for it and returns its
// outcome. When ctx is already done the calls run on a fresh bounded context.
func (b *Broker) CloseChannel(ctx context.Context, token *interfaces.ShareToken) error {
	if token == nil {
		return nil
	}

	b.mu.Lock()
	ch, ok := b.channels[token.ID]
	if !ok || ch.state == channelClosed {
		b.mu.Unlock()
		return nil
	}
	if done := ch.closing; done != nil {
		b.mu.Unlock()
		return b.awaitClose(ctx, ch, done)
	}
	done := make(chan struct{})
	ch.closing = done
	t := ch.token
	b.mu.Unlock()

	err := b.close(ctx, t)

	b.mu.Lock()
	ch.closing = nil
	ch.closeErr = err
	if err == nil {
		ch.state = channelClosed
	}
	close(done)
	b.mu.Unlock()

	if err != nil {
		return err
	}
	b.log.Info("Closed share channel", slog.String("tokenID", t.ID), slog.String("container", t.Container))
	return nil
}

func (b *Broker) awaitClose(ctx context.Context, ch *channel, done <-chan struct{}) error {
	wait := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(context.WithoutCancel(ctx), CloseTimeout)
		defer cancel()
	}
	select {
	case <-done:
	case <-wait.Done():
		return fmt.Errorf("waiting for share channel %s to close: %w", ch.token.ID, wait.Err())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closeErr
}

func (b *Broker) close(ctx context.Context, t interfaces.ShareToken) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), CloseTimeout)
		defer cancel()
	}

	err := b.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
		return b.objects.RevokeToken(ctx, t.Container, t.Object)
	})
	if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
		return fmt.Errorf("revoking share token %s: %w", t.ID, err)
	}

	err = b.retry.Execute(ctx, retry.APICall, func(ctx context.Context) error {
		return b.objects.DeleteContainer(ctx, t.Container)
	})
	if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
		return fmt.Errorf("deleting transfer container %s: %w", t.Container, err)
	}
	return nil
}

// Open returns the tokens that were issued and not closed yet.
func (b *Broker) Open() []interfaces.ShareToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	var tokens []interfaces.ShareToken
	for _, ch := range b.channels {
		if ch.state != channelClosed {
			tokens = append(tokens, ch.token)
		}
	}
	return tokens
}
