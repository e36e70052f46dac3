package sharebroker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) CreateContainer(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockObjectStore) DeleteContainer(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockObjectStore) IssueToken(ctx context.Context, container, object string, ttl time.Duration) (string, time.Time, error) {
	args := m.Called(ctx, container, object, ttl)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockObjectStore) RevokeToken(ctx context.Context, container, object string) error {
	return m.Called(ctx, container, object).Error(0)
}

func newTestBroker(objects interfaces.ObjectStore) *Broker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(objects, retry.NewExecutor(log), time.Hour, log)
}

func isTransferContainer(name string) bool {
	return strings.HasPrefix(name, containerPrefix)
}

func TestOpenCloseChannel(t *testing.T) {
	ctx := context.Background()
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	expires := time.Now().Add(time.Hour)
	objects.On("CreateContainer", mock.Anything, mock.MatchedBy(isTransferContainer)).Return(nil).Once()
	objects.On("IssueToken", mock.Anything, mock.MatchedBy(isTransferContainer), StagedObject, time.Hour).Return("https://signed", expires, nil).Once()
	objects.On("RevokeToken", mock.Anything, mock.MatchedBy(isTransferContainer), StagedObject).Return(nil).Once()
	objects.On("DeleteContainer", mock.Anything, mock.MatchedBy(isTransferContainer)).Return(nil).Once()

	token, err := b.OpenChannel(ctx, "111111111111", "222222222222", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "https://signed", token.URL)
	assert.Equal(t, containerPrefix+token.ID, token.Container)
	assert.Len(t, b.Open(), 1)

	require.NoError(t, b.Consume(token))
	assert.ErrorIs(t, b.Consume(token), interfaces.ErrTokenConsumed)

	require.NoError(t, b.CloseChannel(ctx, token))
	// Closing twice is a no-op and does not delete twice.
	require.NoError(t, b.CloseChannel(ctx, token))
	objects.AssertExpectations(t)
	objects.AssertNumberOfCalls(t, "DeleteContainer", 1)
	assert.Empty(t, b.Open())

	assert.ErrorIs(t, b.Consume(token), interfaces.ErrTokenConsumed)
}

func TestOpenChannelIssueFailureDeletesContainer(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil).Once()
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", time.Time{}, interfaces.ErrUnauthorized).Once()
	objects.On("DeleteContainer", mock.Anything, mock.Anything).Return(nil).Once()

	token, err := b.OpenChannel(context.Background(), "111111111111", "222222222222", "us-east-1")
	assert.Nil(t, token)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
	objects.AssertExpectations(t)
	assert.Empty(t, b.Open())
}

func TestConsumeExpired(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil)
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://signed", time.Now().Add(time.Minute), nil)

	token, err := b.OpenChannel(context.Background(), "a", "b", "us-east-1")
	require.NoError(t, err)

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.ErrorIs(t, b.Consume(token), interfaces.ErrTokenExpired)
}

func TestCloseChannelCancelledContext(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil)
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://signed", time.Now().Add(time.Hour), nil)
	objects.On("RevokeToken", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	objects.On("DeleteContainer", mock.Anything, mock.Anything).Return(nil).Once()

	token, err := b.OpenChannel(context.Background(), "a", "b", "us-east-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.CloseChannel(ctx, token))
	objects.AssertExpectations(t)
}

func TestCloseChannelFailureCanBeRetried(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil)
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://signed", time.Now().Add(time.Hour), nil)
	objects.On("RevokeToken", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	objects.On("DeleteContainer", mock.Anything, mock.Anything).Return(errors.New("access denied")).Once()
	objects.On("DeleteContainer", mock.Anything, mock.Anything).Return(nil).Once()

	token, err := b.OpenChannel(context.Background(), "a", "b", "us-east-1")
	require.NoError(t, err)

	require.Error(t, b.CloseChannel(context.Background(), token))
	assert.Len(t, b.Open(), 1)
	require.NoError(t, b.CloseChannel(context.Background(), token))
	assert.Empty(t, b.Open())
}

func TestCloseChannelConcurrentCallersShareFailure(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil)
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://signed", time.Now().Add(time.Hour), nil)

	token, err := b.OpenChannel(context.Background(), "a", "b", "us-east-1")
	require.NoError(t, err)

	revoking := make(chan struct{})
	release := make(chan struct{})
	denied := &interfaces.ProviderError{Provider: interfaces.ProviderAWS, Op: "DeleteBucket", Code: "AccessDenied", Err: interfaces.ErrUnauthorized}
	objects.On("RevokeToken", mock.Anything, token.Container, token.Object).Run(func(mock.Arguments) {
		close(revoking)
		<-release
	}).Return(nil).Once()
	objects.On("DeleteContainer", mock.Anything, token.Container).Return(denied).Once()

	first := make(chan error, 1)
	go func() { first <- b.CloseChannel(context.Background(), token) }()
	<-revoking

	second := make(chan error, 1)
	go func() { second <- b.CloseChannel(context.Background(), token) }()
	select {
	case err := <-second:
		t.Fatalf("second close returned before the first finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	assert.ErrorIs(t, <-first, interfaces.ErrUnauthorized)
	assert.ErrorIs(t, <-second, interfaces.ErrUnauthorized)
	objects.AssertNumberOfCalls(t, "DeleteContainer", 1)
	assert.Len(t, b.Open(), 1)
}

func TestConcurrentChannels(t *testing.T) {
	objects := new(MockObjectStore)
	b := newTestBroker(objects)

	objects.On("CreateContainer", mock.Anything, mock.Anything).Return(nil)
	objects.On("IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://signed", time.Now().Add(time.Hour), nil)
	objects.On("RevokeToken", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	objects.On("DeleteContainer", mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	containers := make([]string, 16)
	for i := range containers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := b.OpenChannel(context.Background(), "a", "b", "us-east-1")
			if !assert.NoError(t, err) {
				return
			}
			containers[i] = token.Container
			assert.NoError(t, b.CloseChannel(context.Background(), token))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range containers {
		assert.False(t, seen[c], "container names must be unique")
		seen[c] = true
	}
	assert.Empty(t, b.Open())
}

func TestOpenChannelValidation(t *testing.T) {
	b := newTestBroker(new(MockObjectStore))
	_, err := b.OpenChannel(context.Background(), "", "b", "us-east-1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}
