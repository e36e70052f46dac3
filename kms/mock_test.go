package kms

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockKeyService struct {
	mock.Mock
}

func (m *MockKeyService) CreateKey(ctx context.Context, description string, tags map[string]string) (string, error) {
	args := m.Called(ctx, description, tags)
	return args.String(0), args.Error(1)
}

func (m *MockKeyService) GrantKey(ctx context.Context, keyID, principal string) error {
	args := m.Called(ctx, keyID, principal)
	return args.Error(0)
}

func (m *MockKeyService) RevokeKey(ctx context.Context, keyID, principal string) error {
	args := m.Called(ctx, keyID, principal)
	return args.Error(0)
}

func (m *MockKeyService) DeleteKey(ctx context.Context, keyID string) error {
	args := m.Called(ctx, keyID)
	return args.Error(0)
}
