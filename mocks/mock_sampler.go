package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/paraloom/go-p2p/types"
)

// MockSampler is a mock implementation of the resource sampler used by the node service
type MockSampler struct {
	mock.Mock
}

// Start mocks the Start method
func (m *MockSampler) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockSampler) Stop() {
	m.Called()
}

// GetContribution mocks the GetContribution method
func (m *MockSampler) GetContribution() types.ResourceContribution {
	args := m.Called()
	return args.Get(0).(types.ResourceContribution)
}

// CheckGPU mocks the CheckGPU method
func (m *MockSampler) CheckGPU() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}

// NewMockSampler creates a new mock sampler instance
func NewMockSampler() *MockSampler {
	return &MockSampler{}
}
