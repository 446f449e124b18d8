package web

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// MockInterfaceController is a mock of ports.InterfaceController
type MockInterfaceController struct {
	mock.Mock
}

func (m *MockInterfaceController) SetChannel(ctx context.Context, iface string, t domain.Tuning) error {
	args := m.Called(ctx, iface, t)
	return args.Error(0)
}

func (m *MockInterfaceController) State(ctx context.Context, iface string) (domain.InterfaceState, error) {
	args := m.Called(ctx, iface)
	return args.Get(0).(domain.InterfaceState), args.Error(1)
}

func (m *MockInterfaceController) EnableMonitorMode(ctx context.Context, iface string) error {
	args := m.Called(ctx, iface)
	return args.Error(0)
}

func (m *MockInterfaceController) AddMonitorInterface(ctx context.Context, parent, name string) error {
	args := m.Called(ctx, parent, name)
	return args.Error(0)
}
