package ports

import (
	"context"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// ChannelSwitcher tunes an interface. Implementations must honour ctx so a
// stuck driver call cannot hold the hopper.
type ChannelSwitcher interface {
	SetChannel(ctx context.Context, iface string, t domain.Tuning) error
}

// InterfaceController manages the monitor interface on behalf of the
// control surface.
type InterfaceController interface {
	ChannelSwitcher
	State(ctx context.Context, iface string) (domain.InterfaceState, error)
	EnableMonitorMode(ctx context.Context, iface string) error
	AddMonitorInterface(ctx context.Context, parent, name string) error
}
