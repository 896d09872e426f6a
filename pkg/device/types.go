package device

import (
	"context"
	"strings"
	"time"
)

// Kind classifies a pool member. The set is closed; callers switch on it
// instead of inspecting concrete types.
type Kind string

const (
	KindPhysical     Kind = "physical"
	KindEmulator     Kind = "emulator"
	KindStubEmulator Kind = "stub-emulator"
	KindNullDevice   Kind = "null-device"
)

// State describes where a device is in the allocation lifecycle.
type State string

const (
	StateUnknown      State = "unknown"
	StateAvailable    State = "available"
	StateAllocated    State = "allocated"
	StateUnavailable  State = "unavailable"
	StateOffline      State = "offline"
	StateDisconnected State = "disconnected"
)

// IsFreeTarget reports whether s is a valid destination for a freed device.
func (s State) IsFreeTarget() bool {
	switch s {
	case StateAvailable, StateUnavailable, StateOffline, StateDisconnected:
		return true
	default:
		return false
	}
}

// ParseState maps a case-insensitive state name to a State.
func ParseState(raw string) (State, bool) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateAvailable:
		return StateAvailable, true
	case StateAllocated:
		return StateAllocated, true
	case StateUnavailable:
		return StateUnavailable, true
	case StateOffline:
		return StateOffline, true
	case StateDisconnected:
		return StateDisconnected, true
	case StateUnknown:
		return StateUnknown, true
	default:
		return "", false
	}
}

// Device is the handle returned to callers that allocate a pool member.
type Device struct {
	Serial string
	Kind   Kind
}

// NewStubEmulator returns a placeholder emulator that is only handed out when
// explicitly requested.
func NewStubEmulator(serial string) Device {
	return Device{Serial: serial, Kind: KindStubEmulator}
}

// NewNullDevice returns a placeholder used for work that needs no device.
func NewNullDevice(serial string) Device {
	return Device{Serial: serial, Kind: KindNullDevice}
}

func (d Device) IsEmulator() bool {
	return d.Kind == KindEmulator || d.Kind == KindStubEmulator
}

func (d Device) IsStubPlaceholder() bool {
	return d.Kind == KindStubEmulator
}

func (d Device) IsNullPlaceholder() bool {
	return d.Kind == KindNullDevice
}

// IsPlaceholder reports whether the device has no backing hardware.
func (d Device) IsPlaceholder() bool {
	return d.IsStubPlaceholder() || d.IsNullPlaceholder()
}

// Querier fetches dynamic attributes from the device bridge. Every call may
// fail; callers treat a failure as an absent attribute.
type Querier interface {
	ProductType(ctx context.Context, serial string) (string, error)
	ProductVariant(ctx context.Context, serial string) (string, error)
	Property(ctx context.Context, serial, key string) (string, error)
	BatteryLevel(ctx context.Context, serial string) (int, error)
}

// Observation is a single device sighting reported by a discovery provider.
type Observation struct {
	Serial string
	Kind   Kind
	Online bool
}

// Provider lists the devices currently visible to the bridge.
type Provider interface {
	ListDevices(ctx context.Context) ([]Observation, error)
}

// Releaser is implemented by providers that hold per-device resources which
// must be returned when the pool shuts down.
type Releaser interface {
	ReleaseDevice(ctx context.Context, serial string) error
}

// Status is the externally visible view of one pool record.
type Status struct {
	Serial       string    `json:"serial"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	PendingState State     `json:"pending_state,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	AllocatedAt  time.Time `json:"allocated_at,omitempty"`
	Info         *Info     `json:"info,omitempty"`
}
