package monitor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DevicePool/pkg/device"
)

// Event describes one committed device state transition.
type Event struct {
	Serial string
	Kind   device.Kind
	From   device.State
	To     device.State
	// Seq increases by one per transition within a pool.
	Seq uint64
	At  time.Time
}

// Lister gives observers read access to the pool.
type Lister interface {
	ListDevices() []device.Status
}

// Observer receives device state changes.
type Observer interface {
	OnDeviceStateChange(ev Event, lister Lister) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ev Event, lister Lister) error

func (f ObserverFunc) OnDeviceStateChange(ev Event, lister Lister) error {
	return f(ev, lister)
}

// Monitor fans state changes out to registered observers in registration
// order. A failing or panicking observer never prevents the others from
// being notified.
type Monitor struct {
	mu        sync.RWMutex
	observers []Observer
	lister    Lister
}

// New returns a monitor with no observers.
func New() *Monitor {
	return &Monitor{}
}

// SetLister sets the handle passed to observers.
func (m *Monitor) SetLister(lister Lister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lister = lister
}

// Register appends o to the observer list.
func (m *Monitor) Register(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Unregister removes the first observer identical to o. Unknown observers are
// ignored.
func (m *Monitor) Unregister(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.observers {
		if sameObserver(existing, o) {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// sameObserver compares by identity; observers of uncomparable dynamic type
// (func adapters) never compare equal.
func sameObserver(a, b Observer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Len returns the number of registered observers.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// NotifyStateChange invokes every observer once with ev and returns the
// failures it collected.
func (m *Monitor) NotifyStateChange(ev Event) []error {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	lister := m.lister
	m.mu.RUnlock()

	log.Debug().
		Str("serial", ev.Serial).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Uint64("seq", ev.Seq).
		Int("observers", len(observers)).
		Msg("device state changed")

	var failures []error
	for idx, o := range observers {
		if err := invoke(o, ev, lister); err != nil {
			err = errors.Wrapf(err, "observer %d (%T)", idx, o)
			log.Error().Err(err).Str("serial", ev.Serial).Msg("device state observer failed")
			failures = append(failures, err)
		}
	}
	return failures
}

func invoke(o Observer, ev Event, lister Lister) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return o.OnDeviceStateChange(ev, lister)
}
