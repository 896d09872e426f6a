package devicepool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/monitor"
	"github.com/httprunner/DevicePool/pkg/selection"
)

const (
	defaultPollInterval        = 5 * time.Second
	defaultDisconnectThreshold = 5 * time.Minute

	nullDeviceSerialFormat   = "null-device-%d"
	stubEmulatorSerialFormat = "emulator-%d"
	stubEmulatorBasePort     = 5554
)

// Config controls Pool behavior.
type Config struct {
	// Provider reports the devices visible to the bridge. When nil the pool
	// only holds placeholders and devices reported via ReportDevice.
	Provider device.Provider
	// Querier resolves product type, properties and battery level for matching.
	Querier device.Querier
	// Monitor receives state changes; a fresh one is created when nil.
	Monitor *monitor.Monitor

	PollInterval time.Duration
	// DisconnectThreshold is how long an unseen device stays Offline before it
	// is marked Disconnected and dropped.
	DisconnectThreshold time.Duration
	// Allowlist restricts which discovered serials enter the pool.
	Allowlist []string

	NumNullDevices   int
	NumStubEmulators int
}

type record struct {
	dev         device.Device
	state       device.State
	pending     device.State
	lastSeen    time.Time
	allocatedAt time.Time
	snapshot    *device.Info
}

// Pool owns the allocation state of every known device. It is the only
// component that changes a device's state.
type Pool struct {
	cfg       Config
	provider  device.Provider
	querier   device.Querier
	monitor   *monitor.Monitor
	allowlist map[string]struct{}
	now       func() time.Time

	mu          sync.Mutex
	records     map[string]*record
	order       []string
	seq         uint64
	queue       []monitor.Event
	initialized bool
	terminated  bool
	cancel      context.CancelFunc
	group       *errgroup.Group

	// notifyMu serializes delivery so observers see events in commit order.
	notifyMu sync.Mutex
}

// New builds a pool. Call Init to populate it.
func New(cfg Config) (*Pool, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DisconnectThreshold <= 0 {
		cfg.DisconnectThreshold = defaultDisconnectThreshold
	}
	if cfg.NumNullDevices < 0 || cfg.NumStubEmulators < 0 {
		return nil, errors.New("placeholder device counts cannot be negative")
	}
	mon := cfg.Monitor
	if mon == nil {
		mon = monitor.New()
	}
	p := &Pool{
		cfg:       cfg,
		provider:  cfg.Provider,
		querier:   cfg.Querier,
		monitor:   mon,
		allowlist: buildDeviceAllowlistSet(cfg.Allowlist),
		now:       time.Now,
		records:   make(map[string]*record),
	}
	mon.SetLister(p)
	return p, nil
}

// Monitor returns the observer registry fed by this pool.
func (p *Pool) Monitor() *monitor.Monitor {
	return p.monitor
}

// Init seeds placeholder devices, runs one discovery pass and starts
// background discovery bound to ctx. Devices may still be arriving when it
// returns. Calling Init again is a no-op.
func (p *Pool) Init(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.seedPlaceholdersLocked()
	p.mu.Unlock()
	p.flush()

	if p.provider == nil {
		log.Info().Msg("device pool started without provider, discovery disabled")
		return nil
	}
	if err := p.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("device pool initial discovery failed")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(loopCtx)
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		cancel()
		return ErrPoolTerminated
	}
	p.cancel = cancel
	p.group = group
	p.mu.Unlock()

	GroupGoSafe(groupCtx, group, "device-discovery", p.discoveryLoop)
	log.Info().Dur("poll_interval", p.cfg.PollInterval).Msg("device pool discovery started")
	return nil
}

func (p *Pool) seedPlaceholdersLocked() {
	now := p.now()
	for i := 0; i < p.cfg.NumNullDevices; i++ {
		p.addRecordLocked(device.NewNullDevice(fmt.Sprintf(nullDeviceSerialFormat, i)), device.StateAvailable, now)
	}
	for i := 0; i < p.cfg.NumStubEmulators; i++ {
		serial := fmt.Sprintf(stubEmulatorSerialFormat, stubEmulatorBasePort+2*i)
		p.addRecordLocked(device.NewStubEmulator(serial), device.StateAvailable, now)
	}
}

// AllocateDevice claims the first available device matching c, scanning in
// discovery order. Matching runs without the pool lock held; a candidate
// claimed by someone else in the meantime is skipped.
func (p *Pool) AllocateDevice(ctx context.Context, c *selection.Criteria) (device.Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	candidates, err := p.availableCandidates()
	if err != nil {
		return device.Device{}, err
	}
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return device.Device{}, errors.Wrap(err, "allocate device")
		}
		probe := device.NewProbe(ctx, cand.dev, p.querier)
		if !selection.Matches(c, probe) {
			continue
		}
		snapshot := probe.Snapshot()
		claimed, err := p.claim(cand, &snapshot)
		if err != nil {
			return device.Device{}, err
		}
		if claimed {
			log.Info().Str("serial", cand.dev.Serial).Str("kind", string(cand.dev.Kind)).Msg("device allocated")
			return cand.dev, nil
		}
		log.Debug().Str("serial", cand.dev.Serial).Msg("device claimed concurrently, continue scanning")
	}
	return device.Device{}, ErrNoDeviceAvailable
}

func (p *Pool) availableCandidates() ([]*record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil, ErrPoolTerminated
	}
	out := make([]*record, 0, len(p.order))
	for _, serial := range p.order {
		rec := p.records[serial]
		if rec != nil && rec.state == device.StateAvailable {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *Pool) claim(cand *record, snapshot *device.Info) (bool, error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return false, ErrPoolTerminated
	}
	current := p.records[cand.dev.Serial]
	if current != cand || current.state != device.StateAvailable {
		p.mu.Unlock()
		return false, nil
	}
	current.allocatedAt = p.now()
	current.snapshot = snapshot
	p.transitionLocked(current, device.StateAllocated)
	p.mu.Unlock()
	p.flush()
	return true, nil
}

// ForceAllocateDevice claims serial regardless of criteria. It never waits:
// a missing or busy device yields ErrNoDeviceAvailable.
func (p *Pool) ForceAllocateDevice(serial string) (device.Device, error) {
	serial = strings.TrimSpace(serial)
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return device.Device{}, ErrPoolTerminated
	}
	rec, ok := p.records[serial]
	if !ok {
		p.mu.Unlock()
		return device.Device{}, errors.Wrapf(ErrNoDeviceAvailable, "device %s not in pool", serial)
	}
	if rec.state != device.StateAvailable {
		state := rec.state
		p.mu.Unlock()
		return device.Device{}, errors.Wrapf(ErrNoDeviceAvailable, "device %s is %s", serial, state)
	}
	rec.allocatedAt = p.now()
	p.transitionLocked(rec, device.StateAllocated)
	dev := rec.dev
	p.mu.Unlock()
	p.flush()
	log.Info().Str("serial", serial).Msg("device force allocated")
	return dev, nil
}

// FreeDevice returns an allocated device to target. A health signal received
// while the device was allocated takes precedence over StateAvailable.
func (p *Pool) FreeDevice(dev device.Device, target device.State) error {
	if !target.IsFreeTarget() {
		return errors.Wrapf(ErrInvalidTransition, "cannot free device %s to %s", dev.Serial, target)
	}
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	rec, ok := p.records[dev.Serial]
	if !ok || rec.state != device.StateAllocated {
		state := device.StateUnknown
		if ok {
			state = rec.state
		}
		p.mu.Unlock()
		log.Warn().Str("serial", dev.Serial).Str("state", string(state)).Msg("free requested for device that is not allocated")
		return errors.Wrapf(ErrInvalidTransition, "device %s is %s, not allocated", dev.Serial, state)
	}
	final := target
	if rec.pending != "" && target == device.StateAvailable {
		final = rec.pending
	}
	rec.pending = ""
	rec.allocatedAt = time.Time{}
	p.transitionLocked(rec, final)
	if final == device.StateDisconnected {
		p.removeLocked(dev.Serial)
	}
	p.mu.Unlock()
	p.flush()
	log.Info().Str("serial", dev.Serial).Str("state", string(final)).Msg("device freed")
	return nil
}

// Terminate stops discovery, releases allocated devices and rejects any
// further allocation. It is safe to call more than once and concurrently with
// in-flight requests.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	cancel, group := p.cancel, p.group
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			log.Warn().Err(err).Msg("device discovery stopped with error")
		}
	}

	p.mu.Lock()
	allocated := make([]*record, 0)
	for _, serial := range p.order {
		if rec := p.records[serial]; rec != nil && rec.state == device.StateAllocated {
			allocated = append(allocated, rec)
		}
	}
	p.mu.Unlock()

	releaser, _ := p.provider.(device.Releaser)
	for _, rec := range allocated {
		if releaser != nil && !rec.dev.IsPlaceholder() {
			if err := releaser.ReleaseDevice(context.Background(), rec.dev.Serial); err != nil {
				log.Error().Err(err).Str("serial", rec.dev.Serial).Msg("release device failed")
			}
		}
	}

	p.mu.Lock()
	for _, rec := range allocated {
		rec.pending = ""
		p.transitionLocked(rec, device.StateUnavailable)
	}
	p.mu.Unlock()
	p.flush()
	log.Info().Int("released", len(allocated)).Msg("device pool terminated")
}

// ListDevices returns a snapshot of every record in discovery order.
func (p *Pool) ListDevices() []device.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]device.Status, 0, len(p.order))
	for _, serial := range p.order {
		if rec := p.records[serial]; rec != nil {
			out = append(out, rec.status())
		}
	}
	return out
}

// Device returns the status of serial.
func (p *Pool) Device(serial string) (device.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[serial]
	if !ok {
		return device.Status{}, false
	}
	return rec.status(), true
}

func (r *record) status() device.Status {
	st := device.Status{
		Serial:       r.dev.Serial,
		Kind:         r.dev.Kind,
		State:        r.state,
		PendingState: r.pending,
		LastSeenAt:   r.lastSeen,
		AllocatedAt:  r.allocatedAt,
	}
	if r.snapshot != nil {
		info := *r.snapshot
		st.Info = &info
	}
	return st
}

func (p *Pool) addRecordLocked(dev device.Device, state device.State, now time.Time) *record {
	rec := &record{dev: dev, state: device.StateUnknown, lastSeen: now}
	p.records[dev.Serial] = rec
	p.order = append(p.order, dev.Serial)
	p.transitionLocked(rec, state)
	return rec
}

func (p *Pool) removeLocked(serial string) {
	delete(p.records, serial)
	for i, s := range p.order {
		if s == serial {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// transitionLocked commits a state change and queues its event. Callers must
// hold p.mu and call flush after releasing it.
func (p *Pool) transitionLocked(rec *record, to device.State) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to
	p.seq++
	p.queue = append(p.queue, monitor.Event{
		Serial: rec.dev.Serial,
		Kind:   rec.dev.Kind,
		From:   from,
		To:     to,
		Seq:    p.seq,
		At:     p.now(),
	})
}

// flush delivers queued events in commit order. It must not be called with
// p.mu held.
func (p *Pool) flush() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for {
		p.mu.Lock()
		events := p.queue
		p.queue = nil
		p.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			p.monitor.NotifyStateChange(ev)
		}
	}
}
