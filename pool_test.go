package devicepool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/monitor"
	"github.com/httprunner/DevicePool/pkg/selection"
)

type stubDeviceProvider struct {
	mu       sync.Mutex
	devices  []device.Observation
	err      error
	released []string
}

func (s *stubDeviceProvider) ListDevices(ctx context.Context) ([]device.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]device.Observation, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *stubDeviceProvider) ReleaseDevice(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, serial)
	return nil
}

func (s *stubDeviceProvider) set(devices ...device.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

type stubQuerier struct {
	products map[string]string
	battery  map[string]int
}

func (q *stubQuerier) ProductType(ctx context.Context, serial string) (string, error) {
	if v, ok := q.products[serial]; ok {
		return v, nil
	}
	return "", errors.New("no product")
}

func (q *stubQuerier) ProductVariant(ctx context.Context, serial string) (string, error) {
	return "", errors.New("no variant")
}

func (q *stubQuerier) Property(ctx context.Context, serial, key string) (string, error) {
	return "", errors.New("no property")
}

func (q *stubQuerier) BatteryLevel(ctx context.Context, serial string) (int, error) {
	if v, ok := q.battery[serial]; ok {
		return v, nil
	}
	return 0, errors.New("battery unknown")
}

type eventLog struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (l *eventLog) OnDeviceStateChange(ev monitor.Event, lister monitor.Lister) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) snapshot() []monitor.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]monitor.Event(nil), l.events...)
}

func online(serials ...string) []device.Observation {
	out := make([]device.Observation, 0, len(serials))
	for _, s := range serials {
		out = append(out, device.Observation{Serial: s, Kind: device.KindPhysical, Online: true})
	}
	return out
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	t.Cleanup(p.Terminate)
	return p
}

func stateOf(t *testing.T, p *Pool, serial string) device.State {
	t.Helper()
	st, ok := p.Device(serial)
	if !ok {
		return ""
	}
	return st.State
}

func TestAllocateDeviceMatchesCriteria(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A", "device-B")}
	querier := &stubQuerier{products: map[string]string{"device-A": "bullhead", "device-B": "hammerhead"}}
	p := newTestPool(t, Config{Provider: provider, Querier: querier})

	c := selection.New()
	if err := c.AddProductType("hammerhead"); err != nil {
		t.Fatalf("AddProductType: %v", err)
	}
	dev, err := p.AllocateDevice(context.Background(), c)
	if err != nil {
		t.Fatalf("AllocateDevice returned error: %v", err)
	}
	if dev.Serial != "device-B" {
		t.Fatalf("expected device-B, got %s", dev.Serial)
	}
	st, _ := p.Device("device-B")
	if st.State != device.StateAllocated {
		t.Fatalf("expected allocated, got %s", st.State)
	}
	if st.Info == nil || st.Info.ProductType != "hammerhead" {
		t.Fatalf("expected snapshot with product type, got %+v", st.Info)
	}

	if _, err := p.AllocateDevice(context.Background(), c); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
	}
}

func TestAllocateDeviceScansInDiscoveryOrder(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-C", "device-A", "device-B")}
	p := newTestPool(t, Config{Provider: provider})
	for _, want := range []string{"device-C", "device-A", "device-B"} {
		dev, err := p.AllocateDevice(context.Background(), selection.New())
		if err != nil {
			t.Fatalf("AllocateDevice returned error: %v", err)
		}
		if dev.Serial != want {
			t.Fatalf("expected %s, got %s", want, dev.Serial)
		}
	}
}

func TestAllocateDeviceConcurrentSingleWinner(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("only-device")}
	p := newTestPool(t, Config{Provider: provider})

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		failures int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dev, err := p.AllocateDevice(context.Background(), selection.New())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrNoDeviceAvailable) {
					t.Errorf("unexpected error: %v", err)
				}
				failures++
				return
			}
			winners = append(winners, dev.Serial)
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || winners[0] != "only-device" {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if failures != callers-1 {
		t.Fatalf("expected %d failures, got %d", callers-1, failures)
	}
}

func TestForceAllocateDevice(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider})

	dev, err := p.ForceAllocateDevice("device-A")
	if err != nil {
		t.Fatalf("ForceAllocateDevice returned error: %v", err)
	}
	if dev.Serial != "device-A" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	if _, err := p.ForceAllocateDevice("device-A"); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable for busy device, got %v", err)
	}
	if _, err := p.ForceAllocateDevice("missing"); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable for unknown device, got %v", err)
	}
}

func TestFreeDeviceTransitionsAndNotifies(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	events := &eventLog{}
	mon := monitor.New()
	mon.Register(events)
	p := newTestPool(t, Config{Provider: provider, Monitor: mon})

	dev, err := p.ForceAllocateDevice("device-A")
	if err != nil {
		t.Fatalf("ForceAllocateDevice returned error: %v", err)
	}
	if err := p.FreeDevice(dev, device.StateUnavailable); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}

	got := events.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", got)
	}
	wantTo := []device.State{device.StateAvailable, device.StateAllocated, device.StateUnavailable}
	for i, ev := range got {
		if ev.To != wantTo[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTo[i], ev.To)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestFreeDeviceRejectsDeviceNotAllocated(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider})

	err := p.FreeDevice(device.Device{Serial: "device-A"}, device.StateAvailable)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateAvailable {
		t.Fatalf("state should be unchanged, got %s", got)
	}
	if err := p.FreeDevice(device.Device{Serial: "ghost"}, device.StateAvailable); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown device, got %v", err)
	}

	dev, _ := p.ForceAllocateDevice("device-A")
	if err := p.FreeDevice(dev, device.StateAllocated); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for allocated target, got %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateAllocated {
		t.Fatalf("state should stay allocated, got %s", got)
	}
}

func TestFreeDeviceDisconnectedRemovesRecord(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider})
	dev, _ := p.ForceAllocateDevice("device-A")
	if err := p.FreeDevice(dev, device.StateDisconnected); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if _, ok := p.Device("device-A"); ok {
		t.Fatal("disconnected device should be removed")
	}
}

func TestTerminateFailsFastAndReleases(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A", "device-B")}
	p := newTestPool(t, Config{Provider: provider})
	dev, err := p.ForceAllocateDevice("device-A")
	if err != nil {
		t.Fatalf("ForceAllocateDevice returned error: %v", err)
	}

	p.Terminate()
	p.Terminate()

	if _, err := p.AllocateDevice(context.Background(), selection.New()); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated from AllocateDevice, got %v", err)
	}
	if _, err := p.ForceAllocateDevice("device-B"); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated from ForceAllocateDevice, got %v", err)
	}
	if err := p.FreeDevice(dev, device.StateAvailable); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated from FreeDevice, got %v", err)
	}
	if err := p.Init(context.Background()); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated from Init, got %v", err)
	}

	provider.mu.Lock()
	released := append([]string(nil), provider.released...)
	provider.mu.Unlock()
	if len(released) != 1 || released[0] != "device-A" {
		t.Fatalf("expected device-A released, got %v", released)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateUnavailable {
		t.Fatalf("expected released device unavailable, got %s", got)
	}
}

func TestTerminateDuringAllocations(t *testing.T) {
	serials := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		serials = append(serials, fmt.Sprintf("device-%02d", i))
	}
	provider := &stubDeviceProvider{devices: online(serials...)}
	p := newTestPool(t, Config{Provider: provider})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := p.AllocateDevice(context.Background(), selection.New())
				if err != nil {
					if !errors.Is(err, ErrPoolTerminated) && !errors.Is(err, ErrNoDeviceAvailable) {
						t.Errorf("unexpected error: %v", err)
					}
					return
				}
			}
		}()
	}
	p.Terminate()
	for _, st := range p.ListDevices() {
		if st.State == device.StateAllocated {
			t.Fatalf("device %s still allocated after terminate", st.Serial)
		}
	}
	wg.Wait()
	if _, err := p.AllocateDevice(context.Background(), selection.New()); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated, got %v", err)
	}
}

func TestPlaceholdersAreOptIn(t *testing.T) {
	p := newTestPool(t, Config{NumNullDevices: 1, NumStubEmulators: 1})

	if _, err := p.AllocateDevice(context.Background(), selection.New()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("placeholders must not match empty criteria, got %v", err)
	}

	nullReq := selection.New()
	nullReq.SetNullDeviceRequested(true)
	dev, err := p.AllocateDevice(context.Background(), nullReq)
	if err != nil {
		t.Fatalf("null device allocation failed: %v", err)
	}
	if dev.Serial != "null-device-0" || !dev.IsNullPlaceholder() {
		t.Fatalf("unexpected null device: %+v", dev)
	}

	stubReq := selection.New()
	stubReq.SetStubEmulatorRequested(true)
	dev, err = p.AllocateDevice(context.Background(), stubReq)
	if err != nil {
		t.Fatalf("stub emulator allocation failed: %v", err)
	}
	if dev.Serial != "emulator-5554" || !dev.IsStubPlaceholder() {
		t.Fatalf("unexpected stub emulator: %+v", dev)
	}
}

func TestReconcileTransitions(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider, DisconnectThreshold: time.Minute})
	clock := time.Now()
	p.now = func() time.Time { return clock }

	if err := p.Reconcile([]device.Observation{{Serial: "device-A", Online: false}}); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateOffline {
		t.Fatalf("expected offline, got %s", got)
	}

	if err := p.Reconcile(online("device-A")); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateAvailable {
		t.Fatalf("expected available, got %s", got)
	}

	clock = clock.Add(10 * time.Second)
	if err := p.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateOffline {
		t.Fatalf("expected offline while missing, got %s", got)
	}

	clock = clock.Add(2 * time.Minute)
	if err := p.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if _, ok := p.Device("device-A"); ok {
		t.Fatal("device should be disconnected and removed")
	}

	if err := p.Reconcile(online("device-A")); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateAvailable {
		t.Fatalf("rediscovered device should be available, got %s", got)
	}
}

func TestHealthSignalWhileAllocatedAppliedOnFree(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider})
	dev, _ := p.ForceAllocateDevice("device-A")

	if err := p.ReportDevice(device.Observation{Serial: "device-A", Online: false}); err != nil {
		t.Fatalf("ReportDevice returned error: %v", err)
	}
	st, _ := p.Device("device-A")
	if st.State != device.StateAllocated || st.PendingState != device.StateOffline {
		t.Fatalf("expected allocated with pending offline, got %+v", st)
	}

	if err := p.FreeDevice(dev, device.StateAvailable); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateOffline {
		t.Fatalf("pending offline should win over available, got %s", got)
	}
}

func TestPendingDisconnectSurvivesOnlineSighting(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	events := &eventLog{}
	mon := monitor.New()
	mon.Register(events)
	p := newTestPool(t, Config{Provider: provider, Monitor: mon})
	dev, err := p.ForceAllocateDevice("device-A")
	if err != nil {
		t.Fatalf("ForceAllocateDevice returned error: %v", err)
	}

	if err := p.ReportDisconnected("device-A"); err != nil {
		t.Fatalf("ReportDisconnected returned error: %v", err)
	}
	if err := p.ReportDevice(device.Observation{Serial: "device-A", Online: true}); err != nil {
		t.Fatalf("ReportDevice returned error: %v", err)
	}
	st, _ := p.Device("device-A")
	if st.PendingState != device.StateDisconnected {
		t.Fatalf("online sighting must not clear pending disconnect, got %+v", st)
	}

	if err := p.FreeDevice(dev, device.StateAvailable); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if _, ok := p.Device("device-A"); ok {
		t.Fatal("disconnected device should be removed on free")
	}
	got := events.snapshot()
	last := got[len(got)-1]
	if last.Serial != "device-A" || last.From != device.StateAllocated || last.To != device.StateDisconnected {
		t.Fatalf("expected allocated->disconnected event, got %+v", last)
	}
}

func TestOnlineSightingClearsPendingOffline(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A")}
	p := newTestPool(t, Config{Provider: provider})
	dev, _ := p.ForceAllocateDevice("device-A")

	if err := p.ReportDevice(device.Observation{Serial: "device-A", Online: false}); err != nil {
		t.Fatalf("ReportDevice returned error: %v", err)
	}
	if err := p.ReportDevice(device.Observation{Serial: "device-A", Online: true}); err != nil {
		t.Fatalf("ReportDevice returned error: %v", err)
	}
	if err := p.FreeDevice(dev, device.StateAvailable); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if got := stateOf(t, p, "device-A"); got != device.StateAvailable {
		t.Fatalf("device back online should be available, got %s", got)
	}
}

func TestReportDisconnected(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A", "device-B")}
	p := newTestPool(t, Config{Provider: provider})
	dev, _ := p.ForceAllocateDevice("device-B")

	if err := p.ReportDisconnected("device-A"); err != nil {
		t.Fatalf("ReportDisconnected returned error: %v", err)
	}
	if _, ok := p.Device("device-A"); ok {
		t.Fatal("device-A should be removed")
	}
	if err := p.ReportDisconnected("device-B"); err != nil {
		t.Fatalf("ReportDisconnected returned error: %v", err)
	}
	if err := p.FreeDevice(dev, device.StateAvailable); err != nil {
		t.Fatalf("FreeDevice returned error: %v", err)
	}
	if _, ok := p.Device("device-B"); ok {
		t.Fatal("device-B should be removed after free")
	}
}

func TestAllowlistRestrictsDiscovery(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A", "device-B")}
	p := newTestPool(t, Config{Provider: provider, Allowlist: ParseSerialList("device-B")})
	list := p.ListDevices()
	if len(list) != 1 || list[0].Serial != "device-B" {
		t.Fatalf("expected only device-B, got %+v", list)
	}
}

func TestBackgroundDiscoveryPicksUpNewDevices(t *testing.T) {
	provider := &stubDeviceProvider{}
	p := newTestPool(t, Config{Provider: provider, PollInterval: 5 * time.Millisecond})
	provider.set(online("late-device")...)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Device("late-device"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background discovery did not pick up late-device")
}

func TestEventsDeliveredInCommitOrder(t *testing.T) {
	provider := &stubDeviceProvider{devices: online("device-A", "device-B", "device-C")}
	events := &eventLog{}
	mon := monitor.New()
	mon.Register(events)
	p := newTestPool(t, Config{Provider: provider, Monitor: mon})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				dev, err := p.AllocateDevice(context.Background(), selection.New())
				if err != nil {
					continue
				}
				if err := p.FreeDevice(dev, device.StateAvailable); err != nil {
					t.Errorf("FreeDevice returned error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got := events.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i].Seq != got[i-1].Seq+1 {
			t.Fatalf("events out of order at %d: %d after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestParseSerialList(t *testing.T) {
	got := ParseSerialList(" a, b;a\tc | ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected serials: %v", got)
	}
	if ParseSerialList("  ") != nil {
		t.Fatal("blank list should parse to nil")
	}
}
