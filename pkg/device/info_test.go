package device

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

type countingQuerier struct {
	mu    sync.Mutex
	calls map[string]int
	props map[string]string
}

func newCountingQuerier() *countingQuerier {
	return &countingQuerier{
		calls: make(map[string]int),
		props: map[string]string{"ro.build.type": "userdebug"},
	}
}

func (q *countingQuerier) hit(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls[name]++
}

func (q *countingQuerier) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[name]
}

func (q *countingQuerier) total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.calls {
		n += c
	}
	return n
}

func (q *countingQuerier) ProductType(ctx context.Context, serial string) (string, error) {
	q.hit("product")
	return "bullhead", nil
}

func (q *countingQuerier) ProductVariant(ctx context.Context, serial string) (string, error) {
	q.hit("variant")
	return "", errors.New("getprop failed")
}

func (q *countingQuerier) Property(ctx context.Context, serial, key string) (string, error) {
	q.hit("property:" + key)
	return q.props[key], nil
}

func (q *countingQuerier) BatteryLevel(ctx context.Context, serial string) (int, error) {
	q.hit("battery")
	return 42, nil
}

func TestProbeQueriesEachAttributeOnce(t *testing.T) {
	q := newCountingQuerier()
	p := NewProbe(context.Background(), Device{Serial: "device-A", Kind: KindPhysical}, q)

	for i := 0; i < 3; i++ {
		if v, ok := p.ProductType(); !ok || v != "bullhead" {
			t.Fatalf("unexpected product type %q %v", v, ok)
		}
		if _, ok := p.ProductVariant(); ok {
			t.Fatal("failed variant query should be absent")
		}
		if v, ok := p.Property("ro.build.type"); !ok || v != "userdebug" {
			t.Fatalf("unexpected property %q %v", v, ok)
		}
		if _, ok := p.Property("ro.unset"); ok {
			t.Fatal("empty property should be absent")
		}
		if v, ok := p.BatteryLevel(); !ok || v != 42 {
			t.Fatalf("unexpected battery %d %v", v, ok)
		}
	}
	for _, name := range []string{"product", "variant", "property:ro.build.type", "property:ro.unset", "battery"} {
		if got := q.count(name); got != 1 {
			t.Fatalf("%s queried %d times, want 1", name, got)
		}
	}
}

func TestProbeSnapshotHoldsFetchedAttributes(t *testing.T) {
	q := newCountingQuerier()
	p := NewProbe(context.Background(), Device{Serial: "emulator-5554", Kind: KindEmulator}, q)

	info := p.Snapshot()
	if info.Serial != "emulator-5554" || !info.Emulator || info.StubEmulator || info.NullDevice {
		t.Fatalf("unexpected identity in snapshot: %+v", info)
	}
	if info.ProductType != "" || info.Battery != nil || info.Properties != nil {
		t.Fatalf("nothing fetched yet, got %+v", info)
	}
	if q.total() != 0 {
		t.Fatalf("snapshot must not query the device, got %v", q.calls)
	}

	p.ProductType()
	p.ProductVariant()
	p.Property("ro.build.type")
	p.Property("ro.unset")
	p.BatteryLevel()

	info = p.Snapshot()
	if info.ProductType != "bullhead" || info.ProductVariant != "" {
		t.Fatalf("unexpected product fields: %+v", info)
	}
	if len(info.Properties) != 1 || info.Properties["ro.build.type"] != "userdebug" {
		t.Fatalf("unexpected properties: %+v", info.Properties)
	}
	if info.Battery == nil || *info.Battery != 42 {
		t.Fatalf("unexpected battery: %v", info.Battery)
	}

	*info.Battery = 7
	if again := p.Snapshot(); *again.Battery != 42 {
		t.Fatal("snapshot should not share battery storage with the probe")
	}
}

func TestProbePlaceholdersNeverQuery(t *testing.T) {
	for _, dev := range []Device{NewStubEmulator("emulator-5554"), NewNullDevice("null-device-0")} {
		q := newCountingQuerier()
		p := NewProbe(context.Background(), dev, q)
		if _, ok := p.ProductType(); ok {
			t.Fatalf("%s: placeholder should have no product type", dev.Serial)
		}
		if _, ok := p.Property("ro.build.type"); ok {
			t.Fatalf("%s: placeholder should have no properties", dev.Serial)
		}
		if _, ok := p.BatteryLevel(); ok {
			t.Fatalf("%s: placeholder should have no battery", dev.Serial)
		}
		if q.total() != 0 {
			t.Fatalf("%s: querier was called %v", dev.Serial, q.calls)
		}
	}

	stub := NewProbe(context.Background(), NewStubEmulator("emulator-5554"), nil)
	if !stub.IsEmulator() || !stub.IsStubEmulator() || stub.IsNullDevice() {
		t.Fatal("stub emulator capabilities derived from kind")
	}
}

func TestProbeWithoutQuerier(t *testing.T) {
	p := NewProbe(nil, Device{Serial: "device-A", Kind: KindPhysical}, nil)
	if _, ok := p.ProductType(); ok {
		t.Fatal("expected absent product type without querier")
	}
	if _, ok := p.BatteryLevel(); ok {
		t.Fatal("expected absent battery without querier")
	}
}

func TestInfoAttributes(t *testing.T) {
	level := 80
	a := InfoAttributes{Info: Info{
		Serial:     "device-A",
		Properties: map[string]string{"k": "v"},
		Battery:    &level,
	}}
	if _, ok := a.ProductType(); ok {
		t.Fatal("empty product type should be absent")
	}
	if v, ok := a.Property("k"); !ok || v != "v" {
		t.Fatalf("unexpected property %q %v", v, ok)
	}
	if v, ok := a.BatteryLevel(); !ok || v != 80 {
		t.Fatalf("unexpected battery %d %v", v, ok)
	}
}

func TestStateIsFreeTarget(t *testing.T) {
	for _, s := range []State{StateAvailable, StateUnavailable, StateOffline, StateDisconnected} {
		if !s.IsFreeTarget() {
			t.Fatalf("%s should be a free target", s)
		}
	}
	for _, s := range []State{StateUnknown, StateAllocated} {
		if s.IsFreeTarget() {
			t.Fatalf("%s should not be a free target", s)
		}
	}
}
