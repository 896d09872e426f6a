package device

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Attributes is the read surface the selection matcher evaluates.
type Attributes interface {
	SerialNumber() string
	ProductType() (string, bool)
	ProductVariant() (string, bool)
	Property(key string) (string, bool)
	BatteryLevel() (int, bool)
	IsEmulator() bool
	IsStubEmulator() bool
	IsNullDevice() bool
}

// Info is a static snapshot of a device's identity and queried attributes.
type Info struct {
	Serial         string            `json:"serial"`
	ProductType    string            `json:"product_type,omitempty"`
	ProductVariant string            `json:"product_variant,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Battery        *int              `json:"battery,omitempty"`
	Emulator       bool              `json:"emulator"`
	StubEmulator   bool              `json:"stub_emulator"`
	NullDevice     bool              `json:"null_device"`
}

// InfoAttributes adapts a snapshot to Attributes. Empty product fields are
// treated as unknown.
type InfoAttributes struct {
	Info Info
}

func (a InfoAttributes) SerialNumber() string { return a.Info.Serial }

func (a InfoAttributes) ProductType() (string, bool) {
	return a.Info.ProductType, a.Info.ProductType != ""
}

func (a InfoAttributes) ProductVariant() (string, bool) {
	return a.Info.ProductVariant, a.Info.ProductVariant != ""
}

func (a InfoAttributes) Property(key string) (string, bool) {
	v, ok := a.Info.Properties[key]
	return v, ok
}

func (a InfoAttributes) BatteryLevel() (int, bool) {
	if a.Info.Battery == nil {
		return 0, false
	}
	return *a.Info.Battery, true
}

func (a InfoAttributes) IsEmulator() bool     { return a.Info.Emulator }
func (a InfoAttributes) IsStubEmulator() bool { return a.Info.StubEmulator }
func (a InfoAttributes) IsNullDevice() bool   { return a.Info.NullDevice }

type lookup struct {
	value string
	ok    bool
}

// Probe is a lazy view over a live device. Each attribute is queried at most
// once; failures are logged and reported as absent.
type Probe struct {
	ctx     context.Context
	dev     Device
	querier Querier

	mu          sync.Mutex
	productType *lookup
	variant     *lookup
	props       map[string]lookup
	battery     *int
	batteryDone bool
}

// NewProbe builds a probe for dev. A nil querier, or a placeholder device,
// yields a probe where every queried attribute is absent.
func NewProbe(ctx context.Context, dev Device, querier Querier) *Probe {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Probe{
		ctx:     ctx,
		dev:     dev,
		querier: querier,
		props:   make(map[string]lookup),
	}
}

func (p *Probe) live() bool {
	return p.querier != nil && !p.dev.IsPlaceholder()
}

func (p *Probe) SerialNumber() string { return p.dev.Serial }
func (p *Probe) IsEmulator() bool     { return p.dev.IsEmulator() }
func (p *Probe) IsStubEmulator() bool { return p.dev.IsStubPlaceholder() }
func (p *Probe) IsNullDevice() bool   { return p.dev.IsNullPlaceholder() }

func (p *Probe) ProductType() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.productType == nil {
		p.productType = p.fetch("product type", func() (string, error) {
			return p.querier.ProductType(p.ctx, p.dev.Serial)
		})
	}
	return p.productType.value, p.productType.ok
}

func (p *Probe) ProductVariant() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.variant == nil {
		p.variant = p.fetch("product variant", func() (string, error) {
			return p.querier.ProductVariant(p.ctx, p.dev.Serial)
		})
	}
	return p.variant.value, p.variant.ok
}

func (p *Probe) Property(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.props[key]; ok {
		return cached.value, cached.ok
	}
	res := p.fetch("property "+key, func() (string, error) {
		return p.querier.Property(p.ctx, p.dev.Serial, key)
	})
	p.props[key] = *res
	return res.value, res.ok
}

func (p *Probe) BatteryLevel() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.batteryDone {
		p.batteryDone = true
		if p.live() {
			level, err := p.querier.BatteryLevel(p.ctx, p.dev.Serial)
			if err != nil {
				log.Warn().Err(err).Str("serial", p.dev.Serial).Msg("failed to query battery level")
			} else {
				p.battery = &level
			}
		}
	}
	if p.battery == nil {
		return 0, false
	}
	return *p.battery, true
}

func (p *Probe) fetch(what string, query func() (string, error)) *lookup {
	if !p.live() {
		return &lookup{}
	}
	val, err := query()
	if err != nil {
		log.Warn().Err(err).Str("serial", p.dev.Serial).Msgf("failed to query device %s", what)
		return &lookup{}
	}
	if val == "" {
		return &lookup{}
	}
	return &lookup{value: val, ok: true}
}

// Snapshot returns the attributes fetched so far.
func (p *Probe) Snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		Serial:       p.dev.Serial,
		Emulator:     p.dev.IsEmulator(),
		StubEmulator: p.dev.IsStubPlaceholder(),
		NullDevice:   p.dev.IsNullPlaceholder(),
	}
	if p.productType != nil {
		info.ProductType = p.productType.value
	}
	if p.variant != nil {
		info.ProductVariant = p.variant.value
	}
	for key, res := range p.props {
		if !res.ok {
			continue
		}
		if info.Properties == nil {
			info.Properties = make(map[string]string, len(p.props))
		}
		info.Properties[key] = res.value
	}
	if p.battery != nil {
		level := *p.battery
		info.Battery = &level
	}
	return info
}
