package selection

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// EnvAndroidSerial names the fallback serial consulted when a criteria has no
	// explicit serials.
	EnvAndroidSerial = "ANDROID_SERIAL"

	variantSeparator = ":"
)

// Device property names used to resolve product type and variant.
const (
	ProductProperty = "ro.hardware"
	VariantProperty = "ro.product.device"
)

// SerialSource returns a fallback serial, or "" when none is configured.
type SerialSource func() string

// EnvSerialSource reads ANDROID_SERIAL through lookup; a nil lookup uses os.Getenv.
func EnvSerialSource(lookup func(string) string) SerialSource {
	if lookup == nil {
		lookup = os.Getenv
	}
	return func() string {
		return strings.TrimSpace(lookup(EnvAndroidSerial))
	}
}

// Option configures a Criteria at construction time.
type Option func(*Criteria)

// WithSerialSource sets the fallback serial source.
func WithSerialSource(src SerialSource) Option {
	return func(c *Criteria) {
		c.serialSource = src
	}
}

// Criteria describes which device a request wants.
type Criteria struct {
	mu sync.Mutex

	serials        []string
	excludeSerials []string
	productTypes   []string
	// product -> variants; a nil set means any variant.
	productVariants map[string]map[string]struct{}
	properties      map[string]string

	emulatorRequested     bool
	deviceRequested       bool
	stubEmulatorRequested bool
	nullDeviceRequested   bool

	minBattery          *int
	maxBattery          *int
	requireBatteryCheck bool

	serialSource    SerialSource
	fetchedFallback bool
}

// New builds an empty criteria, which matches every non-placeholder device.
func New(opts ...Option) *Criteria {
	c := &Criteria{
		productVariants: make(map[string]map[string]struct{}),
		properties:      make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AddSerial appends a serial to the allow-list.
func (c *Criteria) AddSerial(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serials = append(c.serials, serial)
}

// SetSerial replaces the allow-list.
func (c *Criteria) SetSerial(serials ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serials = append([]string(nil), serials...)
}

// AddExcludeSerial appends a serial to the deny-list.
func (c *Criteria) AddExcludeSerial(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.excludeSerials = append(c.excludeSerials, serial)
}

// AddProductType adds a "product" or "product:variant" constraint. Tokens with
// more than one separator are rejected.
func (c *Criteria) AddProductType(token string) error {
	parts := strings.Split(token, variantSeparator)
	if len(parts) > 2 {
		return errors.Errorf("product type filter %q is invalid: it must contain 0 or 1 %q characters, not %d",
			token, variantSeparator, len(parts)-1)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.productTypes = append(c.productTypes, token)
	product := parts[0]
	if len(parts) == 1 {
		if _, ok := c.productVariants[product]; !ok {
			c.productVariants[product] = nil
		}
		return nil
	}
	variants := c.productVariants[product]
	if variants == nil {
		variants = make(map[string]struct{})
		c.productVariants[product] = variants
	}
	variants[parts[1]] = struct{}{}
	return nil
}

// AddProperty adds a key=value constraint. Malformed tokens are dropped with a
// warning.
func (c *Criteria) AddProperty(token string) {
	key, value, ok := parseProperty(token)
	if !ok {
		log.Warn().Str("property", token).Msg("unrecognized property key value pair")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[key] = value
}

func parseProperty(token string) (string, string, bool) {
	parts := strings.Split(token, "=")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *Criteria) SetEmulatorRequested(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emulatorRequested = v
}

func (c *Criteria) SetDeviceRequested(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceRequested = v
}

func (c *Criteria) SetStubEmulatorRequested(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubEmulatorRequested = v
}

func (c *Criteria) SetNullDeviceRequested(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nullDeviceRequested = v
}

// SetMinBatteryLevel sets the inclusive lower battery bound; nil clears it.
func (c *Criteria) SetMinBatteryLevel(level *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minBattery = cloneInt(level)
}

// SetMaxBatteryLevel sets the exclusive upper battery bound; nil clears it.
func (c *Criteria) SetMaxBatteryLevel(level *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBattery = cloneInt(level)
}

// SetRequireBatteryCheck rejects devices with unknown battery level whenever a
// battery bound is set.
func (c *Criteria) SetRequireBatteryCheck(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requireBatteryCheck = v
}

// Serials returns the allow-list. When it is empty the fallback source is
// consulted once and its value, if any, is kept.
func (c *Criteria) Serials() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serialsLocked()
}

func (c *Criteria) serialsLocked() []string {
	if len(c.serials) == 0 && !c.fetchedFallback {
		c.fetchedFallback = true
		if c.serialSource != nil {
			if serial := c.serialSource(); serial != "" {
				c.serials = append(c.serials, serial)
			}
		}
	}
	return append([]string(nil), c.serials...)
}

func (c *Criteria) ExcludeSerials() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.excludeSerials...)
}

func (c *Criteria) ProductTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.productTypes...)
}

func (c *Criteria) Properties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

func (c *Criteria) EmulatorRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emulatorRequested
}

func (c *Criteria) DeviceRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceRequested
}

func (c *Criteria) StubEmulatorRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stubEmulatorRequested
}

func (c *Criteria) NullDeviceRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nullDeviceRequested
}

func (c *Criteria) MinBatteryLevel() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneInt(c.minBattery)
}

func (c *Criteria) MaxBatteryLevel() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneInt(c.maxBattery)
}

func (c *Criteria) RequireBatteryCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireBatteryCheck
}

// view is an immutable copy taken once per match evaluation.
type view struct {
	serials               map[string]struct{}
	excludeSerials        map[string]struct{}
	productVariants       map[string]map[string]struct{}
	properties            map[string]string
	emulatorRequested     bool
	deviceRequested       bool
	stubEmulatorRequested bool
	nullDeviceRequested   bool
	minBattery            *int
	maxBattery            *int
	requireBatteryCheck   bool
}

func (c *Criteria) view() view {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := view{
		serials:               toSet(c.serialsLocked()),
		excludeSerials:        toSet(c.excludeSerials),
		productVariants:       make(map[string]map[string]struct{}, len(c.productVariants)),
		properties:            make(map[string]string, len(c.properties)),
		emulatorRequested:     c.emulatorRequested,
		deviceRequested:       c.deviceRequested,
		stubEmulatorRequested: c.stubEmulatorRequested,
		nullDeviceRequested:   c.nullDeviceRequested,
		minBattery:            cloneInt(c.minBattery),
		maxBattery:            cloneInt(c.maxBattery),
		requireBatteryCheck:   c.requireBatteryCheck,
	}
	for product, variants := range c.productVariants {
		if variants == nil {
			v.productVariants[product] = nil
			continue
		}
		cp := make(map[string]struct{}, len(variants))
		for variant := range variants {
			cp[variant] = struct{}{}
		}
		v.productVariants[product] = cp
	}
	for k, val := range c.properties {
		v.properties[k] = val
	}
	return v
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
