package adb

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/selection"
)

const emulatorSerialPrefix = "emulator-"

// Provider implements device.Provider and device.Querier using gadb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices reports every device adb can see. Only devices in the "device"
// state count as online.
func (p *Provider) ListDevices(ctx context.Context) ([]device.Observation, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make([]device.Observation, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			state = gadb.StateUnknown
		}
		out = append(out, device.Observation{
			Serial: serial,
			Kind:   kindForSerial(serial),
			Online: state == gadb.StateOnline,
		})
	}
	return out, nil
}

// ProductType returns the hardware name reported by getprop.
func (p *Provider) ProductType(ctx context.Context, serial string) (string, error) {
	return p.Property(ctx, serial, selection.ProductProperty)
}

// ProductVariant returns the product device name reported by getprop.
func (p *Provider) ProductVariant(ctx context.Context, serial string) (string, error) {
	return p.Property(ctx, serial, selection.VariantProperty)
}

// Property reads a single system property. An unset property yields "".
func (p *Provider) Property(ctx context.Context, serial, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("adb provider: empty property key")
	}
	output, err := p.runShell(ctx, serial, "getprop", key)
	if err != nil {
		return "", errors.Wrapf(err, "getprop %s", key)
	}
	return strings.TrimSpace(output), nil
}

// BatteryLevel parses the level line of dumpsys battery.
func (p *Provider) BatteryLevel(ctx context.Context, serial string) (int, error) {
	output, err := p.runShell(ctx, serial, "dumpsys", "battery")
	if err != nil {
		return 0, errors.Wrap(err, "dumpsys battery")
	}
	return parseBatteryLevel(output)
}

func (p *Provider) runShell(ctx context.Context, serial string, cmd string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dev, err := p.findDevice(serial)
	if err != nil {
		return "", err
	}
	return dev.RunShellCommand(cmd, args...)
}

func (p *Provider) findDevice(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func kindForSerial(serial string) device.Kind {
	if strings.HasPrefix(serial, emulatorSerialPrefix) {
		return device.KindEmulator
	}
	return device.KindPhysical
}

// parseBatteryLevel extracts "level: N" from dumpsys battery output.
func parseBatteryLevel(output string) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "level:")
		if !ok {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, errors.Wrapf(err, "parse battery level %q", value)
		}
		if level < 0 || level > 100 {
			return 0, errors.Errorf("battery level %d out of range", level)
		}
		return level, nil
	}
	return 0, errors.New("battery level not reported")
}
