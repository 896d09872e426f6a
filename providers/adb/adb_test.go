package adb

import (
	"testing"

	"github.com/httprunner/DevicePool/pkg/device"
)

func TestParseBatteryLevel(t *testing.T) {
	output := `Current Battery Service state:
  AC powered: false
  USB powered: true
  status: 2
  health: 2
  present: true
  level: 87
  scale: 100
  voltage: 4231
`
	level, err := parseBatteryLevel(output)
	if err != nil {
		t.Fatalf("parseBatteryLevel returned error: %v", err)
	}
	if level != 87 {
		t.Fatalf("expected 87, got %d", level)
	}
}

func TestParseBatteryLevelErrors(t *testing.T) {
	cases := map[string]string{
		"missing":     "  scale: 100\n",
		"non-numeric": "  level: full\n",
		"range":       "  level: 140\n",
	}
	for name, output := range cases {
		if _, err := parseBatteryLevel(output); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestKindForSerial(t *testing.T) {
	if got := kindForSerial("emulator-5556"); got != device.KindEmulator {
		t.Fatalf("expected emulator kind, got %s", got)
	}
	if got := kindForSerial("R58M1234"); got != device.KindPhysical {
		t.Fatalf("expected physical kind, got %s", got)
	}
}
