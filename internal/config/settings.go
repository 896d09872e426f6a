package config

import (
	"time"
)

// Environment keys read by Load. DEVICE_ALLOWLIST restricts the pool to the
// listed serials, e.g. DEVICE_ALLOWLIST="device-A,device-B".
const (
	EnvPollInterval        = "DEVICE_POLL_INTERVAL"
	EnvDisconnectThreshold = "DEVICE_DISCONNECT_THRESHOLD"
	EnvDeviceAllowlist     = "DEVICE_ALLOWLIST"
	EnvNullDevices         = "NUM_NULL_DEVICES"
	EnvStubEmulators       = "NUM_STUB_EMULATORS"
	EnvSQLitePath          = "DEVICEPOOL_SQLITE_PATH"
	EnvDeviceBitableURL    = "DEVICE_BITABLE_URL"
	EnvFeishuAppID         = "FEISHU_APP_ID"
	EnvFeishuAppSecret     = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL       = "FEISHU_BASE_URL"
	EnvHTTPAddr            = "DEVICEPOOL_HTTP_ADDR"
	EnvLogLevel            = "LOG_LEVEL"
	EnvProfilesPath        = "DEVICEPOOL_PROFILES"
)

const (
	DefaultPollInterval        = 5 * time.Second
	DefaultDisconnectThreshold = 5 * time.Minute
	DefaultHTTPAddr            = ":8090"
	DefaultLogLevel            = "info"
)

// Settings is the runtime configuration of the device pool service.
type Settings struct {
	PollInterval        time.Duration
	DisconnectThreshold time.Duration
	DeviceAllowlist     string
	NumNullDevices      int
	NumStubEmulators    int

	// SQLitePath enables the state journal when non-empty.
	SQLitePath string

	// DeviceBitableURL enables the Feishu device table when non-empty.
	DeviceBitableURL string
	FeishuAppID      string
	FeishuAppSecret  string
	FeishuBaseURL    string

	HTTPAddr     string
	LogLevel     string
	ProfilesPath string
}

// Load reads Settings from the environment, loading .env first.
func Load() Settings {
	s := Settings{
		PollInterval:        Duration(EnvPollInterval, DefaultPollInterval),
		DisconnectThreshold: Duration(EnvDisconnectThreshold, DefaultDisconnectThreshold),
		DeviceAllowlist:     String(EnvDeviceAllowlist, ""),
		NumNullDevices:      Int(EnvNullDevices, 0),
		NumStubEmulators:    Int(EnvStubEmulators, 0),
		SQLitePath:          String(EnvSQLitePath, ""),
		DeviceBitableURL:    String(EnvDeviceBitableURL, ""),
		FeishuAppID:         String(EnvFeishuAppID, ""),
		FeishuAppSecret:     String(EnvFeishuAppSecret, ""),
		FeishuBaseURL:       String(EnvFeishuBaseURL, ""),
		HTTPAddr:            String(EnvHTTPAddr, DefaultHTTPAddr),
		LogLevel:            String(EnvLogLevel, DefaultLogLevel),
		ProfilesPath:        String(EnvProfilesPath, ""),
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.DisconnectThreshold <= 0 {
		s.DisconnectThreshold = DefaultDisconnectThreshold
	}
	if s.NumNullDevices < 0 {
		s.NumNullDevices = 0
	}
	if s.NumStubEmulators < 0 {
		s.NumStubEmulators = 0
	}
	return s
}

// FeishuEnabled reports whether the Feishu device table is configured.
func (s Settings) FeishuEnabled() bool {
	return s.DeviceBitableURL != "" && s.FeishuAppID != "" && s.FeishuAppSecret != ""
}
