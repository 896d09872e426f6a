package devrecorder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/monitor"
)

// DeviceRow is one device inventory row.
type DeviceRow struct {
	Serial         string
	Kind           device.Kind
	Status         device.State
	ProductType    string
	ProductVariant string
	BatteryLevel   *int
	LastSeenAt     time.Time
}

// DeviceRecorder captures device state to an external store (e.g., Feishu bitable).
type DeviceRecorder interface {
	UpsertDevice(ctx context.Context, row DeviceRow) error
}

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) UpsertDevice(ctx context.Context, row DeviceRow) error { return nil }

const defaultQueueSize = 256

// Observer forwards pool state changes to a DeviceRecorder from the goroutine
// running Run. Rows are dropped with a warning when the queue is full.
type Observer struct {
	recorder DeviceRecorder
	queue    chan DeviceRow
}

// NewObserver wraps recorder. A queueSize <= 0 uses the default.
func NewObserver(recorder DeviceRecorder, queueSize int) *Observer {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Observer{recorder: recorder, queue: make(chan DeviceRow, queueSize)}
}

// OnDeviceStateChange implements monitor.Observer.
func (o *Observer) OnDeviceStateChange(ev monitor.Event, lister monitor.Lister) error {
	row := DeviceRow{
		Serial:     ev.Serial,
		Kind:       ev.Kind,
		Status:     ev.To,
		LastSeenAt: ev.At,
	}
	if lister != nil {
		for _, st := range lister.ListDevices() {
			if st.Serial != ev.Serial || st.Info == nil {
				continue
			}
			row.ProductType = st.Info.ProductType
			row.ProductVariant = st.Info.ProductVariant
			row.BatteryLevel = st.Info.Battery
			break
		}
	}
	select {
	case o.queue <- row:
	default:
		log.Warn().Str("serial", ev.Serial).Str("state", string(ev.To)).Msg("device recorder queue full, dropping row")
	}
	return nil
}

// Run drains queued rows until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case row := <-o.queue:
			if err := o.recorder.UpsertDevice(ctx, row); err != nil {
				log.Error().Err(err).Str("serial", row.Serial).Str("status", string(row.Status)).
					Msg("device recorder: upsert device failed")
			}
		}
	}
}
