package devicepool

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DevicePool/pkg/device"
)

func (p *Pool) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				if errors.Is(err, ErrPoolTerminated) {
					return nil
				}
				log.Error().Err(err).Msg("device pool discovery failed")
			}
		}
	}
}

// Refresh lists devices from the provider and reconciles the pool with what
// it reports.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.provider == nil {
		return errors.New("device pool: provider is nil")
	}
	observations, err := p.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	return p.Reconcile(observations)
}

// Reconcile applies a complete set of sightings. Devices missing from the set
// go Offline, then Disconnected once unseen for DisconnectThreshold.
// Allocated devices keep their state and carry the signal as pending until
// they are freed.
func (p *Pool) Reconcile(observations []device.Observation) error {
	now := p.now()
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	seen := make(map[string]struct{}, len(observations))
	for _, ob := range observations {
		serial, ok := p.acceptSerial(ob.Serial)
		if !ok {
			continue
		}
		seen[serial] = struct{}{}
		ob.Serial = serial
		p.applySightingLocked(ob, now)
	}

	for _, serial := range append([]string(nil), p.order...) {
		rec := p.records[serial]
		if rec == nil || rec.dev.IsPlaceholder() {
			continue
		}
		if _, ok := seen[serial]; ok {
			continue
		}
		p.applyMissingLocked(rec, now)
	}
	p.mu.Unlock()
	p.flush()
	return nil
}

// ReportDevice applies a single sighting pushed by a health check.
func (p *Pool) ReportDevice(ob device.Observation) error {
	serial, ok := p.acceptSerial(ob.Serial)
	if !ok {
		return nil
	}
	ob.Serial = serial
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	p.applySightingLocked(ob, p.now())
	p.mu.Unlock()
	p.flush()
	return nil
}

// ReportDisconnected marks serial as permanently gone. An allocated device is
// dropped when it is freed.
func (p *Pool) ReportDisconnected(serial string) error {
	serial = strings.TrimSpace(serial)
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	rec, ok := p.records[serial]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if rec.state == device.StateAllocated {
		rec.pending = device.StateDisconnected
		log.Warn().Str("serial", serial).Msg("device disconnected while allocated, will remove after free")
	} else {
		p.transitionLocked(rec, device.StateDisconnected)
		p.removeLocked(serial)
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	p.mu.Unlock()
	p.flush()
	return nil
}

func (p *Pool) acceptSerial(raw string) (string, bool) {
	serial := strings.TrimSpace(raw)
	if serial == "" {
		return "", false
	}
	if p.allowlist != nil {
		if _, ok := p.allowlist[serial]; !ok {
			return "", false
		}
	}
	return serial, true
}

func (p *Pool) applySightingLocked(ob device.Observation, now time.Time) {
	rec, exists := p.records[ob.Serial]
	if !exists {
		kind := ob.Kind
		if kind == "" {
			kind = device.KindPhysical
		}
		state := device.StateAvailable
		if !ob.Online {
			state = device.StateOffline
		}
		p.addRecordLocked(device.Device{Serial: ob.Serial, Kind: kind}, state, now)
		log.Info().Str("serial", ob.Serial).Str("state", string(state)).Msg("device connected")
		return
	}
	if rec.dev.IsPlaceholder() {
		log.Debug().Str("serial", ob.Serial).Msg("sighting shadowed by placeholder device")
		return
	}
	rec.lastSeen = now
	switch rec.state {
	case device.StateAllocated:
		if ob.Online {
			if rec.pending == device.StateOffline {
				rec.pending = ""
			}
		} else if rec.pending == "" {
			rec.pending = device.StateOffline
			log.Warn().Str("serial", ob.Serial).Msg("allocated device went offline")
		}
	case device.StateAvailable:
		if !ob.Online {
			p.transitionLocked(rec, device.StateOffline)
			log.Warn().Str("serial", ob.Serial).Msg("device went offline")
		}
	case device.StateOffline:
		if ob.Online {
			p.transitionLocked(rec, device.StateAvailable)
			log.Info().Str("serial", ob.Serial).Msg("device back online")
		}
	}
}

func (p *Pool) applyMissingLocked(rec *record, now time.Time) {
	expired := now.Sub(rec.lastSeen) >= p.cfg.DisconnectThreshold
	serial := rec.dev.Serial
	switch rec.state {
	case device.StateAllocated:
		next := device.StateOffline
		if expired || rec.pending == device.StateDisconnected {
			next = device.StateDisconnected
		}
		if rec.pending != next {
			rec.pending = next
			log.Warn().Str("serial", serial).Str("pending", string(next)).Msg("device missing during allocation, will apply after free")
		}
	default:
		if expired {
			p.transitionLocked(rec, device.StateDisconnected)
			p.removeLocked(serial)
			log.Info().Str("serial", serial).Msg("device disconnected")
			return
		}
		if rec.state == device.StateAvailable {
			p.transitionLocked(rec, device.StateOffline)
			log.Warn().Str("serial", serial).Msg("device missing from discovery")
		}
	}
}

// ParseSerialList splits a comma, semicolon, pipe or whitespace separated
// serial list such as "device-A,device-B", dropping blanks and duplicates
// while keeping the first-seen order.
func ParseSerialList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeSerials(parts)
}

func normalizeSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// buildDeviceAllowlistSet returns nil when the allowlist is empty, meaning
// every serial is accepted.
func buildDeviceAllowlistSet(serials []string) map[string]struct{} {
	serials = normalizeSerials(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}
